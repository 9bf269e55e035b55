package app

import (
	"io"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/class-swap/backend/internal/config"
)

// newScope returns the root metrics scope. Values are reported to the
// debug log every report interval and once more on Close.
func newScope(cfg config.MetricsConfig, log *zap.SugaredLogger) (tally.Scope, io.Closer) {
	interval := cfg.ReportInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return tally.NewRootScope(tally.ScopeOptions{
		Prefix:   cfg.Prefix,
		Reporter: &logReporter{log: log},
	}, interval)
}

// logReporter writes counters and gauges to a zap logger. Timers and
// histograms are not used by this program and are dropped.
type logReporter struct {
	log *zap.SugaredLogger
}

func (r *logReporter) ReportCounter(name string, tags map[string]string, value int64) {
	if value == 0 {
		return
	}
	r.log.Debugw("[metrics] counter", "name", name, "tags", tags, "delta", value)
}

func (r *logReporter) ReportGauge(name string, tags map[string]string, value float64) {
	r.log.Debugw("[metrics] gauge", "name", name, "tags", tags, "value", value)
}

func (r *logReporter) ReportTimer(string, map[string]string, time.Duration) {}

func (r *logReporter) ReportHistogramValueSamples(string, map[string]string, tally.Buckets, float64, float64, int64) {
}

func (r *logReporter) ReportHistogramDurationSamples(string, map[string]string, tally.Buckets, time.Duration, time.Duration, int64) {
}

func (r *logReporter) Capabilities() tally.Capabilities { return r }

func (r *logReporter) Reporting() bool { return true }

func (r *logReporter) Tagging() bool { return true }

func (r *logReporter) Flush() {}

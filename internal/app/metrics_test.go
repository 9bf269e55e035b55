package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/class-swap/backend/internal/config"
)

func TestScopeReportsToLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	scope, closer := newScope(config.MetricsConfig{Prefix: "classswap", ReportInterval: 10 * time.Millisecond}, zap.New(core).Sugar())
	defer closer.Close()

	scope.Counter("watch.cycles").Inc(3)
	scope.Counter("unused").Inc(0)
	scope.Gauge("watch.open_targets").Update(2)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("[metrics] counter").Len() > 0 && logs.FilterMessage("[metrics] gauge").Len() > 0
	}, 2*time.Second, 5*time.Millisecond)

	counters := logs.FilterMessage("[metrics] counter").All()
	assert.Equal(t, "classswap.watch.cycles", counters[0].ContextMap()["name"])
	assert.EqualValues(t, 3, counters[0].ContextMap()["delta"])
	for _, c := range counters {
		assert.NotEqual(t, "classswap.unused", c.ContextMap()["name"])
	}

	gauges := logs.FilterMessage("[metrics] gauge").All()
	assert.Equal(t, 2.0, gauges[0].ContextMap()["value"])
}

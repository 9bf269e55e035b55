// Package watch polls the section listing and alerts when a watched
// section opens.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/class-swap/backend/internal/history"
	"github.com/class-swap/backend/internal/registrar"
	"github.com/class-swap/backend/internal/session"
)

type Sessions interface {
	EnsureValid(ctx context.Context) (string, error)
	ReportAuthFailure(ctx context.Context, stale string) (string, error)
}

type SectionSource interface {
	Sections(ctx context.Context, artifact, termCode string) ([]registrar.Section, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, text string)
}

type Recorder interface {
	Record(ctx context.Context, kind history.Kind, crn, detail string)
}

// Target is one course and the sections of it being watched.
type Target struct {
	Course string
	CRNs   []string
}

// SeatStatus is one section as observed in a single cycle.
type SeatStatus struct {
	CRN    string
	Title  string
	IsOpen bool
}

type Config struct {
	Targets          []Target
	TermCode         string
	Interval         time.Duration
	FailureThreshold int
	// Mention is appended to every seat alert.
	Mention string
}

type Deps struct {
	Sessions Sessions
	Sections SectionSource
	Notify   Dispatcher
	History  Recorder // optional
	Logger   *zap.SugaredLogger
	Scope    tally.Scope
}

// Status is a snapshot of the poller for the status endpoint.
type Status struct {
	Cycles    int       `json:"cycles"`
	LastCycle time.Time `json:"last_cycle"`
	LastError string    `json:"last_error,omitempty"`
	Open      []string  `json:"open"`
	Health    Health    `json:"health"`
	// Failures is the current streak of failed fetches.
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

type Poller struct {
	cfg      Config
	crns     []string
	sessions Sessions
	sections SectionSource
	notify   Dispatcher
	history  Recorder
	log      *zap.SugaredLogger
	now      func() time.Time

	tracker *Tracker
	health  *fetchHealth

	cycles      tally.Counter
	fetchErrors tally.Counter
	alerts      tally.Counter
	openTargets tally.Gauge

	mu     sync.Mutex
	status Status
}

func NewPoller(cfg Config, deps Deps) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	scope := deps.Scope
	if scope == nil {
		scope = tally.NoopScope
	}

	seen := make(map[string]bool)
	var crns []string
	for _, t := range cfg.Targets {
		for _, crn := range t.CRNs {
			if !seen[crn] {
				seen[crn] = true
				crns = append(crns, crn)
			}
		}
	}

	return &Poller{
		cfg:         cfg,
		crns:        crns,
		sessions:    deps.Sessions,
		sections:    deps.Sections,
		notify:      deps.Notify,
		history:     deps.History,
		log:         log,
		now:         time.Now,
		tracker:     NewTracker(),
		health:      newFetchHealth(),
		cycles:      scope.Counter("watch.cycles"),
		fetchErrors: scope.Counter("watch.fetch_errors"),
		alerts:      scope.Counter("watch.alerts"),
		openTargets: scope.Gauge("watch.open_targets"),
		status:      Status{Health: HealthOK},
	}
}

// Run polls until ctx is cancelled, returning nil, or until the session
// can no longer be refreshed, returning that error.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Infof("[watch] checking CRNs %v every %v", p.crns, p.cfg.Interval)

	if err := p.cycle(ctx); err != nil {
		return err
	}

	// The interval is measured from the end of each cycle.
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Infof("[watch] stopped")
			return nil
		case <-timer.C:
			if err := p.cycle(ctx); err != nil {
				return err
			}
			timer.Reset(p.cfg.Interval)
		}
	}
}

// Status returns a copy of the latest cycle summary.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.status
	st.Open = append([]string(nil), p.status.Open...)
	return st
}

// cycle runs one poll. Only fatal errors are returned.
func (p *Poller) cycle(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}
	now := p.now()
	p.cycles.Inc(1)

	artifact, err := p.sessions.EnsureValid(ctx)
	if err != nil {
		return p.sessionError(ctx, err)
	}

	sections, err := p.sections.Sections(ctx, artifact, p.cfg.TermCode)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		p.fetchErrors.Inc(1)
		p.health.recordFailure(err, now)
		if errors.Is(err, registrar.ErrAuthExpired) {
			p.log.Infof("[watch] session rejected, refreshing before next cycle")
			if _, err := p.sessions.ReportAuthFailure(ctx, artifact); err != nil {
				return p.sessionError(ctx, err)
			}
		} else {
			p.log.Warnf("[watch] fetching sections: %v", err)
		}
		p.checkHealth(ctx)
		p.finishCycle(now, err)
		return nil
	}

	p.health.recordSuccess()
	p.checkHealth(ctx)
	p.log.Debugf("[watch] fetched %d sections", len(sections))

	index := indexSections(sections)
	for _, crn := range p.crns {
		st, ok := index[crn]
		if !ok {
			p.log.Infof("[watch] CRN %s: not found", crn)
			continue
		}
		if p.tracker.Observe(crn, st.IsOpen) {
			p.alert(ctx, now, st)
		}
	}
	p.finishCycle(now, nil)
	return nil
}

func (p *Poller) sessionError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, session.ErrAuthUnrecoverable) {
		p.log.Errorf("[watch] giving up: %v", err)
		return err
	}
	p.log.Warnf("[watch] session: %v", err)
	p.finishCycle(p.now(), err)
	return nil
}

func (p *Poller) alert(ctx context.Context, now time.Time, st SeatStatus) {
	p.alerts.Inc(1)
	p.log.Infof("[watch] CRN %s (%s) opened", st.CRN, st.Title)
	text := fmt.Sprintf("[%s] CRN %s (%s): 🔓 OPEN%s", now.Format("2006-01-02 15:04:05"), st.CRN, st.Title, p.cfg.Mention)
	p.notify.Dispatch(ctx, text)
	if p.history != nil {
		p.history.Record(ctx, history.KindSeatOpen, st.CRN, st.Title)
	}
}

func (p *Poller) checkHealth(ctx context.Context) {
	status, changed := p.health.transition(p.cfg.FailureThreshold)
	if !changed {
		return
	}

	var text string
	kind := history.KindWatchRecovered
	switch status {
	case HealthDegraded:
		kind = history.KindWatchDegraded
		text = fmt.Sprintf("Seat watch degraded: %d consecutive failed fetches (last: %s)", p.health.failures, p.health.lastErr)
		p.log.Warnf("[watch] %s", text)
	default:
		text = fmt.Sprintf("Seat watch recovered after %d failed fetches", p.health.failuresAtRecovery)
		p.log.Infof("[watch] %s", text)
	}
	p.notify.Dispatch(ctx, text)
	if p.history != nil {
		p.history.Record(ctx, kind, "", text)
	}
}

func (p *Poller) finishCycle(now time.Time, err error) {
	open := p.tracker.Open()
	p.openTargets.Update(float64(len(open)))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Cycles++
	p.status.LastCycle = now
	p.status.Open = open
	p.status.Health = p.health.status(p.cfg.FailureThreshold)
	p.status.Failures = p.health.failures
	p.status.LastFailure = p.health.lastFail
	p.status.LastError = ""
	if err != nil {
		p.status.LastError = err.Error()
	}
}

func indexSections(sections []registrar.Section) map[string]SeatStatus {
	index := make(map[string]SeatStatus, len(sections))
	for _, s := range sections {
		crn := string(s.CRN)
		if crn == "" {
			continue
		}
		index[crn] = SeatStatus{CRN: crn, Title: s.DisplayTitle(), IsOpen: s.IsOpen()}
	}
	return index
}

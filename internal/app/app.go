// Package app wires the session store, the engines and their collaborators
// into one monitoring run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/class-swap/backend/internal/config"
	"github.com/class-swap/backend/internal/history"
	"github.com/class-swap/backend/internal/notify"
	"github.com/class-swap/backend/internal/registrar"
	"github.com/class-swap/backend/internal/session"
	"github.com/class-swap/backend/internal/status"
	"github.com/class-swap/backend/internal/swap"
	"github.com/class-swap/backend/internal/watch"
)

const (
	historyFile      = "history.db"
	snapshotInterval = 5 * time.Second
	maxStatusClients = 8
)

// HistoryPath returns the journal location for cfg.
func HistoryPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, historyFile)
}

type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// Auth obtains a fresh session cookie when the current one expires.
	Auth session.Authenticator

	// The fields below are optional.
	HTTPClient *http.Client
	// Notifier and Destination replace the notifier built from the config.
	Notifier    notify.Notifier
	Destination string
	Scope       tally.Scope
}

// Runner drives one monitoring run. Stop may be called from any goroutine.
type Runner struct {
	cfg  *config.Config
	log  *zap.Logger
	opts Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	snap    status.Snapshot
	poller  *watch.Poller
	swapper *swap.Negotiator
}

func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("app: no config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:  opts.Config,
		log:  log,
		opts: opts,
		snap: status.Snapshot{Mode: string(opts.Config.Mode), Term: opts.Config.Term},
	}, nil
}

// Stop cancels a run in progress, or the next one to start.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.cancel != nil {
		r.cancel()
	}
}

// Snapshot describes the run for the status server.
func (r *Runner) Snapshot() status.Snapshot {
	r.mu.Lock()
	snap, p, n := r.snap, r.poller, r.swapper
	r.mu.Unlock()
	if p != nil {
		st := p.Status()
		snap.Watch = &st
	}
	if n != nil {
		st := n.Status()
		snap.Swap = &st
	}
	return snap
}

// Run blocks until the engine finishes. Cancellation, through ctx or Stop,
// returns nil. A fatal error (the term is not offered, the session cannot
// be renewed, the swap attempt cap was hit) is returned as is.
func (r *Runner) Run(ctx context.Context) (err error) {
	cfg := r.cfg
	runID := uuid.NewString()
	log := r.log.Sugar().With("run", runID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	if r.stopped {
		cancel()
	}
	r.snap.RunID = runID
	r.snap.StartedAt = time.Now()
	r.mu.Unlock()

	lock, err := AcquireLock(cfg.StateDir)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(lock))

	scope := r.opts.Scope
	if scope == nil {
		var closer io.Closer
		scope, closer = newScope(cfg.Metrics, log.Named("metrics"))
		defer multierr.AppendInvoke(&err, multierr.Close(closer))
	}

	journal, herr := history.Open(HistoryPath(cfg))
	if herr != nil {
		log.Warnf("[app] history disabled: %v", herr)
	} else {
		defer multierr.AppendInvoke(&err, multierr.Close(journal))
	}
	recorder := history.NewRecorder(journal, runID, log.Named("history"))

	client := registrar.NewClient(cfg.Endpoints.Howdy, cfg.Endpoints.Scheduler, r.opts.HTTPClient)
	store := session.NewStore(session.Options{
		Username:        cfg.Credentials.Username,
		Password:        cfg.Credentials.Password,
		InitialArtifact: cfg.Credentials.Cookie,
		RefreshTimeout:  cfg.Session.RefreshTimeout,
		Auth:            r.opts.Auth,
		Terms:           client,
		Tokens:          client,
		Cache:           sessionCache(cfg),
		Logger:          log.Named("session"),
		Scope:           scope,
	})
	defer store.Close()

	notifier, dest := r.opts.Notifier, r.opts.Destination
	if notifier == nil {
		if notifier, dest, err = notify.FromConfig(cfg.Notify, log.Named("notify")); err != nil {
			return err
		}
	}
	var dispatch fanout
	dispatch = append(dispatch, notify.NewDispatcher(notifier, dest, cfg.Notify.Timeout, log.Named("notify"), scope))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Status.Listen != "" {
		b := status.NewBroadcaster(r.Snapshot, maxStatusClients, log.Named("status"))
		srv := status.NewServer(b, status.Options{
			Snapshot:  r.Snapshot,
			Stop:      r.Stop,
			History:   journalReader(journal),
			AuthToken: cfg.Status.Token,
			Logger:    log.Named("status"),
		})
		dispatch = append(dispatch, b)
		g.Go(func() error {
			b.Run(gctx, snapshotInterval)
			return nil
		})
		g.Go(func() error {
			if err := srv.Serve(gctx, cfg.Status.Listen); err != nil {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		return r.runEngine(gctx, store, client, dispatch, recorder, scope, log)
	})
	return g.Wait()
}

// resolveTerm retries until the term is known. Only an unknown term or a
// session that cannot be refreshed ends the run.
func (r *Runner) resolveTerm(ctx context.Context, store *session.Store, log *zap.SugaredLogger) (string, error) {
	delay := r.cfg.Watch.PollInterval
	for {
		log.Infof("[app] resolving term %q", r.cfg.Term)
		code, err := store.ResolveTerm(ctx, r.cfg.Term)
		if err == nil {
			return code, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, session.ErrTermNotFound) || errors.Is(err, session.ErrAuthUnrecoverable) {
			return "", err
		}
		if registrar.IsTransient(err) {
			log.Warnf("[app] resolving term: %v, retrying in %v", err, delay)
		} else {
			log.Errorf("[app] resolving term: %v, retrying in %v", err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *Runner) runEngine(ctx context.Context, store *session.Store, client *registrar.Client, dispatch fanout, recorder *history.Recorder, scope tally.Scope, log *zap.SugaredLogger) error {
	cfg := r.cfg
	code, err := r.resolveTerm(ctx, store, log)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	r.mu.Lock()
	r.snap.TermCode = code
	r.mu.Unlock()

	switch cfg.Mode {
	case config.ModeSwap:
		n := swap.NewNegotiator(
			swap.Request{FromCRN: cfg.Swap.From, ToCRN: cfg.Swap.To, TermCode: code, Subdomain: cfg.Swap.Subdomain},
			swap.Config{
				ReceiveTimeout:  cfg.Swap.ReceiveTimeout,
				RetryDelay:      cfg.Swap.RetryDelay,
				MinSendInterval: cfg.Swap.MinSendInterval,
				MaxAttempts:     cfg.Swap.MaxAttempts,
				Mention:         cfg.Mention(),
			},
			swap.Deps{
				Dial:    swap.WebsocketDialer(cfg.Endpoints.Socket, log.Named("swap")),
				Tokens:  store,
				Notify:  dispatch,
				History: recorder,
				Logger:  log.Named("swap"),
				Scope:   scope,
			},
		)
		r.mu.Lock()
		r.swapper = n
		r.mu.Unlock()
		return n.Run(ctx)

	default:
		targets := make([]watch.Target, 0, len(cfg.Watch.Targets))
		for _, t := range cfg.Watch.Targets {
			targets = append(targets, watch.Target{Course: t.Course, CRNs: t.CRNs})
		}
		p := watch.NewPoller(
			watch.Config{
				Targets:          targets,
				TermCode:         code,
				Interval:         cfg.Watch.PollInterval,
				FailureThreshold: cfg.Watch.FailureThreshold,
				Mention:          cfg.Mention(),
			},
			watch.Deps{
				Sessions: store,
				Sections: client,
				Notify:   dispatch,
				History:  recorder,
				Logger:   log.Named("watch"),
				Scope:    scope,
			},
		)
		r.mu.Lock()
		r.poller = p
		r.mu.Unlock()
		return p.Run(ctx)
	}
}

// fanout sends every alert to each dispatcher in turn.
type fanout []interface {
	Dispatch(ctx context.Context, text string)
}

func (f fanout) Dispatch(ctx context.Context, text string) {
	for _, d := range f {
		d.Dispatch(ctx, text)
	}
}

func sessionCache(cfg *config.Config) *session.Cache {
	if cfg.Session.CachePassphraseEnv == "" {
		return nil
	}
	pass := os.Getenv(cfg.Session.CachePassphraseEnv)
	if pass == "" {
		return nil
	}
	return session.NewCache(cfg.StateDir, pass)
}

// journalReader avoids handing the status server a typed nil.
func journalReader(j *history.Store) status.HistoryReader {
	if j == nil {
		return nil
	}
	return j
}

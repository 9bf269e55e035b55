// Package notify forwards alerts to a human. Delivery is best effort: a
// failed message is logged and dropped so it never stalls the caller.
package notify

//go:generate mockgen -destination=notifymock/notifier.go -package=notifymock github.com/class-swap/backend/internal/notify Notifier

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/class-swap/backend/internal/config"
)

// Notifier delivers text to a named destination.
type Notifier interface {
	Deliver(ctx context.Context, destination, text string) error
}

// Dispatcher sends alerts to one destination and swallows delivery errors.
type Dispatcher struct {
	notifier    Notifier
	destination string
	timeout     time.Duration
	log         *zap.SugaredLogger
	sent        tally.Counter
	failed      tally.Counter
}

func NewDispatcher(n Notifier, destination string, timeout time.Duration, log *zap.SugaredLogger, scope tally.Scope) *Dispatcher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		notifier:    n,
		destination: destination,
		timeout:     timeout,
		log:         log,
		sent:        scope.Counter("notify.sent"),
		failed:      scope.Counter("notify.failed"),
	}
}

// Dispatch delivers text, waiting at most the configured timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.deliver(ctx, text); err != nil {
		d.failed.Inc(1)
		d.log.Warnf("[notify] delivery to %q failed: %v", d.destination, err)
		return
	}
	d.sent.Inc(1)
}

func (d *Dispatcher) deliver(ctx context.Context, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notifier panic: %v", r)
		}
	}()
	return d.notifier.Deliver(ctx, d.destination, text)
}

// FromConfig builds the notifier selected by cfg.Kind and returns it with
// its destination.
func FromConfig(cfg config.NotifyConfig, log *zap.SugaredLogger) (Notifier, string, error) {
	hc := &http.Client{Timeout: cfg.Timeout}
	switch cfg.Kind {
	case "discord":
		if cfg.Discord.Token == "" || cfg.Discord.Channel == "" {
			return nil, "", fmt.Errorf("notify: discord needs a token and a channel")
		}
		return NewDiscord(cfg.Discord.Token, cfg.Discord.APIBase, hc), cfg.Discord.Channel, nil
	case "matrix":
		m := cfg.Matrix
		if m.Homeserver == "" || m.AccessToken == "" || m.RoomID == "" {
			return nil, "", fmt.Errorf("notify: matrix needs homeserver, access_token and room_id")
		}
		return NewMatrix(m.Homeserver, m.AccessToken, hc), m.RoomID, nil
	case "", "log":
		return NewLog(log), "log", nil
	default:
		return nil, "", fmt.Errorf("notify: unknown kind %q", cfg.Kind)
	}
}

// Log writes alerts to the structured log. It is the fallback when no
// messaging channel is configured.
type Log struct {
	log *zap.SugaredLogger
}

func NewLog(log *zap.SugaredLogger) *Log {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Log{log: log}
}

func (l *Log) Deliver(_ context.Context, destination, text string) error {
	l.log.Infow("[notify] alert", "destination", destination, "text", text)
	return nil
}

// Package swap drives a drop+add registration over the scheduler's
// socket.io endpoint until the target section is obtained.
package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/class-swap/backend/internal/history"
	"github.com/class-swap/backend/internal/session"
)

// ErrAttemptsExhausted ends a run that hit its configured attempt cap.
var ErrAttemptsExhausted = errors.New("swap: attempts exhausted")

type State int

const (
	StateAuthorizing State = iota
	StateRequesting
	StateDone
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateRequesting:
		return "REQUESTING"
	case StateDone:
		return "DONE"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Tokens hands out socket access tokens.
type Tokens interface {
	AccessToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context, stale string) (string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, text string)
}

type Recorder interface {
	Record(ctx context.Context, kind history.Kind, crn, detail string)
}

// Request drops FromCRN and adds ToCRN in one registration.
type Request struct {
	FromCRN   string
	ToCRN     string
	TermCode  string
	Subdomain string
}

type Config struct {
	ReceiveTimeout  time.Duration
	RetryDelay      time.Duration
	MinSendInterval time.Duration
	// MaxAttempts caps registration requests. Zero means no cap.
	MaxAttempts int
	Mention     string
}

type Deps struct {
	Dial    Dialer
	Tokens  Tokens
	Notify  Dispatcher
	History Recorder // optional
	Logger  *zap.SugaredLogger
	Scope   tally.Scope
}

// Status is a snapshot for the status endpoint.
type Status struct {
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	LastReason string `json:"last_reason,omitempty"`
}

type Negotiator struct {
	req     Request
	cfg     Config
	dial    Dialer
	tokens  Tokens
	notify  Dispatcher
	history Recorder
	log     *zap.SugaredLogger
	limiter *rate.Limiter

	attemptsC      tally.Counter
	failures       tally.Counter
	tokenRefreshes tally.Counter
	reconnects     tally.Counter

	// Owned by the Run goroutine.
	conn  Transport
	token string
	ackID int

	mu         sync.Mutex
	state      State
	attempts   int
	lastReason string
}

func NewNegotiator(req Request, cfg Config, deps Deps) *Negotiator {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 10 * time.Second
	}
	if req.Subdomain == "" {
		req.Subdomain = "tamu"
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	scope := deps.Scope
	if scope == nil {
		scope = tally.NoopScope
	}
	limit := rate.Inf
	if cfg.MinSendInterval > 0 {
		limit = rate.Every(cfg.MinSendInterval)
	}

	return &Negotiator{
		req:            req,
		cfg:            cfg,
		dial:           deps.Dial,
		tokens:         deps.Tokens,
		notify:         deps.Notify,
		history:        deps.History,
		log:            log,
		limiter:        rate.NewLimiter(limit, 1),
		attemptsC:      scope.Counter("swap.attempts"),
		failures:       scope.Counter("swap.failures"),
		tokenRefreshes: scope.Counter("swap.token_refreshes"),
		reconnects:     scope.Counter("swap.reconnects"),
		state:          StateAuthorizing,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Negotiator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Status{State: n.state.String(), Attempts: n.attempts, LastReason: n.lastReason}
}

func (n *Negotiator) setState(s State) {
	n.mu.Lock()
	prev := n.state
	n.state = s
	n.mu.Unlock()
	if prev != s {
		n.log.Debugf("[swap] %s -> %s", prev, s)
	}
}

// Run negotiates until the swap registers (nil), ctx is cancelled (nil),
// or a fatal error occurs: the session cannot be refreshed or the attempt
// cap was reached.
func (n *Negotiator) Run(ctx context.Context) error {
	defer n.closeConn()
	n.log.Infof("[swap] swapping CRN %s for CRN %s in term %s", n.req.FromCRN, n.req.ToCRN, n.req.TermCode)

	state := StateAuthorizing
	for {
		n.setState(state)
		if state == StateDone {
			return nil
		}
		if ctx.Err() != nil {
			n.stop()
			return nil
		}

		var err error
		switch state {
		case StateAuthorizing:
			state, err = n.authorize(ctx)
		case StateRequesting:
			state, err = n.request(ctx)
		default:
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				n.stop()
				return nil
			}
			n.setState(StateStopped)
			return err
		}
		if state == StateStopped {
			n.stop()
			return nil
		}
	}
}

func (n *Negotiator) stop() {
	n.log.Infof("[swap] stopped")
	n.closeConn()
	n.setState(StateStopped)
}

func (n *Negotiator) authorize(ctx context.Context) (State, error) {
	if n.conn == nil {
		conn, err := n.dial(ctx)
		if err != nil {
			return n.transportFailure(ctx, err)
		}
		n.conn = conn
	}

	tok, err := n.tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, session.ErrAuthUnrecoverable) {
			return StateStopped, err
		}
		n.log.Warnf("[swap] getting access token: %v", err)
		if !sleepCtx(ctx, n.cfg.RetryDelay) {
			return StateStopped, nil
		}
		return StateAuthorizing, nil
	}
	n.token = tok

	frame, err := EncodeEvent(n.nextAck(), "authorize", map[string]string{"token": tok})
	if err != nil {
		return StateStopped, err
	}
	if err := n.conn.Send(ctx, frame); err != nil {
		return n.transportFailure(ctx, err)
	}
	return StateRequesting, nil
}

func (n *Negotiator) request(ctx context.Context) (State, error) {
	n.mu.Lock()
	attempts, reason := n.attempts, n.lastReason
	n.mu.Unlock()
	if n.cfg.MaxAttempts > 0 && attempts >= n.cfg.MaxAttempts {
		if reason == "" {
			reason = "no reply"
		}
		return StateStopped, fmt.Errorf("%w after %d requests (last: %s)", ErrAttemptsExhausted, attempts, reason)
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return StateStopped, nil
	}

	frame, err := EncodeEvent(n.nextAck(), "registration-request", n.registration())
	if err != nil {
		return StateStopped, err
	}
	if err := n.conn.Send(ctx, frame); err != nil {
		return n.transportFailure(ctx, err)
	}
	n.mu.Lock()
	n.attempts++
	n.mu.Unlock()
	n.attemptsC.Inc(1)

	return n.await(ctx)
}

// await reads frames until one answers the request or the receive timeout
// passes, in which case the request is sent again.
func (n *Negotiator) await(ctx context.Context) (State, error) {
	deadline := time.Now().Add(n.cfg.ReceiveTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			n.log.Debugf("[swap] no reply within %v, re-sending", n.cfg.ReceiveTimeout)
			return StateRequesting, nil
		}

		data, err := n.conn.Receive(ctx, remaining)
		switch {
		case errors.Is(err, ErrReceiveTimeout):
			n.log.Debugf("[swap] no reply within %v, re-sending", n.cfg.ReceiveTimeout)
			return StateRequesting, nil
		case err != nil:
			if ctx.Err() != nil {
				return StateStopped, nil
			}
			if isTokenExpiredClose(err) {
				n.closeConn()
				return n.refreshToken(ctx)
			}
			return n.transportFailure(ctx, err)
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			n.log.Warnf("[swap] ignoring undecodable frame %q: %v", truncateFrame(data), err)
			continue
		}
		switch frame.Kind {
		case FrameClose, FrameDisconnect:
			return n.transportFailure(ctx, fmt.Errorf("server sent %s", frame.Kind))
		}
		if !frame.Carries() {
			continue
		}

		reply := Classify(frame.Payload)
		switch reply.Kind {
		case ReplyRegistered:
			n.finish(ctx)
			return StateDone, nil
		case ReplyFailure:
			return n.failure(ctx, reply.Reason)
		case ReplyTokenExpired:
			n.log.Infof("[swap] token expired")
			return n.refreshToken(ctx)
		default:
			n.log.Debugf("[swap] ignoring %s frame %q", frame.Kind, truncateFrame(data))
		}
	}
}

func (n *Negotiator) failure(ctx context.Context, reason string) (State, error) {
	n.failures.Inc(1)
	n.mu.Lock()
	n.lastReason = reason
	attempt := n.attempts
	n.mu.Unlock()

	n.log.Infof("[swap] attempt %d failed: %s", attempt, reason)
	if n.history != nil {
		n.history.Record(ctx, history.KindSwapFailure, n.req.ToCRN, reason)
	}
	if !sleepCtx(ctx, n.cfg.RetryDelay) {
		return StateStopped, nil
	}
	return StateRequesting, nil
}

// refreshToken makes exactly one call into the session store's token
// refresh path and goes back to authorizing.
func (n *Negotiator) refreshToken(ctx context.Context) (State, error) {
	n.tokenRefreshes.Inc(1)
	tok, err := n.tokens.RefreshToken(ctx, n.token)
	if err != nil {
		if errors.Is(err, session.ErrAuthUnrecoverable) {
			return StateStopped, err
		}
		if ctx.Err() != nil {
			return StateStopped, nil
		}
		n.log.Warnf("[swap] refreshing token: %v", err)
		if !sleepCtx(ctx, n.cfg.RetryDelay) {
			return StateStopped, nil
		}
		return StateAuthorizing, nil
	}
	n.token = tok
	return StateAuthorizing, nil
}

func (n *Negotiator) transportFailure(ctx context.Context, err error) (State, error) {
	n.reconnects.Inc(1)
	n.log.Warnf("[swap] connection problem, reconnecting: %v", err)
	n.closeConn()
	if !sleepCtx(ctx, n.cfg.RetryDelay) {
		return StateStopped, nil
	}
	return StateAuthorizing, nil
}

func (n *Negotiator) finish(ctx context.Context) {
	n.mu.Lock()
	attempts := n.attempts
	n.mu.Unlock()

	n.log.Infof("[swap] registered in CRN %s after %d attempts", n.req.ToCRN, attempts)
	n.closeConn()
	n.notify.Dispatch(ctx, fmt.Sprintf("Swap complete: dropped CRN %s and registered in CRN %s%s",
		n.req.FromCRN, n.req.ToCRN, n.cfg.Mention))
	if n.history != nil {
		n.history.Record(ctx, history.KindSwapDone, n.req.ToCRN, fmt.Sprintf("dropped %s after %d attempts", n.req.FromCRN, attempts))
	}
}

func (n *Negotiator) closeConn() {
	if n.conn == nil {
		return
	}
	if err := n.conn.Close(); err != nil {
		n.log.Debugf("[swap] close: %v", err)
	}
	n.conn = nil
}

func (n *Negotiator) nextAck() int {
	id := n.ackID
	n.ackID++
	return id
}

type regNumberRequest struct {
	RegNumber string `json:"regNumber"`
	Action    string `json:"action,omitempty"`
}

type registrationRequest struct {
	Subdomain          string             `json:"subdomain"`
	Type               string             `json:"type"`
	UserID             int                `json:"userId"`
	TermCode           string             `json:"termCode"`
	RegNumberRequests  []regNumberRequest `json:"regNumberRequests"`
	AdditionalData     map[string]string  `json:"additionalData"`
	ConditionalAddDrop string             `json:"conditionalAddDrop"`
}

func (n *Negotiator) registration() registrationRequest {
	return registrationRequest{
		Subdomain: n.req.Subdomain,
		Type:      "ENROLL_CART",
		TermCode:  n.req.TermCode,
		RegNumberRequests: []regNumberRequest{
			{RegNumber: n.req.FromCRN, Action: "DW"},
			{RegNumber: n.req.ToCRN},
		},
		AdditionalData:     map[string]string{"altPin": ""},
		ConditionalAddDrop: "Y",
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncateFrame(data []byte) string {
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

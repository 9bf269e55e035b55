// Package session owns the authentication artifact shared by every request
// of a monitoring run, along with the values derived from it: the term code
// cache and the socket access token.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/class-swap/backend/internal/registrar"
)

var (
	// ErrAuthUnrecoverable means the login collaborator failed or timed out.
	// It is fatal for the run.
	ErrAuthUnrecoverable = errors.New("session: authentication unrecoverable")

	// ErrTermNotFound means the configured term name is not offered.
	ErrTermNotFound = errors.New("session: term not found")

	ErrClosed = errors.New("session: store closed")
)

// Authenticator produces a fresh session artifact. It may block for as long
// as a human needs to complete a login.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
}

// TermLister returns the terms visible to an artifact.
type TermLister interface {
	Terms(ctx context.Context, artifact string) ([]registrar.Term, error)
}

// TokenExchanger trades an artifact for a socket access token.
type TokenExchanger interface {
	AccessToken(ctx context.Context, artifact string) (string, error)
}

// Session is the artifact currently believed valid.
type Session struct {
	Artifact   string
	ObtainedAt time.Time
	terms      map[string]string
}

type Options struct {
	Username        string
	Password        string
	InitialArtifact string
	RefreshTimeout  time.Duration

	Auth   Authenticator
	Terms  TermLister
	Tokens TokenExchanger
	// Cache is optional.
	Cache *Cache

	Logger *zap.SugaredLogger
	Scope  tally.Scope
}

// Store is safe for concurrent use. At most one login runs at a time; every
// caller that needs a new artifact while one is running waits for it.
type Store struct {
	username       string
	password       string
	refreshTimeout time.Duration

	auth   Authenticator
	terms  TermLister
	tokens TokenExchanger
	cache  *Cache

	log       *zap.SugaredLogger
	refreshes tally.Counter
	now       func() time.Time

	mu       sync.RWMutex
	sess     Session
	token    string
	tokenFor string // artifact the token was derived from

	group singleflight.Group

	// life bounds logins and token exchanges, which outlive the caller
	// that started them.
	life      context.Context
	closeLife context.CancelFunc
}

func NewStore(opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	scope := opts.Scope
	if scope == nil {
		scope = tally.NoopScope
	}
	timeout := opts.RefreshTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	s := &Store{
		username:       opts.Username,
		password:       opts.Password,
		refreshTimeout: timeout,
		auth:           opts.Auth,
		terms:          opts.Terms,
		tokens:         opts.Tokens,
		cache:          opts.Cache,
		log:            log,
		refreshes:      scope.Counter("session.refreshes"),
		now:            time.Now,
	}
	s.life, s.closeLife = context.WithCancel(context.Background())

	artifact := opts.InitialArtifact
	if artifact == "" && s.cache != nil {
		cached, err := s.cache.Load()
		if err != nil {
			s.log.Warnf("[session] ignoring unreadable cache %s: %v", s.cache.Path(), err)
		}
		artifact = cached
	}
	if artifact != "" {
		s.sess = Session{Artifact: artifact, ObtainedAt: s.now(), terms: make(map[string]string)}
	}
	return s
}

// EnsureValid returns the current artifact, logging in first if there is
// none.
func (s *Store) EnsureValid(ctx context.Context) (string, error) {
	s.mu.RLock()
	artifact := s.sess.Artifact
	s.mu.RUnlock()
	if artifact != "" {
		return artifact, nil
	}
	return s.refresh(ctx)
}

// ReportAuthFailure invalidates stale and returns its replacement. Callers
// that report an artifact which was already replaced get the current one
// back without another login.
func (s *Store) ReportAuthFailure(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if cur := s.sess.Artifact; cur != "" && cur != stale {
		s.mu.Unlock()
		return cur, nil
	}
	if s.sess.Artifact != "" {
		s.log.Infof("[session] artifact obtained %s rejected, refreshing", s.sess.ObtainedAt.Format(time.RFC3339))
	}
	s.sess = Session{}
	s.token, s.tokenFor = "", ""
	s.mu.Unlock()

	return s.refresh(ctx)
}

// ObtainedAt reports when the current artifact was acquired. It is zero when
// there is none.
func (s *Store) ObtainedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess.ObtainedAt
}

// Close abandons any login or token exchange in flight. Later refreshes
// fail with ErrClosed.
func (s *Store) Close() error {
	s.closeLife()
	return nil
}

// refresh joins the in-flight login or starts one. The login runs on the
// store's own context so one caller giving up does not fail the others.
func (s *Store) refresh(ctx context.Context) (string, error) {
	ch := s.group.DoChan("artifact", func() (any, error) {
		s.mu.RLock()
		cur := s.sess.Artifact
		s.mu.RUnlock()
		if cur != "" {
			return cur, nil
		}
		return s.login()
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

type loginResult struct {
	artifact string
	err      error
}

func (s *Store) login() (string, error) {
	if s.auth == nil {
		return "", fmt.Errorf("%w: no login method configured", ErrAuthUnrecoverable)
	}
	if s.life.Err() != nil {
		return "", ErrClosed
	}

	lctx, cancel := context.WithTimeout(s.life, s.refreshTimeout)
	defer cancel()

	s.log.Infof("[session] waiting up to %v for a fresh login", s.refreshTimeout)
	done := make(chan loginResult, 1)
	go func() {
		artifact, err := s.auth.Login(lctx, s.username, s.password)
		done <- loginResult{artifact, err}
	}()

	var res loginResult
	select {
	case res = <-done:
	case <-lctx.Done():
		res.err = lctx.Err()
	}

	if res.err != nil {
		if s.life.Err() != nil {
			return "", ErrClosed
		}
		if errors.Is(lctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: no login within %v", ErrAuthUnrecoverable, s.refreshTimeout)
		}
		return "", fmt.Errorf("%w: %w", ErrAuthUnrecoverable, res.err)
	}
	if res.artifact == "" {
		return "", fmt.Errorf("%w: login returned an empty session", ErrAuthUnrecoverable)
	}

	s.mu.Lock()
	s.sess = Session{Artifact: res.artifact, ObtainedAt: s.now(), terms: make(map[string]string)}
	s.token, s.tokenFor = "", ""
	s.mu.Unlock()
	s.refreshes.Inc(1)
	s.log.Infof("[session] login complete")

	if s.cache != nil {
		if err := s.cache.Save(res.artifact); err != nil {
			s.log.Warnf("[session] saving cache: %v", err)
		}
	}
	return res.artifact, nil
}

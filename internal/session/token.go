package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/class-swap/backend/internal/registrar"
)

// AccessToken returns the socket token for the current artifact, exchanging
// one if needed.
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	tok, from, cur := s.token, s.tokenFor, s.sess.Artifact
	s.mu.RUnlock()
	if tok != "" && from == cur {
		return tok, nil
	}
	return s.exchange(ctx)
}

// RefreshToken discards stale and returns a new token. Concurrent callers
// holding the same stale token share one exchange.
func (s *Store) RefreshToken(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.token != stale && s.tokenFor == s.sess.Artifact {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.token, s.tokenFor = "", ""
	s.mu.Unlock()
	return s.exchange(ctx)
}

func (s *Store) exchange(ctx context.Context) (string, error) {
	if s.tokens == nil {
		return "", errors.New("session: no token exchanger configured")
	}
	ch := s.group.DoChan("token", func() (any, error) {
		// Shared by every waiter, so not bound to any one of them.
		ctx, cancel := context.WithTimeout(s.life, s.refreshTimeout)
		defer cancel()

		artifact, err := s.EnsureValid(ctx)
		if err != nil {
			return "", err
		}
		tok, err := s.tokens.AccessToken(ctx, artifact)
		if errors.Is(err, registrar.ErrAuthExpired) {
			if artifact, err = s.ReportAuthFailure(ctx, artifact); err != nil {
				return "", err
			}
			tok, err = s.tokens.AccessToken(ctx, artifact)
		}
		if err != nil {
			return "", fmt.Errorf("session: token exchange: %w", err)
		}

		s.mu.Lock()
		if s.sess.Artifact == artifact {
			s.token, s.tokenFor = tok, artifact
		}
		s.mu.Unlock()
		return tok, nil
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

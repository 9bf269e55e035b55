package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/class-swap/backend/internal/registrar"
)

// ResolveTerm maps a term name to its code. Results are cached until the
// artifact is replaced.
func (s *Store) ResolveTerm(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	code, ok := s.sess.terms[name]
	s.mu.RUnlock()
	if ok {
		return code, nil
	}

	if s.terms == nil {
		return "", errors.New("session: no term lister configured")
	}
	artifact, err := s.EnsureValid(ctx)
	if err != nil {
		return "", err
	}
	terms, err := s.terms.Terms(ctx, artifact)
	if errors.Is(err, registrar.ErrAuthExpired) {
		if artifact, err = s.ReportAuthFailure(ctx, artifact); err != nil {
			return "", err
		}
		terms, err = s.terms.Terms(ctx, artifact)
	}
	if err != nil {
		return "", fmt.Errorf("session: listing terms: %w", err)
	}

	code, err = matchTerm(terms, name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.sess.Artifact == artifact {
		s.sess.terms[name] = code
	}
	s.mu.Unlock()
	return code, nil
}

// matchTerm is exact and case-sensitive: "Fall 2024" and "fall 2024" are
// different terms.
func matchTerm(terms []registrar.Term, name string) (string, error) {
	for _, t := range terms {
		if t.Name == name {
			return t.Code, nil
		}
	}
	return "", fmt.Errorf("%w: %q (%d terms offered)", ErrTermNotFound, name, len(terms))
}

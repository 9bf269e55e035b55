package app

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/class-swap/backend/internal/config"
	"github.com/class-swap/backend/internal/registrar"
	"github.com/class-swap/backend/internal/session"
)

type LookupResult struct {
	CRN   string `json:"crn"`
	Found bool   `json:"found"`
	Title string `json:"title,omitempty"`
	Open  bool   `json:"open"`
}

// Lookup reports the title and seat state of each CRN in the configured
// term. Expired sessions go through auth like they would during a run.
func Lookup(ctx context.Context, cfg *config.Config, auth session.Authenticator, hc *http.Client, log *zap.SugaredLogger, crns []string) ([]LookupResult, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	parsed := make([]string, 0, len(crns))
	for _, c := range crns {
		crn, err := registrar.ParseCRN(c)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, crn)
	}

	client := registrar.NewClient(cfg.Endpoints.Howdy, cfg.Endpoints.Scheduler, hc)
	store := session.NewStore(session.Options{
		Username:        cfg.Credentials.Username,
		Password:        cfg.Credentials.Password,
		InitialArtifact: cfg.Credentials.Cookie,
		RefreshTimeout:  cfg.Session.RefreshTimeout,
		Auth:            auth,
		Terms:           client,
		Tokens:          client,
		Cache:           sessionCache(cfg),
		Logger:          log.Named("session"),
	})
	defer store.Close()

	code, err := store.ResolveTerm(ctx, cfg.Term)
	if err != nil {
		return nil, err
	}

	results := make([]LookupResult, 0, len(parsed))
	for _, crn := range parsed {
		sec, err := lookupOne(ctx, store, client, code, crn)
		if err != nil {
			return nil, err
		}
		res := LookupResult{CRN: crn}
		if sec != nil {
			res.Found = true
			res.Title = sec.DisplayTitle()
			res.Open = sec.IsOpen()
		}
		results = append(results, res)
	}
	return results, nil
}

func lookupOne(ctx context.Context, store *session.Store, client *registrar.Client, code, crn string) (*registrar.Section, error) {
	artifact, err := store.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}
	sec, err := client.LookupCRN(ctx, artifact, code, crn)
	if errors.Is(err, registrar.ErrAuthExpired) {
		if artifact, err = store.ReportAuthFailure(ctx, artifact); err != nil {
			return nil, err
		}
		sec, err = client.LookupCRN(ctx, artifact, code, crn)
	}
	return sec, err
}

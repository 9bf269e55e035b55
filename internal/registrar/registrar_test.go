package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.URL, srv.Client())
}

func TestTerms(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/all-terms", r.URL.Path)
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))
		w.Write([]byte(`[{"STVTERM_DESC":"Fall 2024 - College Station","STVTERM_CODE":"202431"}]`))
	}))

	terms, err := c.Terms(context.Background(), "session=abc")
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, Term{Name: "Fall 2024 - College Station", Code: "202431"}, terms[0])
}

func TestSectionsShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare list", `[{"SWV_CLASS_SEARCH_CRN":12345,"STUSEAT_OPEN":"Y","SWV_CLASS_SEARCH_SUBJECT":"CSCE","SWV_CLASS_SEARCH_COURSE":"121","SWV_CLASS_SEARCH_TITLE":"Intro"}]`},
		{"wrapped", `{"courseSections":[{"SWV_CLASS_SEARCH_CRN":"12345","STUSEAT_OPEN":"Y","SWV_CLASS_SEARCH_SUBJECT":"CSCE","SWV_CLASS_SEARCH_COURSE":"121","SWV_CLASS_SEARCH_TITLE":"Intro"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				var q sectionQuery
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&q))
				assert.Equal(t, "202431", q.TermCode)
				assert.Equal(t, "Y", q.PublicSearch)
				assert.Equal(t, 0, q.EndRow)
				w.Write([]byte(tt.body))
			}))

			sections, err := c.Sections(context.Background(), "c", "202431")
			require.NoError(t, err)
			require.Len(t, sections, 1)
			s := sections[0]
			assert.Equal(t, CRN("12345"), s.CRN)
			assert.True(t, s.IsOpen())
			assert.Equal(t, "CSCE 121 – Intro", s.DisplayTitle())
		})
	}
}

func TestLookupCRN(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q sectionQuery
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		if q.CRN == "1" {
			w.Write([]byte(`[{"SWV_CLASS_SEARCH_CRN":1,"STUSEAT_OPEN":"N"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))

	s, err := c.LookupCRN(context.Background(), "c", "t", "1")
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.False(t, s.IsOpen())

	s, err = c.LookupCRN(context.Background(), "c", "t", "2")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestAccessToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/oauth/student/client-credentials/token", r.URL.Path)
		w.Write([]byte(`{"accessToken":"tok-1"}`))
	}))
	tok, err := c.AccessToken(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantExpired bool
		transient   bool
	}{
		{
			name:        "unauthorized",
			handler:     func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) },
			wantExpired: true,
		},
		{
			name:        "forbidden",
			handler:     func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
			wantExpired: true,
		},
		{
			name: "redirect to login",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/login", http.StatusFound)
			},
			wantExpired: true,
		},
		{
			name: "html login page",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html><body>Sign in</body></html>"))
			},
			wantExpired: true,
		},
		{
			name:      "server error",
			handler:   func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusBadGateway) },
			transient: true,
		},
		{
			name:    "bad request",
			handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "nope", http.StatusBadRequest) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler)
			_, err := c.Terms(context.Background(), "c")
			require.Error(t, err)
			assert.Equal(t, tt.wantExpired, errors.Is(err, ErrAuthExpired), "err = %v", err)
			assert.Equal(t, tt.transient, IsTransient(err), "err = %v", err)
		})
	}
}

func TestEmptyTokenIsExpired(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	_, err := c.AccessToken(context.Background(), "c")
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestParseCRN(t *testing.T) {
	got, err := ParseCRN(" 12345 ")
	require.NoError(t, err)
	assert.Equal(t, "12345", got)

	_, err = ParseCRN("CSCE121")
	assert.Error(t, err)
}

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordDeliverByName(t *testing.T) {
	var guildLookups atomic.Int32
	var mu sync.Mutex
	var posted []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me/guilds", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot tok", r.Header.Get("Authorization"))
		guildLookups.Add(1)
		w.Write([]byte(`[{"id":"g1","name":"Study"},{"id":"g2","name":"Aggies"}]`))
	})
	mux.HandleFunc("GET /guilds/g1/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"c0","name":"general","type":0}]`))
	})
	mux.HandleFunc("GET /guilds/g2/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"v1","name":"seat-alerts","type":2},{"id":"c9","name":"seat-alerts","type":0}]`))
	})
	mux.HandleFunc("POST /channels/c9/messages", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		posted = append(posted, body["content"])
		mu.Unlock()
		w.Write([]byte(`{"id":"m1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := NewDiscord("tok", srv.URL, srv.Client())
	require.NoError(t, d.Deliver(context.Background(), "seat-alerts", "first"))
	require.NoError(t, d.Deliver(context.Background(), "#seat-alerts", "second"))

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, posted)
	mu.Unlock()
	assert.Equal(t, int32(1), guildLookups.Load(), "channel id should be cached")
}

func TestDiscordDeliverByID(t *testing.T) {
	var hit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/channels/123456/messages", r.URL.Path)
		hit.Store(true)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d := NewDiscord("tok", srv.URL, srv.Client())
	require.NoError(t, d.Deliver(context.Background(), "123456", "hi"))
	assert.True(t, hit.Load())
}

func TestDiscordErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/users/") {
			w.Write([]byte(`[]`))
			return
		}
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"Missing Access","code":50001}`))
	}))
	defer srv.Close()

	d := NewDiscord("tok", srv.URL, srv.Client())
	err := d.Deliver(context.Background(), "nowhere", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no text channel")

	err = d.Deliver(context.Background(), "42", "hi")
	var derr *DiscordError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 50001, derr.Code)
	assert.Equal(t, http.StatusForbidden, derr.StatusCode)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	got := truncate(strings.Repeat("é", 12), 10)
	assert.Equal(t, 10, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "…"))
}

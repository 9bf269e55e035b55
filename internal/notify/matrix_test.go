package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatrixDeliver(t *testing.T) {
	bodies := make(chan matrixMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/_matrix/client/v3/rooms/!room:example.org/send/m.room.message/txn-1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var msg matrixMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		bodies <- msg
		w.Write([]byte(`{"event_id":"$e"}`))
	}))
	defer srv.Close()

	m := NewMatrix(srv.URL, "secret", srv.Client())
	m.newTxnID = func() string { return "txn-1" }
	require.NoError(t, m.Deliver(context.Background(), "!room:example.org", "swap done"))
	assert.Equal(t, matrixMessage{MsgType: "m.text", Body: "swap done"}, <-bodies)
}

func TestMatrixError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errcode":"M_FORBIDDEN","error":"not in room"}`))
	}))
	defer srv.Close()

	err := NewMatrix(srv.URL, "secret", srv.Client()).Deliver(context.Background(), "!r:x", "hi")
	var merr *MatrixError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, "M_FORBIDDEN", merr.Code)
	assert.Equal(t, http.StatusForbidden, merr.StatusCode)
}

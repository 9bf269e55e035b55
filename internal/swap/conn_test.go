package swap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScheduler speaks just enough engine.io v3 / socket.io v2 to stand in
// for the registration socket.
type fakeScheduler struct {
	pingInterval time.Duration
	// onEvent answers an event frame. Returning nil sends nothing.
	onEvent func(ackID int, event string) []string
	// closeWith, when set, closes the socket right after the handshake.
	closeWith *websocket.CloseError

	pings  atomic.Int32
	mu     sync.Mutex
	events []string
}

func (f *fakeScheduler) Events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeScheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	open := fmt.Sprintf(`0{"sid":"abc","upgrades":[],"pingInterval":%d,"pingTimeout":5000}`, f.pingInterval.Milliseconds())
	if c.WriteMessage(websocket.TextMessage, []byte(open)) != nil {
		return
	}
	if c.WriteMessage(websocket.TextMessage, []byte("40")) != nil {
		return
	}
	if f.closeWith != nil {
		msg := websocket.FormatCloseMessage(f.closeWith.Code, f.closeWith.Text)
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "2" {
			f.pings.Add(1)
			if c.WriteMessage(websocket.TextMessage, []byte("3")) != nil {
				return
			}
			continue
		}
		frame, err := DecodeFrame(data)
		if err != nil || frame.Kind != FrameEvent {
			continue
		}
		f.mu.Lock()
		f.events = append(f.events, frame.Event)
		f.mu.Unlock()
		if f.onEvent == nil {
			continue
		}
		for _, reply := range f.onEvent(frame.AckID, frame.Event) {
			if c.WriteMessage(websocket.TextMessage, []byte(reply)) != nil {
				return
			}
		}
	}
}

func startScheduler(t *testing.T, f *fakeScheduler) string {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=3&transport=websocket"
}

func receiveUntil(t *testing.T, c *Conn, match func(Frame) bool) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := c.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		if match(f) {
			return f
		}
	}
	t.Fatal("no matching frame")
	return Frame{}
}

func TestConnHandshakeAndHeartbeat(t *testing.T) {
	srv := &fakeScheduler{pingInterval: 20 * time.Millisecond}
	url := startScheduler(t, srv)

	c, err := Dial(context.Background(), url, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	receiveUntil(t, c, func(f Frame) bool { return f.Kind == FrameOpen })
	receiveUntil(t, c, func(f Frame) bool { return f.Kind == FrameConnect })

	assert.Eventually(t, func() bool { return srv.pings.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	// Pongs are consumed by the reader and never surface.
	_, err = c.Receive(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrReceiveTimeout)
}

func TestConnReceiveTimeoutKeepsSocket(t *testing.T) {
	srv := &fakeScheduler{
		pingInterval: time.Minute,
		onEvent: func(ack int, event string) []string {
			if event != "echo" {
				return nil
			}
			return []string{fmt.Sprintf(`43%d[{"echo":true}]`, ack)}
		},
	}
	url := startScheduler(t, srv)

	c, err := Dial(context.Background(), url, nil, nil)
	require.NoError(t, err)
	defer c.Close()
	receiveUntil(t, c, func(f Frame) bool { return f.Kind == FrameConnect })

	_, err = c.Receive(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrReceiveTimeout)

	frame, err := EncodeEvent(7, "echo", nil)
	require.NoError(t, err)
	require.NoError(t, c.Send(context.Background(), frame))

	got := receiveUntil(t, c, func(f Frame) bool { return f.Kind == FrameAck })
	assert.Equal(t, 7, got.AckID)
}

func TestConnTokenRejectedClose(t *testing.T) {
	srv := &fakeScheduler{
		pingInterval: time.Minute,
		closeWith:    &websocket.CloseError{Code: 4401, Text: "token expired"},
	}
	url := startScheduler(t, srv)

	c, err := Dial(context.Background(), url, nil, nil)
	require.NoError(t, err)
	defer c.Close()

	var recvErr error
	for i := 0; i < 5 && recvErr == nil; i++ {
		_, recvErr = c.Receive(context.Background(), time.Second)
	}
	require.Error(t, recvErr)
	assert.True(t, isTokenExpiredClose(recvErr), "%v", recvErr)

	assert.Error(t, c.Send(context.Background(), []byte("42[]")))
}

func TestConnReceiveCancelled(t *testing.T) {
	url := startScheduler(t, &fakeScheduler{pingInterval: time.Minute})
	c, err := Dial(context.Background(), url, nil, nil)
	require.NoError(t, err)
	defer c.Close()
	receiveUntil(t, c, func(f Frame) bool { return f.Kind == FrameConnect })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Receive(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDialFailureRedactsQuery(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?token=secret"

	_, err := Dial(context.Background(), url, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
	assert.NotContains(t, err.Error(), "secret")
}

func TestIsTokenExpiredClose(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&websocket.CloseError{Code: 4001}, true},
		{&websocket.CloseError{Code: 4401}, true},
		{&websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "Invalid Token"}, true},
		{&websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "rate limited"}, false},
		{&websocket.CloseError{Code: websocket.CloseNormalClosure}, false},
		{fmt.Errorf("swap: connection lost: %w", &websocket.CloseError{Code: 4401}), true},
		{errors.New("EOF"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTokenExpiredClose(tt.err), "%v", tt.err)
	}
}

type staticTokens struct{ refreshed atomic.Int32 }

func (s *staticTokens) AccessToken(context.Context) (string, error) { return "tok", nil }

func (s *staticTokens) RefreshToken(context.Context, string) (string, error) {
	s.refreshed.Add(1)
	return "tok", nil
}

type collectDispatch struct {
	mu    sync.Mutex
	texts []string
}

func (d *collectDispatch) Dispatch(_ context.Context, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, text)
}

func TestNegotiatorOverWebsocket(t *testing.T) {
	var requests atomic.Int32
	srv := &fakeScheduler{
		pingInterval: 10 * time.Millisecond,
		onEvent: func(ack int, event string) []string {
			switch event {
			case "authorize":
				return []string{fmt.Sprintf(`43%d[{"authorized":true}]`, ack)}
			case "registration-request":
				if requests.Add(1) < 3 {
					return []string{fmt.Sprintf(`43%d[{"sections":[{"messages":[{"type":"FAILURE","message":"Closed section"}]}]}]`, ack)}
				}
				return []string{fmt.Sprintf(`43%d[{"sections":[{"outcome":"REGISTERED"}]}]`, ack)}
			}
			return nil
		},
	}
	url := startScheduler(t, srv)

	notify := &collectDispatch{}
	n := NewNegotiator(
		Request{FromCRN: "11111", ToCRN: "22222", TermCode: "202431"},
		Config{ReceiveTimeout: time.Second, RetryDelay: time.Millisecond},
		Deps{Dial: WebsocketDialer(url, nil), Tokens: &staticTokens{}, Notify: notify},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Run(ctx))

	assert.Equal(t, StateDone, n.State())
	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, []string{"authorize", "registration-request", "registration-request", "registration-request"}, srv.Events())
	notify.mu.Lock()
	defer notify.mu.Unlock()
	assert.Len(t, notify.texts, 1)
}

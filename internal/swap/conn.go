package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout        = 10 * time.Second
	defaultPingInterval = 25 * time.Second
	incomingBuffer      = 16
)

// ErrReceiveTimeout is returned by Receive when nothing arrived in time.
var ErrReceiveTimeout = errors.New("swap: receive timeout")

// Transport is a connected socket carrying text frames.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	// Receive waits at most timeout for the next frame.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Dialer opens a new Transport.
type Dialer func(ctx context.Context) (Transport, error)

// WebsocketDialer dials url with gorilla/websocket.
func WebsocketDialer(url string, log *zap.SugaredLogger) Dialer {
	return func(ctx context.Context) (Transport, error) {
		return Dial(ctx, url, nil, log)
	}
}

// Conn is a socket.io client connection over a websocket. A background
// reader keeps the engine.io heartbeat alive and queues every other frame
// for Receive, so a receive timeout never tears the websocket down.
type Conn struct {
	ws  *websocket.Conn
	log *zap.SugaredLogger

	writeMu sync.Mutex // serialises all ws writes (ping, pong, frames)

	incoming chan []byte
	done     chan struct{} // closed when the reader exits
	readErr  error         // valid after done is closed

	closing   chan struct{}
	closeOnce sync.Once
	stopPing  context.CancelFunc
	pingWG    sync.WaitGroup
}

func Dial(ctx context.Context, url string, header http.Header, log *zap.SugaredLogger) (*Conn, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("swap: dial %s: HTTP %d: %w", redact(url), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("swap: dial %s: %w", redact(url), err)
	}

	pingCtx, stopPing := context.WithCancel(context.Background())
	c := &Conn{
		ws:       ws,
		log:      log,
		incoming: make(chan []byte, incomingBuffer),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
		stopPing: stopPing,
	}
	go c.readPump(pingCtx)
	return c, nil
}

func (c *Conn) readPump(pingCtx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case eioPing:
			// Servers on newer engine.io versions ping the client.
			if err := c.write([]byte{eioPong}); err != nil {
				c.log.Debugf("[swap] pong: %v", err)
			}
			continue
		case eioPong:
			continue
		case eioOpen:
			var hs handshake
			interval := defaultPingInterval
			if err := json.Unmarshal(data[1:], &hs); err == nil && hs.PingInterval > 0 {
				interval = time.Duration(hs.PingInterval) * time.Millisecond
			}
			c.pingWG.Add(1)
			go c.pingLoop(pingCtx, interval)
		}

		select {
		case c.incoming <- data:
		case <-c.closing:
			return
		}
	}
}

// pingLoop sends the client heartbeat engine.io v3 servers expect.
func (c *Conn) pingLoop(ctx context.Context, interval time.Duration) {
	defer c.pingWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write([]byte{eioPing}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("swap: connection closed: %w", c.readErr)
	default:
	}
	if err := c.write(frame); err != nil {
		return fmt.Errorf("swap: send: %w", err)
	}
	return nil
}

func (c *Conn) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.done:
		select {
		case data := <-c.incoming:
			return data, nil
		default:
		}
		return nil, fmt.Errorf("swap: connection lost: %w", c.readErr)
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the heartbeat and the reader and waits for both to exit.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.stopPing()
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
		<-c.done
		c.pingWG.Wait()
	})
	return err
}

// isTokenExpiredClose reports whether a socket error is the server
// closing the connection over a rejected token.
func isTokenExpiredClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	text := strings.ToLower(ce.Text)
	switch ce.Code {
	case 4001, 4401:
		return true
	case websocket.ClosePolicyViolation:
		return strings.Contains(text, "token") || strings.Contains(text, "auth")
	}
	return false
}

// redact drops the query string, which may carry credentials.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			// Drain until RemoveClient closes send.
			for range c.send {
			}
			return
		}
	}
}

// Broadcaster pushes run snapshots and alerts to connected status clients.
type Broadcaster struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	maxClients int
	snapshot   func() Snapshot
	log        *zap.SugaredLogger
	now        func() time.Time
}

// NewBroadcaster returns a broadcaster that greets every new client with
// snapshot(). maxClients <= 0 means no limit.
func NewBroadcaster(snapshot func() Snapshot, maxClients int, log *zap.SugaredLogger) *Broadcaster {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Broadcaster{
		clients:    make(map[*client]bool),
		maxClients: maxClients,
		snapshot:   snapshot,
		log:        log,
		now:        time.Now,
	}
}

// AddClient registers conn. It returns false, without taking ownership of
// conn, when the client limit is reached.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, bool) {
	c := &client{conn: conn, b: b, send: make(chan []byte, clientBuffer)}
	greeting, err := json.Marshal(Message{Type: MsgSnapshot, Payload: b.snapshot()})

	b.mu.Lock()
	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		b.mu.Unlock()
		return nil, false
	}
	b.clients[c] = true
	if err == nil {
		c.send <- greeting
	}
	b.mu.Unlock()

	go c.writePump()
	return c, true
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// Dispatch publishes an alert to every client. It has the same shape as the
// notification dispatcher so alerts can be fanned out to both.
func (b *Broadcaster) Dispatch(_ context.Context, text string) {
	b.broadcast(Message{Type: MsgAlert, Payload: AlertPayload{At: b.now(), Text: text}})
}

// Run sends a fresh snapshot every interval until ctx is done, then
// disconnects every client.
func (b *Broadcaster) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.broadcast(Message{Type: MsgSnapshot, Payload: b.snapshot()})
		}
	}
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Warnf("[status] marshal %s: %v", msg.Type, err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		slow := false
		b.mu.RLock()
		if b.clients[c] {
			select {
			case c.send <- data:
			default:
				slow = true
			}
		}
		b.mu.RUnlock()
		if slow {
			b.log.Infof("[status] client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

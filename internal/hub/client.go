package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sendie-app/sendie/internal/auth"
)

const (
	wsWriteWait    = 1 * time.Second
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
)

// client is one connected signaling channel. The read loop is the only
// goroutine that mutates sessionID except for kick/eviction, which go through
// the mutex.
type client struct {
	handle   string
	identity auth.Identity
	conn     *websocket.Conn

	// writeMu serializes all writes, control frames included, so outbound
	// delivery to one client is FIFO.
	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(handle string, identity auth.Identity, conn *websocket.Conn) *client {
	return &client{
		handle:   handle,
		identity: identity,
		conn:     conn,
		done:     make(chan struct{}),
	}
}

func (c *client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// clearSessionIf unbinds the client from sessionID only if it is still a
// member, so a kick racing a rejoin cannot detach the new membership.
func (c *client) clearSessionIf(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != sessionID {
		return false
	}
	c.sessionID = ""
	return true
}

func (c *client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) sendResult(id int64, result any) error {
	return c.send(ResultFrame{Type: "result", ID: id, Success: true, Result: result})
}

func (c *client) sendError(id int64, msg string) error {
	return c.send(ResultFrame{Type: "result", ID: id, Success: false, Error: msg})
}

func (c *client) sendEvent(event Event, args any) error {
	return c.send(EventFrame{Type: "event", Event: event, Args: args})
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// pingLoop keeps half-open connections from lingering: the peer must answer
// with pongs (or traffic) before the read deadline lapses.
func (c *client) pingLoop() {
	t := time.NewTicker(wsPingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (c *client) closeWith(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	c.close()
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

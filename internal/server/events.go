package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/supervisor"
)

const (
	wsSendBuffer = 256
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsClient streams hub events to one websocket connection. Events that do
// not fit in the send buffer are dropped for that client only.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	target string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) Consume(ev supervisor.Event) {
	if c.target != "" && ev.Target != c.target {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- b:
	default:
	}
}

func (c *wsClient) close() { c.once.Do(func() { close(c.done) }) }

var _ manager.Consumer = (*wsClient)(nil)

func (r *Router) handleEvents(c *gin.Context) {
	target := c.Query("target")
	if target != "" {
		if _, err := r.mgr.Get(target); err != nil {
			writeError(c, err)
			return
		}
	}
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		target: target,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	if !r.track(client) {
		client.close()
	}
	unsubscribe := r.mgr.Subscribe(client)
	r.logger.Debug("websocket client connected", "client", client.id, "target", target)

	go func() {
		client.readPump()
		client.close()
	}()
	client.writePump()
	unsubscribe()
	r.untrack(client)
	r.logger.Debug("websocket client disconnected", "client", client.id)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump only services control frames; it returns when the peer goes away.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) track(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.clients[c.id] = c
	return true
}

func (r *Router) untrack(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c.id)
	r.mu.Unlock()
}

// Close disconnects every websocket client. http.Server.Shutdown does not
// touch hijacked connections.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	clients := make([]*wsClient, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

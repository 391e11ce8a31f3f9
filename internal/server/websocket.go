// Package server exposes projection sessions over WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zot/projhost/internal/config"
	"github.com/zot/projhost/internal/projection"
	"github.com/zot/projhost/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionFactory builds the session a new connection works with.
type SessionFactory func(connectionID string) (*projection.Session, error)

// connection is one client. Its session and socket writes are only touched
// from its executor.
type connection struct {
	id      string
	conn    *websocket.Conn
	svc     ChanSvc
	handler *protocol.Handler
	ctx     context.Context
	cancel  context.CancelFunc
}

// WebSocketEndpoint handles WebSocket connections. Each connection gets its
// own session and executor.
type WebSocketEndpoint struct {
	config      *config.Config
	newSession  SessionFactory
	connections map[string]*connection
	mu          sync.RWMutex
	wg          sync.WaitGroup
}

// NewWebSocketEndpoint creates a new WebSocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config, factory SessionFactory) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:      cfg,
		newSession:  factory,
		connections: make(map[string]*connection),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...interface{}) {
	ws.config.Log(level, format, args...)
}

// Count returns the number of open connections.
func (ws *WebSocketEndpoint) Count() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.connections)
}

// HandleWebSocket upgrades the request and serves the connection.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.Log(0, "WebSocket upgrade failed: %v", err)
		return
	}

	id := uuid.NewString()
	session, err := ws.newSession(id)
	if err != nil {
		ws.Log(0, "WebSocket %s: cannot create session: %v", id, err)
		conn.WriteJSON(protocol.Response{Error: fmt.Sprintf("cannot create session: %v", err)})
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:      id,
		conn:    conn,
		svc:     make(ChanSvc),
		handler: protocol.NewHandler(ws.config, session),
		ctx:     ctx,
		cancel:  cancel,
	}
	RunSvc(c.svc)

	ws.mu.Lock()
	ws.connections[id] = c
	ws.mu.Unlock()
	ws.Log(1, "WebSocket connected: conn=%s", id)

	ws.wg.Add(1)
	go ws.readPump(c)
}

// readPump reads messages and queues them on the connection's executor.
func (ws *WebSocketEndpoint) readPump(c *connection) {
	defer ws.wg.Done()
	defer ws.onDisconnect(c)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.Log(0, "WebSocket error: %v", err)
			}
			return
		}
		ws.Log(4, "[IN] conn=%s %s", c.id, message)
		Submit(c.svc, func() {
			ws.processMessage(c, message)
		})
	}
}

// processMessage handles one or more messages on the connection's executor.
func (ws *WebSocketEndpoint) processMessage(c *connection, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			ws.Log(0, "PANIC in processMessage: %v", r)
			ws.sendResponse(c, &protocol.Response{Error: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	msgs, err := protocol.ParseMessages(message)
	if err != nil {
		ws.Log(1, "Failed to parse message: %v", err)
		ws.sendResponse(c, &protocol.Response{Error: err.Error()})
		return
	}

	for _, msg := range msgs {
		resp, err := c.handler.HandleMessage(c.ctx, msg)
		if err != nil {
			ws.Log(1, "Failed to handle message: %v", err)
			resp = &protocol.Response{ID: msg.ID, Error: err.Error()}
		}
		if resp != nil {
			ws.sendResponse(c, resp)
		}
	}
}

// sendResponse writes a response. Only the connection's executor calls it.
func (ws *WebSocketEndpoint) sendResponse(c *connection, resp *protocol.Response) error {
	if ws.config.Verbosity() >= 4 {
		if data, err := json.Marshal(resp); err == nil {
			ws.Log(4, "[OUT] conn=%s %s", c.id, data)
		}
	} else {
		ws.Log(2, "[OUT] RESPONSE: to=%s id=%s", c.id, resp.ID)
	}
	return c.conn.WriteJSON(resp)
}

// onDisconnect cancels in-flight work, closes the session on its executor
// and stops the executor.
func (ws *WebSocketEndpoint) onDisconnect(c *connection) {
	ws.mu.Lock()
	delete(ws.connections, c.id)
	ws.mu.Unlock()

	c.cancel()
	SvcSync(c.svc, func() (struct{}, error) {
		err := c.handler.Session().Close()
		return struct{}{}, err
	})
	close(c.svc)
	c.conn.Close()
	ws.Log(1, "WebSocket disconnected: conn=%s", c.id)
}

// CloseAll closes every connection and waits for their sessions to close.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.RLock()
	for _, c := range ws.connections {
		c.conn.Close()
	}
	ws.mu.RUnlock()
	ws.wg.Wait()
}

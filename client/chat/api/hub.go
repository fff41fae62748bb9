package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	commonlog "plan_sync/client/common/log"
)

const (
	hubSendBuffer   = 32
	hubWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubClient) stop() {
	c.once.Do(func() { close(c.send) })
}

// StateHub fans state events out to every connected renderer. Slow clients
// are dropped instead of blocking the broadcaster.
type StateHub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]*hubClient
}

func NewStateHub() *StateHub {
	return &StateHub{conns: map[*websocket.Conn]*hubClient{}}
}

// HandleWS upgrades the request and sends initial before any broadcast.
func (h *StateHub) HandleWS(c *gin.Context, initial StateEvent) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		commonlog.Warnf("event=state_ws action=upgrade status=failed error=%v", err)
		return
	}
	client := &hubClient{conn: conn, send: make(chan []byte, hubSendBuffer)}
	if b, err := json.Marshal(initial); err == nil {
		client.send <- b
	}
	h.join(client)
	defer h.leave(client)
	go client.writeLoop()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *StateHub) Broadcast(eventType string, payload any) {
	b, err := json.Marshal(StateEvent{Type: eventType, Payload: payload})
	if err != nil {
		commonlog.Errorf("event=state_ws action=encode status=failed type=%s error=%v", eventType, err)
		return
	}
	h.mu.RLock()
	var slow []*hubClient
	for _, client := range h.conns {
		select {
		case client.send <- b:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()
	for _, client := range slow {
		commonlog.Warnf("event=state_ws action=broadcast status=dropped_client type=%s", eventType)
		h.leave(client)
	}
}

func (h *StateHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *StateHub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.conns))
	for _, client := range h.conns {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		h.leave(client)
	}
}

func (h *StateHub) join(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[client.conn] = client
}

func (h *StateHub) leave(client *hubClient) {
	h.mu.Lock()
	delete(h.conns, client.conn)
	h.mu.Unlock()
	client.stop()
	_ = client.conn.Close()
}

func (c *hubClient) writeLoop() {
	for b := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

package mockserver

import (
	"encoding/json"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/rescale/rescale-assets/internal/logging"
	"github.com/rescale/rescale-assets/internal/models"
)

// frame mirrors the envelope the stream subscriber decodes.
type frame struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans status updates out to every connected WebSocket client.
type hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

func newHub(logger *logging.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *nethttp.Request) bool { return true },
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

// handle upgrades the request and serves the client until it disconnects.
func (h *hub) handle(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &hubClient{conn: ws, send: make(chan []byte, 64)}
	if !h.add(client) {
		ws.Close()
		return nil
	}
	h.logger.Debug().Str("remote", c.RealIP()).Msg("stream client connected")

	go h.writeLoop(client)
	if ping, err := json.Marshal(frame{Type: "ping", Timestamp: time.Now().UnixMilli()}); err == nil {
		h.enqueue(client, ping)
	}

	// Replies such as pong frames carry nothing the mock needs
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(client)
	h.logger.Debug().Str("remote", c.RealIP()).Msg("stream client disconnected")
	return nil
}

func (h *hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) writeLoop(c *hubClient) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// enqueue drops the message for a client whose buffer is full.
func (h *hub) enqueue(c *hubClient, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn().Msg("stream client too slow, dropping update")
	}
}

// broadcast sends u to every client.
func (h *hub) broadcast(u models.StatusUpdate) {
	msg, err := json.Marshal(frame{Type: "status", Payload: u})
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn().Msg("stream client too slow, dropping update")
		}
	}
}

// dropAll disconnects every client; they are expected to reconnect.
func (h *hub) dropAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.dropAll()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

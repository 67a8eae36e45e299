package directline

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Direct Line is consumed by arbitrary web front ends; origin is not a
	// trust boundary here, the conversation JWT is.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsClient is one subscriber attached to a conversation's stream endpoint.
// It owns a single goroutine (writePump); readPump runs on the request
// goroutine that accepted the upgrade, matching the conventional one
// reader/one writer split.
type wsClient struct {
	conv *Conversation
	conn *websocket.Conn
	send chan []byte

	logger *slog.Logger
}

func newWSClient(conv *Conversation, conn *websocket.Conn, logger *slog.Logger) *wsClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsClient{conv: conv, conn: conn, send: make(chan []byte, wsSendBuffer), logger: logger}
}

// attach registers c with its conversation's subscriber set.
func (c *wsClient) attach() {
	c.conv.subsMu.Lock()
	c.conv.subs[c] = struct{}{}
	c.conv.subsMu.Unlock()
}

func (c *wsClient) detach() {
	c.conv.subsMu.Lock()
	delete(c.conv.subs, c)
	c.conv.subsMu.Unlock()
	close(c.send)
}

// enqueue pushes env to the client's send buffer, dropping the connection's
// slowest-consumer risk by never blocking: a full buffer means the client
// is too slow and the frame is dropped rather than backing up the fan-out.
func (c *wsClient) enqueue(env ActivitiesEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("directline: marshal activities envelope", "err", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("directline: client send buffer full, dropping frame", "conversation", c.conv.ID)
	}
}

// readPump drains and discards inbound WebSocket frames (Direct Line's
// stream endpoint is server-push only) purely to keep the connection's read
// deadline/pong handling alive, then unregisters on disconnect.
func (c *wsClient) readPump() {
	defer func() {
		c.detach()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// broadcast pushes env to every subscriber currently attached to conv.
func broadcast(conv *Conversation, env ActivitiesEnvelope) {
	conv.subsMu.Lock()
	targets := make([]*wsClient, 0, len(conv.subs))
	for c := range conv.subs {
		targets = append(targets, c)
	}
	conv.subsMu.Unlock()

	for _, c := range targets {
		c.enqueue(env)
	}
}

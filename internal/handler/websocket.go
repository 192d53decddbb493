package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vidachat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

var errSendQueueFull = errors.New("send queue full")

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Origin なしはブラウザ以外のクライアント。トークンで認証済み
			if origin == "" {
				return true
			}
			return allowedMap[origin]
		},
	}
}

// wsConn is one client socket. Writes are queued and drained by writePump so
// the hub never blocks on a slow reader.
type wsConn struct {
	id   string
	conn *websocket.Conn
	send chan model.Event

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConn(id string, conn *websocket.Conn, queueSize int) *wsConn {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &wsConn{
		id:   id,
		conn: conn,
		send: make(chan model.Event, queueSize),
		done: make(chan struct{}),
	}
}

// Send queues ev. A full queue closes the connection.
func (c *wsConn) Send(ev model.Event) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}

	select {
	case c.send <- ev:
		return nil
	default:
		log.Printf("[WebSocket] Send queue full for %s, closing", c.id)
		c.Close()
		return errSendQueueFull
	}
}

// Close stops the writer, which closes the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				log.Printf("[WebSocket] Write error for %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userFromRequest(w, r)
	if !ok {
		return
	}

	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	c := newWSConn(uuid.NewString(), conn, h.Config.SendQueueSize)
	if err := h.Hub.Register(c.id, user, c); err != nil {
		log.Printf("[WebSocket] ❌ Failed to register %s: %v", c.id, err)
		conn.Close()
		return
	}
	go c.writePump()

	defer func() {
		h.Hub.Disconnect(c.id)
		c.Close()
		log.Printf("[WebSocket] Client %s (%s) disconnected", c.id, user.ID)
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// ハンドラーが戻るまで接続は生きているが、リクエストのキャンセルは伝播させない
	ctx := context.WithoutCancel(r.Context())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WebSocket] Read error for %s: %v", c.id, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var ev model.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// 壊れたフレームは捨てて接続は維持する
			log.Printf("[WebSocket] ❌ Malformed frame from %s: %v", c.id, err)
			continue
		}
		h.Hub.Handle(ctx, c.id, ev)
	}
}

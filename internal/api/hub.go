package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/trendex/internal/auth"
	"github.com/xtrntr/trendex/internal/events"
	"github.com/xtrntr/trendex/internal/logging"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is enforced by the router
	},
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Hub fans domain events out to websocket clients. Market events reach every
// client; events of a user reach only that user's authenticated sockets.
type Hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	auth    *auth.AuthService
	logger  *zap.SugaredLogger
}

var _ events.Publisher = (*Hub)(nil)

func NewHub(authService *auth.AuthService, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		auth:    authService,
		logger:  logging.OrNop(logger).Named("hub"),
	}
}

// Publish never blocks on a slow client; a client whose buffer is full is dropped
func (h *Hub) Publish(ctx context.Context, evs ...events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		for c := range h.clients {
			if ev.UserID != "" && ev.UserID != c.userID {
				continue
			}
			select {
			case c.send <- data:
			default:
				go h.remove(c)
			}
		}
	}
	return nil
}

// Clients returns the number of connected sockets
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request. A token query parameter subscribes the socket
// to the user's own events.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var userID string
	if token := r.URL.Query().Get("token"); token != "" && h.auth != nil {
		id, err := h.auth.GetUserFromToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		userID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("failed to upgrade connection", "error", err)
		return
	}
	c := &wsClient{conn: conn, userID: userID, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump only watches for disconnects and pongs
func (h *Hub) readPump(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

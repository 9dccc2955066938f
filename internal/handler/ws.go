// Package handler carries the websocket transport and the event
// router: inbound named commands are serialized through the issuing
// user's command queue, outbound named events fan out through the
// connection registry.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pigeon/internal/alarm"
	"pigeon/internal/blob"
	"pigeon/internal/db"
	"pigeon/internal/engine"
	"pigeon/internal/models"
	"pigeon/internal/queue"
	"pigeon/internal/registry"
	"pigeon/internal/session"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMessageSize  = 16384
	MaxConnsPerUser = 8
	sendBuffer      = 256
)

var allowedOrigins []string

func SetAllowedOrigins(origins []string) {
	allowedOrigins = origins
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(allowedOrigins) == 0 || origin == "" {
		return false
	}

	normalized, ok := normalizeHTTPSOrigin(origin)
	if !ok {
		return false
	}
	for _, allowed := range allowedOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), normalized) {
			return true
		}
	}
	return false
}

func normalizeHTTPSOrigin(origin string) (string, bool) {
	originURL, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		return "", false
	}
	if !strings.EqualFold(originURL.Scheme, "https") {
		return "", false
	}
	if (originURL.Path != "" && originURL.Path != "/") || originURL.RawQuery != "" || originURL.Fragment != "" || originURL.User != nil {
		return "", false
	}
	return "https://" + strings.ToLower(originURL.Host), true
}

// Client is one live connection, bound to exactly one authenticated
// identity for its lifetime.
type Client struct {
	ConnID string
	UserID string
	Login  string
	Conn   *websocket.Conn
	Send   chan []byte
	done   chan struct{}
}

// Enqueue implements registry.Sink; it never blocks. The Send channel
// is never closed, so a fan-out racing a disconnect is safe; the done
// channel just stops accepting frames nobody will write.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

type WSHandler struct {
	DB       *db.Database
	Engine   *engine.Engine
	Alarms   *alarm.Scheduler
	Registry *registry.Registry
	Queues   *queue.Manager
	Blobs    blob.Store
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, login := session.FromRequest(r)
	if userID == "" {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	if h.Registry.Count(userID) >= MaxConnsPerUser {
		slog.Warn("Connection limit exceeded", "user_id", userID, "login", login)
		http.Error(w, "Maximum connections exceeded", http.StatusTooManyRequests)
		return
	}

	if err := h.DB.EnsureUser(userID, login); err != nil {
		slog.Error("Failed to upsert user on connect", "user_id", userID, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := &Client{
		ConnID: uuid.New().String(),
		UserID: userID,
		Login:  login,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.Registry.Register(userID, client)

	slog.Info("WebSocket connected", "conn_id", client.ConnID, "user_id", userID, "login", login)

	go h.writePump(client)
	h.readPump(client)
}

func (h *WSHandler) readPump(client *Client) {
	defer func() {
		remaining := h.Registry.Unregister(client.UserID, client)
		if remaining == 0 {
			// Tasks already enqueued still run; only the empty queue
			// worker is torn down. A quick reconnect re-creates it on
			// the next command.
			h.Queues.Release(client.UserID)
		}
		close(client.done)
		client.Conn.Close()
		slog.Info("WebSocket disconnected", "conn_id", client.ConnID, "user_id", client.UserID, "remaining", remaining)
	}()

	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := client.Conn.ReadMessage()
		if err != nil {
			break
		}

		var ev models.Event
		if err := json.Unmarshal(frame, &ev); err != nil || ev.Name == "" {
			slog.Warn("Malformed command frame", "conn_id", client.ConnID, "user_id", client.UserID)
			continue
		}

		h.dispatch(client, ev.Name, ev.Data)
	}
}

func (h *WSHandler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case <-client.done:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}


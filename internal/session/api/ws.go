package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/session"
	"github.com/droidpilot/droidpilot/pkg/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var newline = []byte{'\n'}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; the daemon binds to localhost by default.
		return true
	},
}

// ReplyMessage is the inbound frame clients send to answer
// confirmation and takeover requests.
type ReplyMessage struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// Inbound frame kinds.
const (
	KindConfirmationReply = "confirmation_reply"
	KindTakeoverDone      = "takeover_done"
)

// wsClient pumps session events to one WebSocket peer and routes its
// replies back to the session manager.
type wsClient struct {
	manager *session.Manager
	sub     *session.Subscriber
	conn    *websocket.Conn
	logger  *logger.Logger
}

// StreamEvents upgrades the connection and streams the session's events
// GET /api/v1/sessions/:sessionId/ws
func (h *Handler) StreamEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")

	sub, err := h.sessions.Subscribe(sessionID)
	if err != nil {
		h.respondError(c, err, "failed to subscribe to session")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.sessions.Unsubscribe(sub)
		h.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return
	}

	client := &wsClient{
		manager: h.sessions,
		sub:     sub,
		conn:    conn,
		logger: h.logger.WithFields(
			zap.String("session_id", sessionID),
			zap.String("subscriber_id", sub.ID())),
	}

	h.logger.Info("websocket client connected",
		zap.String("session_id", sessionID),
		zap.String("subscriber_id", sub.ID()))

	go client.writePump()
	go client.readPump()
}

// readPump reads reply frames from the peer and resolves pending
// interaction requests. It owns unsubscription: when the read side
// ends, the subscriber queue is closed and writePump drains out.
func (c *wsClient) readPump() {
	defer func() {
		c.manager.Unsubscribe(c.sub)
		c.conn.Close()
		c.logger.Info("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}

		var msg ReplyMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("malformed websocket message", zap.Error(err))
			continue
		}

		switch msg.Kind {
		case KindConfirmationReply:
			c.manager.Resolve(msg.ID, msg.Approved)
		case KindTakeoverDone:
			c.manager.Resolve(msg.ID, true)
		default:
			c.logger.Warn("unknown websocket message kind", zap.String("kind", msg.Kind))
		}
	}
}

// writePump pushes session events to the peer and keeps the
// connection alive with pings. It exits when the subscriber queue
// closes, either through unsubscription or an overflow drop.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.sub.Events():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Queue closed. Tell a dropped peer why before hanging up.
				if c.sub.Dropped() {
					c.writeEvent(events.NewDisconnectedEvent(c.sub.SessionID(), "", "subscriber queue overflow"))
					c.logger.Warn("dropped slow websocket client")
				}
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			c.writeJSON(w, evt)

			// Coalesce whatever else is already queued into this frame.
			n := len(c.sub.Events())
			for i := 0; i < n; i++ {
				evt, ok := <-c.sub.Events()
				if !ok {
					break
				}
				w.Write(newline)
				c.writeJSON(w, evt)
			}

			if err := w.Close(); err != nil {
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

func (c *wsClient) writeJSON(w io.Writer, evt *events.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		c.logger.Error("failed to marshal event", zap.Error(err))
		return
	}
	w.Write(raw)
}

// writeEvent sends a single event in its own frame.
func (c *wsClient) writeEvent(evt *events.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	c.conn.WriteMessage(websocket.TextMessage, raw)
}

package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the socket requires a token
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MembershipFinder resolves a user's membership in an organization, (nil, nil) when none.
type MembershipFinder interface {
	FindMembership(ctx context.Context, orgID, userID uuid.UUID) (*models.Member, error)
}

// TokenValidator returns the user id carried by a valid token.
type TokenValidator func(token string) (uuid.UUID, error)

// Client is a single receive-only WebSocket connection subscribed to an organization.
type Client struct {
	ID     string
	OrgID  uuid.UUID
	UserID uuid.UUID
	hub    *Hub
	conn   *websocket.Conn
	send   chan WSMessage
	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, orgID, userID uuid.UUID, logger *zap.Logger) *Client {
	return &Client{
		ID:     uuid.New().String(),
		OrgID:  orgID,
		UserID: userID,
		hub:    hub,
		conn:   conn,
		send:   make(chan WSMessage, 256),
		logger: logger,
	}
}

// ServeWs handles GET /ws?organization_id=&token=. Only active members may subscribe.
func ServeWs(hub *Hub, validate TokenValidator, finder MembershipFinder, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		orgIDStr := c.Query("organization_id")
		token := c.Query("token")
		if orgIDStr == "" || token == "" {
			response.BadRequest(c, "organization_id and token required")
			return
		}
		orgID, err := uuid.Parse(orgIDStr)
		if err != nil {
			response.BadRequest(c, "invalid organization_id")
			return
		}
		userID, err := validate(token)
		if err != nil {
			response.Unauthorized(c, "invalid token")
			return
		}
		member, err := finder.FindMembership(c.Request.Context(), orgID, userID)
		if err != nil {
			logger.Error("membership lookup failed", zap.String("organization_id", orgID.String()), zap.Error(err))
			response.Internal(c, "failed to resolve membership")
			return
		}
		if member == nil || member.Status != models.StatusActive {
			response.Forbidden(c, "not a member of this organization")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := newClient(hub, conn, orgID, userID, logger)
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump only services control frames; clients do not send events.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed", zap.String("client_id", c.ID), zap.Error(err))
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

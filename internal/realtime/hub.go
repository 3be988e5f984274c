package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Events published to organization channels.
const (
	EventGameAdded         = "game_added"
	EventGameDrawn         = "game_drawn"
	EventGamesExhausted    = "games_exhausted"
	EventMemberJoined      = "member_joined"
	EventMemberRoleChanged = "member_role_changed"
	EventMemberRemoved     = "member_removed"
	EventCoverReady        = "cover_ready"
)

// controlDisconnect is carried over Redis only; it is never delivered to clients.
const controlDisconnect = "_disconnect"

type disconnectPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// Hub maintains organization_id -> set of connections and broadcasts messages.
// Uses Redis pub/sub for horizontal scaling.
type Hub struct {
	// orgID -> map[clientID]*Client
	orgs     map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per organization
	pending  map[uuid.UUID]bool   // subscription in progress
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishOrgEvent(orgID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to organization channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeOrg(orgID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis arguments may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		orgs:     make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		pending:  make(map[uuid.UUID]bool),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to an organization room. Starts the Redis subscription for the
// organization if it is the first local client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	room := h.orgs[c.OrgID]
	if room == nil {
		room = make(map[string]*Client)
		h.orgs[c.OrgID] = room
	}
	room[c.ID] = c
	subscribe := h.redisSub != nil && h.subs[c.OrgID] == nil && !h.pending[c.OrgID]
	if subscribe {
		h.pending[c.OrgID] = true
	}
	h.mu.Unlock()

	if subscribe {
		h.subscribe(c.OrgID)
	}
	h.logger.Debug("client joined organization", zap.String("client_id", c.ID), zap.String("organization_id", c.OrgID.String()))
}

// subscribe runs outside the lock; the room may have emptied by the time Redis answers.
func (h *Hub) subscribe(orgID uuid.UUID) {
	cancel, err := h.redisSub.SubscribeOrg(orgID, func(event string, payload []byte) {
		h.onRedisEvent(orgID, event, payload)
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, orgID)
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("organization_id", orgID.String()), zap.Error(err))
		return
	}
	if len(h.orgs[orgID]) == 0 {
		cancel()
		return
	}
	h.subs[orgID] = cancel
}

func (h *Hub) onRedisEvent(orgID uuid.UUID, event string, payload []byte) {
	if event != controlDisconnect {
		h.Broadcast(orgID, event, json.RawMessage(payload))
		return
	}
	var p disconnectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Debug("drop malformed disconnect", zap.String("organization_id", orgID.String()), zap.Error(err))
		return
	}
	h.disconnectLocal(orgID, p.UserID)
}

// Unregister removes a client. Cancels the Redis subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
	h.logger.Debug("client left organization", zap.String("client_id", c.ID), zap.String("organization_id", c.OrgID.String()))
}

// Disconnect closes every connection a user holds on an organization, on all instances.
// Events already queued for those connections are flushed before the close frame.
func (h *Hub) Disconnect(orgID, userID uuid.UUID) {
	if h.redis != nil {
		data, _ := json.Marshal(disconnectPayload{UserID: userID})
		err := h.redis.PublishOrgEvent(orgID, controlDisconnect, data)
		if err == nil {
			return
		}
		h.logger.Warn("redis publish disconnect failed, closing locally",
			zap.String("organization_id", orgID.String()), zap.Error(err))
	}
	h.disconnectLocal(orgID, userID)
}

func (h *Hub) disconnectLocal(orgID, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.orgs[orgID] {
		if c.UserID == userID {
			h.removeLocked(c)
			h.logger.Info("client disconnected", zap.String("client_id", c.ID),
				zap.String("organization_id", orgID.String()), zap.String("user_id", userID.String()))
		}
	}
}

// removeLocked drops c from its room and closes its send channel once. h.mu must be held.
func (h *Hub) removeLocked(c *Client) {
	m, ok := h.orgs[c.OrgID]
	if !ok {
		return
	}
	if _, present := m[c.ID]; present {
		delete(m, c.ID)
		close(c.send)
	}
	if len(m) == 0 {
		delete(h.orgs, c.OrgID)
		if cancel, ok := h.subs[c.OrgID]; ok {
			cancel()
			delete(h.subs, c.OrgID)
		}
	}
}

// Broadcast sends a message to all local clients of an organization.
func (h *Hub) Broadcast(orgID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal event failed", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.orgs[orgID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to every instance. With Redis the subscriber callback performs the
// local broadcast, so local clients receive the event exactly once.
func (h *Hub) Publish(orgID uuid.UUID, event string, payload interface{}) {
	if h.redis == nil {
		h.Broadcast(orgID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal event failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.redis.PublishOrgEvent(orgID, event, data); err != nil {
		h.logger.Warn("redis publish failed, broadcasting locally",
			zap.String("organization_id", orgID.String()), zap.String("event", event), zap.Error(err))
		h.Broadcast(orgID, event, json.RawMessage(data))
	}
}

// ClientCount returns the number of local connections for an organization.
func (h *Hub) ClientCount(orgID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.orgs[orgID])
}

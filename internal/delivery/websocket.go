package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"servicedesk-notification/internal/logging"
	"servicedesk-notification/internal/models"
)

const maxConnsPerUser = 10

// WebSocketManager tracks live connections per user so flushed batches can
// be pushed to every open session of each target user.
type WebSocketManager struct {
	mu          sync.Mutex
	connections map[int64]map[*websocket.Conn]bool
	logger      *logging.Logger
}

// NewWebSocketManager constructs an empty connection registry.
func NewWebSocketManager(logger *logging.Logger) *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[int64]map[*websocket.Conn]bool),
		logger:      logger,
	}
}

// AddConnection registers a connection for a user. Users are capped at
// maxConnsPerUser open sessions; connections past the cap are dropped.
func (m *WebSocketManager) AddConnection(userID int64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.connections[userID]; !exists {
		m.connections[userID] = make(map[*websocket.Conn]bool)
	}
	if len(m.connections[userID]) >= maxConnsPerUser {
		m.logger.Warnf("Max connections reached for user %d", userID)
		return false
	}
	m.connections[userID][conn] = true
	m.logger.Infof("Added WebSocket connection for user %d (total: %d)", userID, len(m.connections[userID]))
	return true
}

// RemoveConnection unregisters a connection for a user.
func (m *WebSocketManager) RemoveConnection(userID int64, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conns, exists := m.connections[userID]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.connections, userID)
		}
		m.logger.Infof("Removed WebSocket connection for user %d", userID)
	}
}

// SendToUser writes a message to every open connection of a user.
// Connections that fail the write are evicted. Returns the number of
// connections that received the message.
func (m *WebSocketManager) SendToUser(userID int64, message []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sent := 0
	if conns, exists := m.connections[userID]; exists {
		for conn := range conns {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				m.logger.Errorf("Failed to send WebSocket message to user %d: %v", userID, err)
				delete(conns, conn)
				conn.Close()
				continue
			}
			sent++
		}
		if len(conns) == 0 {
			delete(m.connections, userID)
		}
	}
	return sent
}

// batchPush is the wire shape pushed to browser clients.
type batchPush struct {
	BatchID       string                     `json:"batch_id"`
	BatchKey      string                     `json:"batch_key"`
	GroupKey      string                     `json:"group_key"`
	Notifications []models.NotificationEvent `json:"notifications"`
	DeliveredAt   time.Time                  `json:"delivered_at"`
}

// WebSocketChannel pushes flushed batches to the target users' live sessions.
// Users with no open session simply miss the push; this channel never fails
// a batch for absent recipients.
type WebSocketChannel struct {
	manager *WebSocketManager
	logger  *logging.Logger
}

// NewWebSocketChannel constructs the channel around a connection registry.
func NewWebSocketChannel(manager *WebSocketManager, logger *logging.Logger) *WebSocketChannel {
	return &WebSocketChannel{manager: manager, logger: logger}
}

func (c *WebSocketChannel) Name() string { return models.ChannelWebSocket }

func (c *WebSocketChannel) Send(ctx context.Context, b models.NotificationBatch, cfg models.BatchConfiguration) error {
	msg, err := json.Marshal(batchPush{
		BatchID:       b.ID,
		BatchKey:      b.BatchKey,
		GroupKey:      b.GroupKey,
		Notifications: b.Notifications,
		DeliveredAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	for _, userID := range b.TargetUserIDs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if sent := c.manager.SendToUser(userID, msg); sent == 0 {
			c.logger.Debugf("No open sessions for user %d, batch %s not pushed", userID, b.ID)
		}
	}
	return nil
}

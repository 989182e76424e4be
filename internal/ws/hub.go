package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/events"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this interval (must be < pongWait)
	pingInterval = 30 * time.Second

	sendBuffer = 256
)

// Event types for WebSocket communication
const (
	EventSessionStatus = "session_status"
	EventQRCode        = "qr_code"
	EventNewMessage    = "new_message"
	EventMessageSent   = "message_sent"
)

// Message represents a WebSocket message
type Message struct {
	Event    string      `json:"event"`
	OwnerID  string      `json:"-"`
	TenantID string      `json:"client_id,omitempty"`
	Data     interface{} `json:"data"`
}

// Client represents a connected dashboard
type Client struct {
	ID      string
	OwnerID uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Hub     *Hub
}

func NewClient(hub *Hub, ownerID uuid.UUID, conn *websocket.Conn) *Client {
	return &Client{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		Hub:     hub,
	}
}

// Hub fans session and message events out to the dashboards of the tenant owner
type Hub struct {
	clients      map[*Client]bool
	ownerClients map[uuid.UUID]map[*Client]bool

	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client

	mu  sync.RWMutex
	log *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:      make(map[*Client]bool),
		ownerClients: make(map[uuid.UUID]map[*Client]bool),
		broadcast:    make(chan *Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		log:          log,
	}
}

// Run is the hub's main loop. It returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if _, ok := h.ownerClients[client.OwnerID]; !ok {
				h.ownerClients[client.OwnerID] = make(map[*Client]bool)
			}
			h.ownerClients[client.OwnerID][client] = true
			h.mu.Unlock()
			h.log.Debug("client registered", zap.String("client", client.ID), zap.String("owner", client.OwnerID.String()))

		case client := <-h.unregister:
			h.remove(client)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if owned, ok := h.ownerClients[client.OwnerID]; ok {
		delete(owned, client)
		if len(owned) == 0 {
			delete(h.ownerClients, client.OwnerID)
		}
	}
	close(client.Send)
	h.log.Debug("client unregistered", zap.String("client", client.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.Send)
	}
	h.clients = make(map[*Client]bool)
	h.ownerClients = make(map[uuid.UUID]map[*Client]bool)
}

func (h *Hub) broadcastMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to marshal ws message", zap.Error(err))
		return
	}

	ownerID, err := uuid.Parse(msg.OwnerID)
	if err != nil {
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.ownerClients[ownerID] {
		select {
		case client.Send <- data:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	// Buffer full: drop the client rather than stall the hub.
	for _, c := range slow {
		h.remove(c)
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToOwner sends event to every dashboard of one owner.
// It never blocks; when the hub is saturated the event is dropped.
func (h *Hub) BroadcastToOwner(ownerID, tenantID uuid.UUID, event string, data interface{}) {
	msg := &Message{
		Event:    event,
		OwnerID:  ownerID.String(),
		TenantID: tenantID.String(),
		Data:     data,
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("ws broadcast dropped", zap.String("event", event))
	}
}

// Follow relays bus events to the dashboards until the returned stop is called.
func (h *Hub) Follow(bus *events.Bus) (stop func()) {
	stopSession := bus.Session.Subscribe(func(e events.SessionEvent) {
		if e.QRDataURL != "" {
			h.BroadcastToOwner(e.OwnerID, e.TenantID, EventQRCode, map[string]interface{}{
				"qr_code": e.QRDataURL,
			})
		}
		h.BroadcastToOwner(e.OwnerID, e.TenantID, EventSessionStatus, map[string]interface{}{
			"status":       e.State,
			"phone_number": e.PhoneNumber,
			"reason":       e.Reason,
			"timestamp":    e.At,
		})
	})
	stopMessage := bus.Message.Subscribe(func(e events.MessageEvent) {
		event := EventNewMessage
		if e.Message != nil && e.Message.Direction == domain.DirectionOutbound {
			event = EventMessageSent
		}
		h.BroadcastToOwner(e.OwnerID, e.TenantID, event, e.Message)
	})
	return func() {
		stopSession()
		stopMessage()
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) OwnerClientCount(ownerID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ownerClients[ownerID])
}

// ReadPump reads messages from the WebSocket connection
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Dashboards only listen; whatever they send is discarded.
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				c.Hub.log.Debug("ws read error", zap.Error(err))
			}
			break
		}
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Hub.log.Debug("ws write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is a dashboard operator. Users own tenants.
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	DisplayName  string    `json:"display_name"`
	IsAdmin      bool      `json:"is_admin"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tenant is one managed WhatsApp account.
type Tenant struct {
	ID           uuid.UUID `json:"id"`
	OwnerID      uuid.UUID `json:"owner_id"`
	BusinessName string    `json:"business_name"`
	PhoneNumber  string    `json:"phone_number"`
	APIToken     string    `json:"api_token"`
	SessionID    string    `json:"session_id"`
	WebhookURL   *string   `json:"webhook_url,omitempty"`
	IsConnected  bool      `json:"is_connected"`
	Status       string    `json:"status"`
	Region       string    `json:"region,omitempty"`
	WAJID        *string   `json:"wa_jid,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tenant status constants
const (
	TenantStatusPending  = "pending"
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
)

// HasWebhook reports whether a callback URL is configured.
func (t *Tenant) HasWebhook() bool {
	return t.WebhookURL != nil && *t.WebhookURL != ""
}

// Message is a persisted inbound or outbound WhatsApp message.
type Message struct {
	ID         uuid.UUID              `json:"id"`
	TenantID   uuid.UUID              `json:"tenant_id"`
	ExternalID string                 `json:"message_id"`
	From       string                 `json:"from"`
	To         string                 `json:"to"`
	Body       string                 `json:"body"`
	Type       string                 `json:"type"`
	MediaRef   *string                `json:"media_url,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Direction  string                 `json:"direction"`
	Status     string                 `json:"status"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Message type constants
const (
	MessageTypeText     = "text"
	MessageTypeImage    = "image"
	MessageTypeVideo    = "video"
	MessageTypeAudio    = "audio"
	MessageTypeDocument = "document"
	MessageTypeLocation = "location"
	MessageTypeContact  = "contact"
	MessageTypeUnknown  = "unknown"
)

// Message direction constants
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message status constants
const (
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
	MessageStatusFailed    = "failed"
)

// IsMediaType reports whether t is one of the media kinds that can be sent.
func IsMediaType(t string) bool {
	switch t {
	case MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument:
		return true
	}
	return false
}

// MessageFilter narrows ListMessages. Zero values mean "no filter".
type MessageFilter struct {
	PhoneNumber string
	Direction   string
	StartDate   *time.Time
	EndDate     *time.Time
	Limit       int
	Offset      int
}

// Pagination echoes the window returned by a list query.
type Pagination struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// MessageStats summarises a tenant's traffic.
type MessageStats struct {
	Total       int            `json:"total"`
	Inbound     int            `json:"inbound"`
	Outbound    int            `json:"outbound"`
	Today       int            `json:"today"`
	Daily       []BucketCount  `json:"daily"`
	Weekly      []BucketCount  `json:"weekly"`
	Monthly     []BucketCount  `json:"monthly"`
	TopContacts []ContactCount `json:"top_contacts"`
}

// BucketCount is the number of messages in one time bucket.
type BucketCount struct {
	Bucket   time.Time `json:"bucket"`
	Inbound  int       `json:"inbound"`
	Outbound int       `json:"outbound"`
}

type ContactCount struct {
	PhoneNumber string `json:"phone_number"`
	Count       int    `json:"count"`
}

// DashboardStats aggregates an owner's tenants.
type DashboardStats struct {
	TotalClients     int `json:"total_clients"`
	ConnectedClients int `json:"connected_clients"`
	PendingClients   int `json:"pending_clients"`
	TotalMessages    int `json:"total_messages"`
}

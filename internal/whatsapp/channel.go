package whatsapp

import (
	"context"
	"time"

	"github.com/naperu/wagateway/internal/domain"
)

// ChannelEvents are the lifecycle callbacks a channel reports to its owner.
// A channel may call them from any goroutine.
type ChannelEvents struct {
	OnPairingCode   func(code string)
	OnAuthenticated func()
	OnReady         func()
	OnDisconnected  func(reason string)
	OnMessage       func(msg *InboundMessage)
}

// Channel is one tenant's WhatsApp connection.
type Channel interface {
	// Connect starts connecting. Pairing codes and state changes arrive
	// through ChannelEvents.
	Connect(ctx context.Context) error
	Send(ctx context.Context, to string, content OutboundContent) (*SendResult, error)
	// ProbeConnected asks the live connection whether it is authenticated and
	// online right now.
	ProbeConnected(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
	IsNumberRegistered(ctx context.Context, number string) (bool, error)
	// OwnNumber is the phone number of the paired account.
	OwnNumber(ctx context.Context) (string, error)
	// FindChat returns the address of an existing one-to-one conversation
	// matching the digits, if any.
	FindChat(ctx context.Context, digits string) (string, bool)
	DownloadMedia(ctx context.Context, msg *InboundMessage) ([]byte, error)
	// JID is the paired device identifier, empty before pairing.
	JID() string
	// Close drops the connection without logging out.
	Close()
}

// ChannelFactory builds channels bound to a tenant's persistent credentials.
type ChannelFactory interface {
	NewChannel(ctx context.Context, tenant *domain.Tenant, events ChannelEvents) (Channel, error)
	// Purge deletes the tenant's stored credentials.
	Purge(ctx context.Context, tenant *domain.Tenant) error
}

type SendResult struct {
	ID        string
	Timestamp time.Time
}

// OutboundContent is the payload of a send: exactly one of TextContent,
// ImageContent, DocumentContent, VideoContent or AudioContent.
type OutboundContent interface {
	Kind() string
}

type TextContent struct {
	Body string
}

// Media is a fetched attachment.
type Media struct {
	Data     []byte
	Mimetype string
}

type ImageContent struct {
	Media   Media
	Caption string
}

type DocumentContent struct {
	Media    Media
	Caption  string
	FileName string
}

type VideoContent struct {
	Media   Media
	Caption string
}

type AudioContent struct {
	Media Media
}

func (TextContent) Kind() string     { return domain.MessageTypeText }
func (ImageContent) Kind() string    { return domain.MessageTypeImage }
func (DocumentContent) Kind() string { return domain.MessageTypeDocument }
func (VideoContent) Kind() string    { return domain.MessageTypeVideo }
func (AudioContent) Kind() string    { return domain.MessageTypeAudio }

// Caption returns the text that accompanies the content, if any.
func Caption(c OutboundContent) string {
	switch v := c.(type) {
	case TextContent:
		return v.Body
	case ImageContent:
		return v.Caption
	case DocumentContent:
		return v.Caption
	case VideoContent:
		return v.Caption
	}
	return ""
}

// InboundMessage is a received message normalized by the channel.
type InboundMessage struct {
	ID        string
	Chat      string
	From      string
	PushName  string
	Body      string
	Kind      string // one of the domain message types
	RawType   string // channel type name when Kind is unknown
	HasMedia  bool
	Mimetype  string
	FileName  string
	Latitude  float64
	Longitude float64
	Contact   string
	Timestamp time.Time
	// MediaHandle is the channel's own reference used by DownloadMedia.
	MediaHandle interface{}
}

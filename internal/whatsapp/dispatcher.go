package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/events"
	"go.uber.org/zap"
)

const userServer = "s.whatsapp.net"

// MessageStore persists message records.
type MessageStore interface {
	Create(ctx context.Context, msg *domain.Message) error
}

// MediaRequest describes an attachment to send by URL.
type MediaRequest struct {
	URL      string
	Caption  string
	Kind     string
	FileName string
}

type NumberCheck struct {
	Number     string `json:"number"`
	Registered bool   `json:"registered"`
}

type DispatcherOptions struct {
	Registry *Registry
	Phones   *PhonePlan
	Messages MessageStore
	Media    MediaFetcher
	Notifier Notifier
	Bus      *events.Bus
	Logger   *zap.Logger
}

// Dispatcher sends outbound messages through live sessions.
type Dispatcher struct {
	registry *Registry
	phones   *PhonePlan
	messages MessageStore
	media    MediaFetcher
	notifier Notifier
	bus      *events.Bus
	log      *zap.Logger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		registry: opts.Registry,
		phones:   opts.Phones,
		messages: opts.Messages,
		media:    opts.Media,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		log:      opts.Logger,
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.bus == nil {
		d.bus = events.NewBus(d.log)
	}
	if d.phones == nil {
		d.phones, _ = NewPhonePlan(DefaultPhoneRule)
	}
	return d
}

func (d *Dispatcher) session(tenantID uuid.UUID) (*Session, Channel, error) {
	s, ok := d.registry.Get(tenantID)
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	ch := s.Channel()
	if ch == nil {
		return nil, nil, ErrSessionNotFound
	}
	return s, ch, nil
}

// SendText sends a text message to rawRecipient.
func (d *Dispatcher) SendText(ctx context.Context, tenantID uuid.UUID, rawRecipient, text string) (*domain.Message, error) {
	s, ch, err := d.session(tenantID)
	if err != nil {
		return nil, err
	}
	return d.send(ctx, s, ch, rawRecipient, TextContent{Body: text}, nil)
}

// SendMedia fetches the attachment at req.URL and sends it as req.Kind.
func (d *Dispatcher) SendMedia(ctx context.Context, tenantID uuid.UUID, rawRecipient string, req MediaRequest) (*domain.Message, error) {
	if !domain.IsMediaType(req.Kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaKind, req.Kind)
	}
	s, ch, err := d.session(tenantID)
	if err != nil {
		return nil, err
	}
	if d.media == nil {
		return nil, errors.New("media fetching not configured")
	}

	media, err := d.media.Fetch(ctx, req.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media: %w", err)
	}

	var content OutboundContent
	switch req.Kind {
	case domain.MessageTypeImage:
		content = ImageContent{Media: *media, Caption: req.Caption}
	case domain.MessageTypeVideo:
		content = VideoContent{Media: *media, Caption: req.Caption}
	case domain.MessageTypeAudio:
		content = AudioContent{Media: *media}
	case domain.MessageTypeDocument:
		name := req.FileName
		if name == "" {
			name = fileNameFromURL(req.URL)
		}
		content = DocumentContent{Media: *media, Caption: req.Caption, FileName: name}
	}

	ref := req.URL
	return d.send(ctx, s, ch, rawRecipient, content, &ref)
}

// CheckNumber canonicalizes raw and asks the channel whether it has WhatsApp.
func (d *Dispatcher) CheckNumber(ctx context.Context, tenantID uuid.UUID, raw string) (*NumberCheck, error) {
	s, ch, err := d.session(tenantID)
	if err != nil {
		return nil, err
	}
	number := d.phones.For(s.Region).Canonicalize(raw)
	if number == "" {
		return &NumberCheck{Number: number}, nil
	}
	registered, err := ch.IsNumberRegistered(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("failed to check number: %w", err)
	}
	return &NumberCheck{Number: number, Registered: registered}, nil
}

func (d *Dispatcher) send(ctx context.Context, s *Session, ch Channel, rawRecipient string, content OutboundContent, mediaRef *string) (*domain.Message, error) {
	number := d.phones.For(s.Region).Canonicalize(rawRecipient)
	if number == "" {
		return nil, &SendError{Reason: fmt.Errorf("recipient %q has no digits", rawRecipient)}
	}

	addr := number + "@" + userServer
	if chat, ok := ch.FindChat(ctx, number); ok {
		addr = chat
	}

	res, err := ch.Send(ctx, addr, content)
	if err != nil {
		d.log.Warn("send failed",
			zap.String("tenant", s.TenantID.String()), zap.String("kind", content.Kind()), zap.Error(err))
		return nil, &SendError{Reason: err}
	}

	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := &domain.Message{
		TenantID:   s.TenantID,
		ExternalID: res.ID,
		From:       s.PhoneNumber(),
		To:         number,
		Body:       Caption(content),
		Type:       content.Kind(),
		MediaRef:   mediaRef,
		Timestamp:  ts,
		Direction:  domain.DirectionOutbound,
		Status:     domain.MessageStatusSent,
		Metadata:   map[string]interface{}{"chat": addr},
	}
	switch c := content.(type) {
	case ImageContent:
		msg.Metadata["mimetype"] = c.Media.Mimetype
	case VideoContent:
		msg.Metadata["mimetype"] = c.Media.Mimetype
	case AudioContent:
		msg.Metadata["mimetype"] = c.Media.Mimetype
	case DocumentContent:
		msg.Metadata["mimetype"] = c.Media.Mimetype
		msg.Metadata["fileName"] = c.FileName
	}

	// The message is already out; a failed insert must not turn it into an error.
	if err := d.messages.Create(ctx, msg); err != nil {
		d.log.Error("failed to save outbound message",
			zap.String("tenant", s.TenantID.String()), zap.String("message_id", res.ID), zap.Error(err))
	}

	d.bus.Message.Publish(events.MessageEvent{TenantID: s.TenantID, OwnerID: s.OwnerID, Message: msg})
	if d.notifier != nil {
		d.notifier.Notify(ctx, s.TenantID, "message", map[string]interface{}{"message": msg})
	}

	d.log.Info("message sent",
		zap.String("tenant", s.TenantID.String()), zap.String("to", number), zap.String("kind", content.Kind()))
	return msg, nil
}

const minChatMatch = 7

// matchChat picks the first conversation address whose user part contains, or
// is contained in, digits. Short user parts only match exactly.
func matchChat(chats []string, digits string) (string, bool) {
	if digits == "" {
		return "", false
	}
	for _, chat := range chats {
		user := chat
		if i := strings.IndexByte(chat, '@'); i >= 0 {
			user = chat[:i]
		}
		if user == "" {
			continue
		}
		if user == digits || strings.Contains(user, digits) ||
			(len(user) >= minChatMatch && strings.Contains(digits, user)) {
			return chat, true
		}
	}
	return "", false
}

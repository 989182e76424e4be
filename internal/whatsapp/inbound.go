package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/events"
	"go.uber.org/zap"
)

// MediaStore keeps received attachments.
type MediaStore interface {
	UploadFile(ctx context.Context, tenantID uuid.UUID, folder, filename string, data []byte, contentType string) (string, error)
}

// InboundProcessor turns received messages into persisted records, events and
// webhook notifications.
type InboundProcessor struct {
	messages MessageStore
	media    MediaStore
	notifier Notifier
	bus      *events.Bus
	log      *zap.Logger
}

func NewInboundProcessor(messages MessageStore, media MediaStore, notifier Notifier, bus *events.Bus, log *zap.Logger) *InboundProcessor {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(log)
	}
	return &InboundProcessor{messages: messages, media: media, notifier: notifier, bus: bus, log: log}
}

// Process stores one received message. Media that cannot be fetched is
// logged and the record is kept with a placeholder body.
func (p *InboundProcessor) Process(ctx context.Context, s *Session, in *InboundMessage) (*domain.Message, error) {
	kind := in.Kind
	if kind == "" {
		kind = domain.MessageTypeUnknown
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	msg := &domain.Message{
		TenantID:   s.TenantID,
		ExternalID: in.ID,
		From:       in.From,
		To:         s.PhoneNumber(),
		Body:       in.Body,
		Type:       kind,
		Timestamp:  ts,
		Direction:  domain.DirectionInbound,
		Status:     domain.MessageStatusDelivered,
		Metadata:   p.metadata(in, kind),
	}

	if in.HasMedia {
		ref, size, err := p.storeMedia(ctx, s, in, kind)
		if err != nil {
			p.log.Warn("failed to store inbound media",
				zap.String("tenant", s.TenantID.String()), zap.String("message_id", in.ID), zap.Error(err))
		} else {
			msg.MediaRef = &ref
			msg.Metadata["size"] = size
		}
	}

	if msg.Body == "" {
		msg.Body = placeholder(kind, in.RawType, in.FileName)
	}

	if err := p.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	p.bus.Message.Publish(events.MessageEvent{TenantID: s.TenantID, OwnerID: s.OwnerID, Message: msg})
	if p.notifier != nil {
		p.notifier.Notify(ctx, s.TenantID, "message", map[string]interface{}{"message": msg})
	}
	return msg, nil
}

func (p *InboundProcessor) metadata(in *InboundMessage, kind string) map[string]interface{} {
	md := map[string]interface{}{}
	if in.Chat != "" {
		md["chat"] = in.Chat
	}
	if in.PushName != "" {
		md["pushName"] = in.PushName
	}
	if in.Mimetype != "" {
		md["mimetype"] = in.Mimetype
	}
	if in.FileName != "" {
		md["filename"] = in.FileName
	}
	switch kind {
	case domain.MessageTypeLocation:
		md["latitude"] = in.Latitude
		md["longitude"] = in.Longitude
	case domain.MessageTypeContact:
		md["contact"] = in.Contact
	case domain.MessageTypeUnknown:
		if in.RawType != "" {
			md["rawType"] = in.RawType
		}
	}
	return md
}

func (p *InboundProcessor) storeMedia(ctx context.Context, s *Session, in *InboundMessage, kind string) (string, int, error) {
	if p.media == nil {
		return "", 0, errors.New("storage not configured")
	}
	ch := s.Channel()
	if ch == nil {
		return "", 0, errors.New("session has no channel")
	}

	data, err := ch.DownloadMedia(ctx, in)
	if err != nil {
		return "", 0, fmt.Errorf("download: %w", err)
	}

	folder := "inbound/" + onlyDigits(in.Chat)
	if folder == "inbound/" {
		folder = "inbound/unknown"
	}
	filename := in.ID + extensionFor(kind, in.Mimetype, in.FileName)
	ref, err := p.media.UploadFile(ctx, s.TenantID, folder, filename, data, in.Mimetype)
	if err != nil {
		return "", 0, fmt.Errorf("upload: %w", err)
	}
	return ref, len(data), nil
}

func placeholder(kind, rawType, fileName string) string {
	switch kind {
	case domain.MessageTypeImage:
		return "[Image]"
	case domain.MessageTypeVideo:
		return "[Video]"
	case domain.MessageTypeAudio:
		return "[Audio]"
	case domain.MessageTypeDocument:
		if fileName == "" {
			return "[Document: unnamed]"
		}
		return "[Document: " + fileName + "]"
	case domain.MessageTypeLocation:
		return "[Location]"
	case domain.MessageTypeContact:
		return "[Contact]"
	}
	if rawType == "" {
		rawType = kind
	}
	return "[Message of type: " + rawType + "]"
}

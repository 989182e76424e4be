package whatsapp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/events"
	"go.uber.org/zap"
)

func newInboundFixture(ch *fakeChannel, store *fakeMediaStore) (*InboundProcessor, *Session, *fakeMessages, *fakeNotifier, *events.Bus) {
	messages := &fakeMessages{}
	notifier := &fakeNotifier{}
	bus := events.NewBus(zap.NewNop())
	s := newSession(uuid.New(), uuid.New(), "", "5215550000000")
	s.setChannel(ch)
	return NewInboundProcessor(messages, store, notifier, bus, zap.NewNop()), s, messages, notifier, bus
}

func TestProcessMediaFailureKeepsPlaceholder(t *testing.T) {
	ch := &fakeChannel{mediaErr: errors.New("media expired")}
	p, s, messages, notifier, _ := newInboundFixture(ch, &fakeMediaStore{})

	msg, err := p.Process(context.Background(), s, &InboundMessage{
		ID:       "m1",
		From:     "5215559998888",
		Kind:     domain.MessageTypeImage,
		HasMedia: true,
		Mimetype: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if msg.MediaRef != nil {
		t.Fatalf("media ref = %q, want none", *msg.MediaRef)
	}
	if msg.Body != "[Image]" {
		t.Fatalf("body = %q", msg.Body)
	}
	if len(messages.all()) != 1 {
		t.Fatal("expected one record")
	}
	if n := notifier.events(); len(n) != 1 || n[0].Event != "message" {
		t.Fatalf("notifications = %+v", n)
	}
}

func TestProcessStoresMedia(t *testing.T) {
	ch := &fakeChannel{media: []byte("%PDF")}
	store := &fakeMediaStore{}
	p, s, _, _, _ := newInboundFixture(ch, store)

	msg, err := p.Process(context.Background(), s, &InboundMessage{
		ID:       "m2",
		Chat:     "5215559998888@s.whatsapp.net",
		From:     "5215559998888",
		Kind:     domain.MessageTypeDocument,
		HasMedia: true,
		Mimetype: "application/pdf",
		FileName: "Invoice.PDF",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if msg.MediaRef == nil || !strings.HasSuffix(*msg.MediaRef, "/inbound/5215559998888/m2.pdf") {
		t.Fatalf("media ref = %v", msg.MediaRef)
	}
	if msg.Body != "[Document: Invoice.PDF]" {
		t.Fatalf("body = %q", msg.Body)
	}
	if msg.To != "5215550000000" || msg.Status != domain.MessageStatusDelivered {
		t.Fatalf("message = %+v", msg)
	}
}

func TestProcessPublishesEvent(t *testing.T) {
	p, s, _, _, bus := newInboundFixture(&fakeChannel{}, nil)

	var got []events.MessageEvent
	unsubscribe := bus.Message.Subscribe(func(e events.MessageEvent) { got = append(got, e) })
	defer unsubscribe()

	if _, err := p.Process(context.Background(), s, &InboundMessage{ID: "m3", Body: "hi", Kind: domain.MessageTypeText, Timestamp: time.Unix(1700000000, 0)}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(got) != 1 || got[0].TenantID != s.TenantID || got[0].OwnerID != s.OwnerID {
		t.Fatalf("events = %+v", got)
	}
	if !got[0].Message.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("timestamp = %v", got[0].Message.Timestamp)
	}
}

func TestProcessUnknownKindKeepsRawType(t *testing.T) {
	p, s, _, _, _ := newInboundFixture(&fakeChannel{}, nil)

	msg, err := p.Process(context.Background(), s, &InboundMessage{ID: "m4", Kind: domain.MessageTypeUnknown, RawType: "poll"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if msg.Body != "[Message of type: poll]" || msg.Metadata["rawType"] != "poll" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestPlaceholders(t *testing.T) {
	tests := []struct {
		kind, raw, file string
		want            string
	}{
		{domain.MessageTypeImage, "", "", "[Image]"},
		{domain.MessageTypeVideo, "", "", "[Video]"},
		{domain.MessageTypeAudio, "", "", "[Audio]"},
		{domain.MessageTypeDocument, "", "", "[Document: unnamed]"},
		{domain.MessageTypeDocument, "", "a.pdf", "[Document: a.pdf]"},
		{domain.MessageTypeLocation, "", "", "[Location]"},
		{domain.MessageTypeContact, "", "", "[Contact]"},
		{domain.MessageTypeUnknown, "sticker", "", "[Message of type: sticker]"},
	}
	for _, tt := range tests {
		if got := placeholder(tt.kind, tt.raw, tt.file); got != tt.want {
			t.Errorf("placeholder(%q, %q, %q) = %q, want %q", tt.kind, tt.raw, tt.file, got, tt.want)
		}
	}
}

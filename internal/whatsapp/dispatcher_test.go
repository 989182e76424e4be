package whatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"go.uber.org/zap"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	registry   *Registry
	channel    *fakeChannel
	session    *Session
	messages   *fakeMessages
	notifier   *fakeNotifier
	fetcher    *fakeFetcher
}

func newDispatcherFixture(t *testing.T, live bool) *dispatcherFixture {
	t.Helper()
	fx := &dispatcherFixture{
		registry: NewRegistry(),
		channel:  &fakeChannel{},
		messages: &fakeMessages{},
		notifier: &fakeNotifier{},
		fetcher:  &fakeFetcher{media: &Media{Data: []byte("img"), Mimetype: "image/png"}},
	}
	fx.session = newSession(uuid.New(), uuid.New(), "", "5215550000000")
	if live {
		fx.session.setChannel(fx.channel)
		fx.registry.Put(fx.session.TenantID, fx.session)
	}
	plan, err := NewPhonePlan(DefaultPhoneRule)
	if err != nil {
		t.Fatal(err)
	}
	fx.dispatcher = NewDispatcher(DispatcherOptions{
		Registry: fx.registry,
		Phones:   plan,
		Messages: fx.messages,
		Media:    fx.fetcher,
		Notifier: fx.notifier,
		Logger:   zap.NewNop(),
	})
	return fx
}

func TestSendTextWithoutSession(t *testing.T) {
	fx := newDispatcherFixture(t, false)

	_, err := fx.dispatcher.SendText(context.Background(), fx.session.TenantID, "5551234567", "hola")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	if len(fx.messages.all()) != 0 || len(fx.notifier.events()) != 0 {
		t.Fatal("no record or notification expected")
	}
}

func TestSendTextCanonicalizesRecipient(t *testing.T) {
	fx := newDispatcherFixture(t, true)

	msg, err := fx.dispatcher.SendText(context.Background(), fx.session.TenantID, "555-123-4567", "hola")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	sends := fx.channel.sends()
	if len(sends) != 1 || sends[0].To != "5215551234567@s.whatsapp.net" {
		t.Fatalf("sends = %+v", sends)
	}
	if msg.To != "5215551234567" || msg.Direction != domain.DirectionOutbound || msg.Status != domain.MessageStatusSent {
		t.Fatalf("message = %+v", msg)
	}
	if msg.ExternalID == "" {
		t.Fatal("expected the channel message id")
	}
	if len(fx.messages.all()) != 1 {
		t.Fatal("expected one stored message")
	}
	notes := fx.notifier.events()
	if len(notes) != 1 || notes[0].Event != "message" {
		t.Fatalf("notifications = %+v", notes)
	}
}

func TestSendTextReusesExistingChat(t *testing.T) {
	fx := newDispatcherFixture(t, true)
	fx.channel.chats = []string{"5491100000000@s.whatsapp.net", "5215551234567@s.whatsapp.net"}

	if _, err := fx.dispatcher.SendText(context.Background(), fx.session.TenantID, "5551234567", "hola"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := fx.channel.sends()[0].To; got != "5215551234567@s.whatsapp.net" {
		t.Fatalf("sent to %q", got)
	}
}

func TestSendTextChannelError(t *testing.T) {
	fx := newDispatcherFixture(t, true)
	fx.channel.sendErr = errors.New("not on whatsapp")

	_, err := fx.dispatcher.SendText(context.Background(), fx.session.TenantID, "5551234567", "hola")
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	var sendErr *SendError
	if !errors.As(err, &sendErr) || sendErr.Reason.Error() != "not on whatsapp" {
		t.Fatalf("err = %#v", err)
	}
	if len(fx.messages.all()) != 0 {
		t.Fatal("failed send must not be stored")
	}
}

func TestSendMediaUnsupportedKind(t *testing.T) {
	fx := newDispatcherFixture(t, true)

	_, err := fx.dispatcher.SendMedia(context.Background(), fx.session.TenantID, "5551234567",
		MediaRequest{URL: "https://example.com/a.webp", Kind: "sticker"})
	if !errors.Is(err, ErrUnsupportedMediaKind) {
		t.Fatalf("err = %v, want ErrUnsupportedMediaKind", err)
	}
	if fx.fetcher.calls.Load() != 0 {
		t.Fatal("media fetched before kind was validated")
	}
}

func TestSendMediaDocument(t *testing.T) {
	fx := newDispatcherFixture(t, true)

	msg, err := fx.dispatcher.SendMedia(context.Background(), fx.session.TenantID, "5551234567", MediaRequest{
		URL:     "https://example.com/files/report.pdf?sig=1",
		Caption: "monthly",
		Kind:    domain.MessageTypeDocument,
	})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}

	doc, ok := fx.channel.sends()[0].Content.(DocumentContent)
	if !ok {
		t.Fatalf("content = %T", fx.channel.sends()[0].Content)
	}
	if doc.FileName != "report.pdf" || doc.Caption != "monthly" {
		t.Fatalf("document = %+v", doc)
	}
	if msg.Type != domain.MessageTypeDocument || msg.MediaRef == nil || *msg.MediaRef != "https://example.com/files/report.pdf?sig=1" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestSendMediaFetchError(t *testing.T) {
	fx := newDispatcherFixture(t, true)
	fx.fetcher.err = errors.New("404")

	_, err := fx.dispatcher.SendMedia(context.Background(), fx.session.TenantID, "5551234567",
		MediaRequest{URL: "https://example.com/a.png", Kind: domain.MessageTypeImage})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(fx.channel.sends()) != 0 {
		t.Fatal("nothing should be sent")
	}
}

func TestCheckNumber(t *testing.T) {
	fx := newDispatcherFixture(t, true)
	fx.channel.registered = map[string]bool{"5215551234567": true}

	res, err := fx.dispatcher.CheckNumber(context.Background(), fx.session.TenantID, "(555) 123 4567")
	if err != nil {
		t.Fatalf("CheckNumber: %v", err)
	}
	if res.Number != "5215551234567" || !res.Registered {
		t.Fatalf("result = %+v", res)
	}
}

func TestMatchChat(t *testing.T) {
	chats := []string{"5215551234567@s.whatsapp.net"}
	if _, ok := matchChat(chats, "5215559999999"); ok {
		t.Fatal("unexpected match")
	}
	if got, ok := matchChat(chats, "5551234567"); !ok || got != chats[0] {
		t.Fatalf("got %q, %v", got, ok)
	}
	if _, ok := matchChat(chats, ""); ok {
		t.Fatal("empty digits must not match")
	}
	if _, ok := matchChat([]string{"52@s.whatsapp.net"}, "5215551234567"); ok {
		t.Fatal("short user part must not match by containment")
	}
}

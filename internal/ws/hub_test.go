package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/events"
	"go.uber.org/zap"
)

func receive(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case data := <-c.Send:
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a ws message")
	}
	return nil
}

func TestHubRoutesByOwner(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	owner, other := uuid.New(), uuid.New()
	mine := NewClient(hub, owner, nil)
	theirs := NewClient(hub, other, nil)
	hub.Register(mine)
	hub.Register(theirs)

	tenantID := uuid.New()
	hub.BroadcastToOwner(owner, tenantID, EventSessionStatus, map[string]string{"status": "ready"})

	msg := receive(t, mine)
	if msg["event"] != EventSessionStatus || msg["client_id"] != tenantID.String() {
		t.Fatalf("message = %v", msg)
	}
	select {
	case data := <-theirs.Send:
		t.Fatalf("other owner received %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFollowRelaysBusEvents(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	bus := events.NewBus(zap.NewNop())
	stop := hub.Follow(bus)

	owner, tenantID := uuid.New(), uuid.New()
	client := NewClient(hub, owner, nil)
	hub.Register(client)

	bus.Session.Publish(events.SessionEvent{TenantID: tenantID, OwnerID: owner, State: "awaiting_pairing", QRDataURL: "data:image/png;base64,AA=="})
	if msg := receive(t, client); msg["event"] != EventQRCode {
		t.Fatalf("first message = %v", msg)
	}
	if msg := receive(t, client); msg["event"] != EventSessionStatus {
		t.Fatalf("second message = %v", msg)
	}

	bus.Message.Publish(events.MessageEvent{TenantID: tenantID, OwnerID: owner, Message: &domain.Message{Direction: domain.DirectionOutbound}})
	if msg := receive(t, client); msg["event"] != EventMessageSent {
		t.Fatalf("message event = %v", msg)
	}

	stop()
	if bus.Session.Len() != 0 || bus.Message.Len() != 0 {
		t.Fatal("stop should remove both subscriptions")
	}
}

func TestUnregisterClosesSend(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient(hub, uuid.New(), nil)
	hub.Register(client)
	hub.Unregister(client)

	select {
	case _, ok := <-client.Send:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed")
	}
	if hub.ClientCount() != 0 {
		t.Fatal("client still registered")
	}
}

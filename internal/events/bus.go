// Package events is the in-process publish/subscribe layer between the session
// core and its consumers (dashboard feed, tests).
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"go.uber.org/zap"
)

// SessionEvent reports a lifecycle transition of one tenant session.
type SessionEvent struct {
	TenantID    uuid.UUID
	OwnerID     uuid.UUID
	State       string
	PhoneNumber string
	PairingCode string
	QRDataURL   string
	Reason      string
	At          time.Time
}

// MessageEvent reports a persisted inbound or outbound message.
type MessageEvent struct {
	TenantID uuid.UUID
	OwnerID  uuid.UUID
	Message  *domain.Message
}

// Topic fans a value out to its subscribers. Handlers run synchronously in
// subscription order; a panicking handler is logged and skipped.
type Topic[T any] struct {
	name     string
	log      *zap.Logger
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(T)
	order    []int
}

func NewTopic[T any](name string, log *zap.Logger) *Topic[T] {
	if log == nil {
		log = zap.NewNop()
	}
	return &Topic[T]{
		name:     name,
		log:      log,
		handlers: make(map[int]func(T)),
	}
}

// Subscribe registers h and returns the function that removes it. Calling the
// returned function more than once is a no-op.
func (t *Topic[T]) Subscribe(h func(T)) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = h
	t.order = append(t.order, id)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			delete(t.handlers, id)
			for i, v := range t.order {
				if v == id {
					t.order = append(t.order[:i], t.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	handlers := make([]func(T), 0, len(t.order))
	for _, id := range t.order {
		handlers = append(handlers, t.handlers[id])
	}
	t.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.log.Error("event handler panic", zap.String("topic", t.name), zap.Any("panic", r))
				}
			}()
			h(v)
		}()
	}
}

// Len returns the number of live subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}

// Bus groups the topics the gateway publishes.
type Bus struct {
	Session *Topic[SessionEvent]
	Message *Topic[MessageEvent]
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		Session: NewTopic[SessionEvent]("session", log),
		Message: NewTopic[MessageEvent]("message", log),
	}
}

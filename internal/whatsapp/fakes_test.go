package whatsapp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"go.uber.org/zap"
)

type fakeChannel struct {
	mu        sync.Mutex
	events    ChannelEvents
	sent      []fakeSend
	chats     []string
	own       string
	jid       string
	connected bool

	connectErr  error
	connectGate chan struct{}
	sendErr     error
	logoutErr   error
	probeDelay  time.Duration
	media       []byte
	mediaErr    error
	registered  map[string]bool

	closed   atomic.Int32
	logouts  atomic.Int32
	connects atomic.Int32
}

type fakeSend struct {
	To      string
	Content OutboundContent
}

func (c *fakeChannel) Connect(ctx context.Context) error {
	c.connects.Add(1)
	if c.connectGate != nil {
		<-c.connectGate
	}
	return c.connectErr
}

func (c *fakeChannel) Send(ctx context.Context, to string, content OutboundContent) (*SendResult, error) {
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, fakeSend{To: to, Content: content})
	return &SendResult{ID: "wamid-" + to, Timestamp: time.Unix(1700000000, 0)}, nil
}

func (c *fakeChannel) ProbeConnected(ctx context.Context) (bool, error) {
	if c.probeDelay > 0 {
		select {
		case <-time.After(c.probeDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected, nil
}

func (c *fakeChannel) Logout(ctx context.Context) error {
	c.logouts.Add(1)
	return c.logoutErr
}

func (c *fakeChannel) IsNumberRegistered(ctx context.Context, number string) (bool, error) {
	return c.registered[number], nil
}

func (c *fakeChannel) OwnNumber(ctx context.Context) (string, error) {
	if c.own == "" {
		return "", errors.New("not paired")
	}
	return c.own, nil
}

func (c *fakeChannel) FindChat(ctx context.Context, digits string) (string, bool) {
	return matchChat(c.chats, digits)
}

func (c *fakeChannel) DownloadMedia(ctx context.Context, msg *InboundMessage) ([]byte, error) {
	if c.mediaErr != nil {
		return nil, c.mediaErr
	}
	return c.media, nil
}

func (c *fakeChannel) JID() string { return c.jid }

func (c *fakeChannel) Close() { c.closed.Add(1) }

func (c *fakeChannel) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeChannel) sends() []fakeSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeSend(nil), c.sent...)
}

// fakeFactory hands out channels built by newChannel and remembers them.
type fakeFactory struct {
	mu         sync.Mutex
	created    atomic.Int32
	channels   []*fakeChannel
	newChannel func() *fakeChannel
	err        error
	purged     []uuid.UUID
}

func (f *fakeFactory) NewChannel(ctx context.Context, tenant *domain.Tenant, events ChannelEvents) (Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created.Add(1)
	ch := &fakeChannel{}
	if f.newChannel != nil {
		ch = f.newChannel()
	}
	ch.events = events
	f.mu.Lock()
	f.channels = append(f.channels, ch)
	f.mu.Unlock()
	return ch, nil
}

func (f *fakeFactory) Purge(ctx context.Context, tenant *domain.Tenant) error {
	f.mu.Lock()
	f.purged = append(f.purged, tenant.ID)
	f.mu.Unlock()
	return nil
}

func (f *fakeFactory) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

type connState struct {
	IsConnected bool
	Status      string
}

type fakeTenants struct {
	mu       sync.Mutex
	tenants  map[uuid.UUID]*domain.Tenant
	conn     map[uuid.UUID][]connState
	phones   map[uuid.UUID]string
	cleared  []uuid.UUID
	inactive []*domain.Tenant
}

func newFakeTenants(ts ...*domain.Tenant) *fakeTenants {
	f := &fakeTenants{
		tenants: make(map[uuid.UUID]*domain.Tenant),
		conn:    make(map[uuid.UUID][]connState),
		phones:  make(map[uuid.UUID]string),
	}
	for _, t := range ts {
		f.tenants[t.ID] = t
	}
	return f
}

func (f *fakeTenants) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tenants[id], nil
}

func (f *fakeTenants) GetResumable(ctx context.Context) ([]*domain.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Tenant
	for _, t := range f.tenants {
		if t.Status == domain.TenantStatusActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeTenants) GetInactiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.Tenant, error) {
	return f.inactive, nil
}

func (f *fakeTenants) UpdateConnection(ctx context.Context, id uuid.UUID, isConnected bool, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn[id] = append(f.conn[id], connState{IsConnected: isConnected, Status: status})
	return nil
}

func (f *fakeTenants) UpdatePhone(ctx context.Context, id uuid.UUID, phone, jid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phones[id] = phone
	return nil
}

func (f *fakeTenants) ClearDevice(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

func (f *fakeTenants) lastConn(id uuid.UUID) (connState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states := f.conn[id]
	if len(states) == 0 {
		return connState{}, false
	}
	return states[len(states)-1], true
}

type notification struct {
	TenantID uuid.UUID
	Event    string
	Data     interface{}
}

type fakeNotifier struct {
	mu           sync.Mutex
	notified     []notification
	unsubscribed []uuid.UUID
}

func (n *fakeNotifier) Notify(ctx context.Context, tenantID uuid.UUID, event string, data interface{}) {
	n.mu.Lock()
	n.notified = append(n.notified, notification{TenantID: tenantID, Event: event, Data: data})
	n.mu.Unlock()
}

func (n *fakeNotifier) Unsubscribe(tenantID uuid.UUID) {
	n.mu.Lock()
	n.unsubscribed = append(n.unsubscribed, tenantID)
	n.mu.Unlock()
}

func (n *fakeNotifier) events() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.notified...)
}

type fakeMessages struct {
	mu   sync.Mutex
	msgs []*domain.Message
}

func (m *fakeMessages) Create(ctx context.Context, msg *domain.Message) error {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	return nil
}

func (m *fakeMessages) all() []*domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Message(nil), m.msgs...)
}

type fakeMediaStore struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (s *fakeMediaStore) UploadFile(ctx context.Context, tenantID uuid.UUID, folder, filename string, data []byte, contentType string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := "/api/media/file/" + tenantID.String() + "/" + folder + "/" + filename
	s.uploads = append(s.uploads, ref)
	return ref, nil
}

type fakeFetcher struct {
	calls atomic.Int32
	media *Media
	err   error
}

func (f *fakeFetcher) Fetch(ctx context.Context, ref string) (*Media, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.media, nil
}

func newTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:          uuid.New(),
		OwnerID:     uuid.New(),
		PhoneNumber: "5215550000000",
		SessionID:   uuid.NewString(),
		Status:      domain.TenantStatusPending,
	}
}

type managerFixture struct {
	manager  *Manager
	factory  *fakeFactory
	tenants  *fakeTenants
	notifier *fakeNotifier
	messages *fakeMessages
}

func newManagerFixture(t *testing.T, ts ...*domain.Tenant) *managerFixture {
	t.Helper()
	fx := &managerFixture{
		factory:  &fakeFactory{},
		tenants:  newFakeTenants(ts...),
		notifier: &fakeNotifier{},
		messages: &fakeMessages{},
	}
	log := zap.NewNop()
	fx.manager = NewManager(ManagerOptions{
		Registry:     NewRegistry(),
		Factory:      fx.factory,
		Tenants:      fx.tenants,
		Notifier:     fx.notifier,
		Renderer:     NewPairingRenderer(t.TempDir()),
		Inbound:      NewInboundProcessor(fx.messages, &fakeMediaStore{}, fx.notifier, nil, log),
		ProbeTimeout: 100 * time.Millisecond,
		Logger:       log,
	})
	return fx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

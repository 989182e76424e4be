package whatsapp

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/events"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

const (
	defaultProbeTimeout = 3 * time.Second
	logoutTimeout       = 10 * time.Second
	callbackTimeout     = 15 * time.Second
)

// TenantStore is the slice of the tenant repository the manager needs.
type TenantStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error)
	GetResumable(ctx context.Context) ([]*domain.Tenant, error)
	GetInactiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.Tenant, error)
	UpdateConnection(ctx context.Context, id uuid.UUID, isConnected bool, status string) error
	UpdatePhone(ctx context.Context, id uuid.UUID, phone, jid string) error
	ClearDevice(ctx context.Context, id uuid.UUID) error
}

// Notifier relays tenant events to their webhook.
type Notifier interface {
	Notify(ctx context.Context, tenantID uuid.UUID, event string, data interface{})
	Unsubscribe(tenantID uuid.UUID)
}

// Status is the answer of GetStatus.
type Status struct {
	IsConnected bool   `json:"isConnected"`
	State       string `json:"status"`
}

// PairingArtifact is the cached pairing code and its rendered QR image.
type PairingArtifact struct {
	Code string
	Path string
	PNG  []byte
}

type ManagerOptions struct {
	Registry      *Registry
	Factory       ChannelFactory
	Tenants       TenantStore
	Notifier      Notifier
	Bus           *events.Bus
	Renderer      *PairingRenderer
	Inbound       *InboundProcessor
	ProbeTimeout  time.Duration
	ResumeWorkers int
	Logger        *zap.Logger
}

// Manager drives the lifecycle of every tenant session: initialize, pairing,
// ready, disconnect and restart.
type Manager struct {
	registry      *Registry
	factory       ChannelFactory
	tenants       TenantStore
	notifier      Notifier
	bus           *events.Bus
	renderer      *PairingRenderer
	inbound       *InboundProcessor
	probeTimeout  time.Duration
	resumeWorkers int
	log           *zap.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	m := &Manager{
		registry:      opts.Registry,
		factory:       opts.Factory,
		tenants:       opts.Tenants,
		notifier:      opts.Notifier,
		bus:           opts.Bus,
		renderer:      opts.Renderer,
		inbound:       opts.Inbound,
		probeTimeout:  opts.ProbeTimeout,
		resumeWorkers: opts.ResumeWorkers,
		log:           opts.Logger,
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.bus == nil {
		m.bus = events.NewBus(m.log)
	}
	if m.probeTimeout <= 0 {
		m.probeTimeout = defaultProbeTimeout
	}
	if m.resumeWorkers <= 0 {
		m.resumeWorkers = 1
	}
	return m
}

func (m *Manager) Registry() *Registry {
	return m.registry
}

// Initialize starts a session for the tenant and returns without waiting for
// the connection. Calling it for a tenant that is already live does nothing.
func (m *Manager) Initialize(ctx context.Context, tenantID uuid.UUID, phoneHint string) error {
	if _, ok := m.registry.Get(tenantID); ok {
		return nil
	}

	tenant, err := m.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to get tenant: %w", err)
	}
	if tenant == nil {
		return ErrTenantNotFound
	}
	if phoneHint == "" {
		phoneHint = tenant.PhoneNumber
	}

	session := newSession(tenant.ID, tenant.OwnerID, tenant.Region, phoneHint)
	if !m.registry.Reserve(tenant.ID, session) {
		return nil
	}

	ch, err := m.factory.NewChannel(ctx, tenant, m.callbacks(session, phoneHint))
	if err != nil {
		m.registry.RemoveIf(tenant.ID, session)
		return fmt.Errorf("failed to create channel: %w", err)
	}
	session.setChannel(ch)

	// A Disconnect that ran while the channel was being built found no
	// channel to close.
	if !m.registry.IsCurrent(session) {
		m.log.Info("session disconnected during initialization", zap.String("tenant", tenant.ID.String()))
		ch.Close()
		return nil
	}

	m.log.Info("session initializing", zap.String("tenant", tenant.ID.String()))
	m.publish(session, "", "")

	go m.connect(session, ch)
	return nil
}

func (m *Manager) connect(s *Session, ch Channel) {
	err := ch.Connect(context.Background())
	if err == nil {
		return
	}
	if m.stale(s, "connect_failed") {
		ch.Close()
		return
	}
	m.log.Warn("channel connect failed", zap.String("tenant", s.TenantID.String()), zap.Error(err))
	m.handleDisconnected(s, "connect failed: "+err.Error())
}

func (m *Manager) callbacks(s *Session, phoneHint string) ChannelEvents {
	return ChannelEvents{
		OnPairingCode:   func(code string) { m.handlePairingCode(s, code) },
		OnAuthenticated: func() { m.handleAuthenticated(s) },
		OnReady:         func() { m.handleReady(s, phoneHint) },
		OnDisconnected:  func(reason string) { m.handleDisconnected(s, reason) },
		OnMessage:       func(msg *InboundMessage) { m.handleMessage(s, msg) },
	}
}

func (m *Manager) stale(s *Session, event string) bool {
	if m.registry.IsCurrent(s) {
		return false
	}
	m.log.Debug("dropping event of superseded session",
		zap.String("tenant", s.TenantID.String()), zap.String("event", event))
	return true
}

func (m *Manager) handlePairingCode(s *Session, code string) {
	if m.stale(s, "pairing_code") {
		return
	}

	path, err := m.renderer.Render(s.TenantID, code)
	if err != nil {
		m.log.Warn("failed to render pairing code", zap.String("tenant", s.TenantID.String()), zap.Error(err))
		path = ""
	}
	s.setPairing(code, path)
	s.setState(StateAwaitingPairing)

	dataURL, err := m.renderer.DataURL(code)
	if err != nil {
		m.log.Warn("failed to encode pairing code", zap.Error(err))
	}
	m.publish(s, "", dataURL)
	m.log.Info("pairing code issued", zap.String("tenant", s.TenantID.String()))
}

func (m *Manager) handleAuthenticated(s *Session) {
	if m.stale(s, "authenticated") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if err := m.tenants.UpdateConnection(ctx, s.TenantID, true, domain.TenantStatusActive); err != nil {
		m.log.Error("failed to persist authenticated state", zap.String("tenant", s.TenantID.String()), zap.Error(err))
	}
	s.setState(StateAuthenticated)
	m.publish(s, "", "")

	m.notifier.Notify(ctx, s.TenantID, "status_change", map[string]interface{}{
		"status":      StateAuthenticated,
		"isConnected": true,
		"timestamp":   time.Now().UTC(),
	})
}

func (m *Manager) handleReady(s *Session, phoneHint string) {
	if m.stale(s, "ready") {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	phone := phoneHint
	jid := ""
	if ch := s.Channel(); ch != nil {
		own, err := ch.OwnNumber(ctx)
		if err != nil || own == "" {
			m.log.Warn("could not resolve own number, keeping hint",
				zap.String("tenant", s.TenantID.String()), zap.Error(err))
		} else {
			phone = own
		}
		jid = ch.JID()
	}

	s.setPhoneNumber(phone)
	s.setPairing("", "")
	if err := m.renderer.Remove(s.TenantID); err != nil {
		m.log.Debug("failed to remove pairing artifact", zap.Error(err))
	}

	if err := m.tenants.UpdatePhone(ctx, s.TenantID, phone, jid); err != nil {
		m.log.Error("failed to persist phone number", zap.String("tenant", s.TenantID.String()), zap.Error(err))
	}
	if err := m.tenants.UpdateConnection(ctx, s.TenantID, true, domain.TenantStatusActive); err != nil {
		m.log.Error("failed to persist ready state", zap.String("tenant", s.TenantID.String()), zap.Error(err))
	}

	s.setState(StateReady)
	m.publish(s, "", "")
	m.log.Info("session ready", zap.String("tenant", s.TenantID.String()), zap.String("phone", phone))

	m.notifier.Notify(ctx, s.TenantID, "status_change", map[string]interface{}{
		"status":      StateReady,
		"isConnected": true,
		"phoneNumber": phone,
		"timestamp":   time.Now().UTC(),
	})
}

func (m *Manager) handleDisconnected(s *Session, reason string) {
	if m.stale(s, "disconnected") {
		return
	}
	if !m.registry.RemoveIf(s.TenantID, s) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if err := m.tenants.UpdateConnection(ctx, s.TenantID, false, domain.TenantStatusInactive); err != nil {
		m.log.Error("failed to persist disconnected state", zap.String("tenant", s.TenantID.String()), zap.Error(err))
	}
	// Channels may report from inside their own event loop; close off it.
	if ch := s.Channel(); ch != nil {
		go ch.Close()
	}

	s.setPairing("", "")
	s.setState(StateDisconnected)
	if err := m.renderer.Remove(s.TenantID); err != nil {
		m.log.Debug("failed to remove pairing artifact", zap.Error(err))
	}
	m.publish(s, reason, "")
	m.log.Info("session disconnected", zap.String("tenant", s.TenantID.String()), zap.String("reason", reason))

	m.notifier.Notify(ctx, s.TenantID, "status_change", map[string]interface{}{
		"status":      StateDisconnected,
		"isConnected": false,
		"reason":      reason,
		"timestamp":   time.Now().UTC(),
	})
}

func (m *Manager) handleMessage(s *Session, msg *InboundMessage) {
	if m.stale(s, "message") || m.inbound == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := m.inbound.Process(ctx, s, msg); err != nil {
		m.log.Error("failed to process inbound message",
			zap.String("tenant", s.TenantID.String()), zap.String("message_id", msg.ID), zap.Error(err))
	}
}

func (m *Manager) publish(s *Session, reason, qrDataURL string) {
	code, _ := s.Pairing()
	m.bus.Session.Publish(events.SessionEvent{
		TenantID:    s.TenantID,
		OwnerID:     s.OwnerID,
		State:       s.State(),
		PhoneNumber: s.PhoneNumber(),
		PairingCode: code,
		QRDataURL:   qrDataURL,
		Reason:      reason,
		At:          time.Now(),
	})
}

// GetStatus probes the tenant's live channel. A missing session, a failed
// probe and a probe that outlives the timeout all report not connected.
func (m *Manager) GetStatus(ctx context.Context, tenantID uuid.UUID) Status {
	s, ok := m.registry.Get(tenantID)
	if !ok {
		return Status{IsConnected: false, State: StateAbsent}
	}
	ch := s.Channel()
	if ch == nil {
		return Status{IsConnected: false, State: s.State()}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() {
		connected, err := ch.ProbeConnected(probeCtx)
		if err != nil {
			m.log.Debug("status probe failed", zap.String("tenant", tenantID.String()), zap.Error(err))
		}
		result <- err == nil && connected
	}()

	select {
	case connected := <-result:
		return Status{IsConnected: connected, State: s.State()}
	case <-probeCtx.Done():
		m.log.Debug("status probe timed out", zap.String("tenant", tenantID.String()))
		return Status{IsConnected: false, State: s.State()}
	}
}

// Disconnect logs the tenant out and forgets its session. It succeeds for a
// tenant that is not live.
func (m *Manager) Disconnect(ctx context.Context, tenantID uuid.UUID) error {
	if s, ok := m.registry.Get(tenantID); ok {
		// Removed first so the channel's own logout event is seen as stale.
		m.registry.RemoveIf(tenantID, s)
		if ch := s.Channel(); ch != nil {
			logoutCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
			if err := ch.Logout(logoutCtx); err != nil {
				m.log.Warn("logout failed", zap.String("tenant", tenantID.String()), zap.Error(err))
			}
			cancel()
			ch.Close()
		}
		s.setPairing("", "")
		s.setState(StateDisconnected)
		m.publish(s, "disconnected by request", "")
	}

	if err := m.renderer.Remove(tenantID); err != nil {
		m.log.Debug("failed to remove pairing artifact", zap.Error(err))
	}
	m.notifier.Unsubscribe(tenantID)

	if err := m.tenants.UpdateConnection(ctx, tenantID, false, domain.TenantStatusInactive); err != nil {
		return fmt.Errorf("failed to persist disconnect: %w", err)
	}
	m.log.Info("session disconnected by request", zap.String("tenant", tenantID.String()))
	return nil
}

// Restart disconnects the tenant, ignoring errors, and initializes it again.
func (m *Manager) Restart(ctx context.Context, tenantID uuid.UUID, phoneHint string) error {
	if err := m.Disconnect(ctx, tenantID); err != nil {
		m.log.Warn("disconnect before restart failed", zap.String("tenant", tenantID.String()), zap.Error(err))
	}
	return m.Initialize(ctx, tenantID, phoneHint)
}

// GetPairingArtifact returns the cached pairing code with its PNG, rendering
// the image again when the file is gone.
func (m *Manager) GetPairingArtifact(ctx context.Context, tenantID uuid.UUID) (*PairingArtifact, error) {
	s, ok := m.registry.Get(tenantID)
	if !ok {
		return nil, ErrNotInitialized
	}
	code, path := s.Pairing()
	if code == "" {
		return nil, ErrPairingNotReady
	}

	art := &PairingArtifact{Code: code, Path: path}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			art.PNG = data
			return art, nil
		}
	}

	if path, err := m.renderer.Render(tenantID, code); err == nil {
		if data, err := os.ReadFile(path); err == nil {
			s.cachePairingArtifact(code, path)
			art.Path = path
			art.PNG = data
			return art, nil
		}
	}

	data, err := m.renderer.PNG(code)
	if err != nil {
		return nil, fmt.Errorf("failed to render pairing code: %w", err)
	}
	art.Path = ""
	art.PNG = data
	return art, nil
}

// ResumeSessions initializes every tenant that was live before the last
// shutdown. Credential stores are opened by a bounded worker pool.
func (m *Manager) ResumeSessions(ctx context.Context) error {
	tenants, err := m.tenants.GetResumable(ctx)
	if err != nil {
		return fmt.Errorf("failed to list resumable tenants: %w", err)
	}
	if len(tenants) == 0 {
		return nil
	}

	pool, err := ants.NewPool(m.resumeWorkers)
	if err != nil {
		return fmt.Errorf("failed to create resume pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, t := range tenants {
		t := t
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if err := m.Initialize(ctx, t.ID, t.PhoneNumber); err != nil {
				m.log.Warn("failed to resume session", zap.String("tenant", t.ID.String()), zap.Error(err))
			}
		})
		if err != nil {
			wg.Done()
			m.log.Warn("failed to schedule session resume", zap.String("tenant", t.ID.String()), zap.Error(err))
		}
	}
	wg.Wait()

	m.log.Info("sessions resumed", zap.Int("count", len(tenants)))
	return nil
}

// CleanupStaleSessions purges the stored credentials of tenants that have
// been inactive for longer than maxAge. Live tenants are never touched.
func (m *Manager) CleanupStaleSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	tenants, err := m.tenants.GetInactiveBefore(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tenants: %w", err)
	}

	purged := 0
	for _, t := range tenants {
		if m.IsLive(t.ID) {
			continue
		}
		if err := m.factory.Purge(ctx, t); err != nil {
			m.log.Warn("failed to purge credentials", zap.String("tenant", t.ID.String()), zap.Error(err))
			continue
		}
		if err := m.renderer.Remove(t.ID); err != nil {
			m.log.Debug("failed to remove pairing artifact", zap.Error(err))
		}
		if err := m.tenants.ClearDevice(ctx, t.ID); err != nil {
			m.log.Warn("failed to clear device", zap.String("tenant", t.ID.String()), zap.Error(err))
		}
		purged++
	}

	if purged > 0 {
		m.log.Info("stale sessions purged", zap.Int("count", purged))
	}
	return purged, nil
}

// Forget disconnects the tenant and deletes its stored credentials. It is
// used when the tenant itself is being deleted.
func (m *Manager) Forget(ctx context.Context, tenant *domain.Tenant) error {
	if err := m.Disconnect(ctx, tenant.ID); err != nil {
		m.log.Warn("disconnect before purge failed", zap.String("tenant", tenant.ID.String()), zap.Error(err))
	}
	if err := m.factory.Purge(ctx, tenant); err != nil {
		return fmt.Errorf("failed to purge credentials: %w", err)
	}
	return nil
}

// Shutdown closes every live channel without logging out, so the sessions
// resume on the next start.
func (m *Manager) Shutdown() {
	for _, s := range m.registry.All() {
		m.registry.RemoveIf(s.TenantID, s)
		if ch := s.Channel(); ch != nil {
			ch.Close()
		}
	}
	m.log.Info("all sessions closed")
}

func (m *Manager) IsLive(tenantID uuid.UUID) bool {
	_, ok := m.registry.Get(tenantID)
	return ok
}

func (m *Manager) LiveCount() int {
	return m.registry.Len()
}

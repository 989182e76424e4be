package whatsapp

import (
	"sync"

	"github.com/google/uuid"
)

// Session states
const (
	StateInitializing    = "initializing"
	StateAwaitingPairing = "awaiting_pairing"
	StateAuthenticated   = "authenticated"
	StateReady           = "ready"
	StateDisconnected    = "disconnected"
	StateAbsent          = "absent"
)

// Session is the in-memory handle of one tenant's live channel.
type Session struct {
	TenantID uuid.UUID
	OwnerID  uuid.UUID
	Region   string

	mu                  sync.RWMutex
	channel             Channel
	state               string
	pairingCode         string
	pairingArtifactPath string
	phoneNumber         string
}

func newSession(tenantID, ownerID uuid.UUID, region, phoneHint string) *Session {
	return &Session{
		TenantID:    tenantID,
		OwnerID:     ownerID,
		Region:      region,
		state:       StateInitializing,
		phoneNumber: phoneHint,
	}
}

func (s *Session) Channel() Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channel
}

func (s *Session) setChannel(ch Channel) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

func (s *Session) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) PhoneNumber() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phoneNumber
}

func (s *Session) setPhoneNumber(phone string) {
	s.mu.Lock()
	s.phoneNumber = phone
	s.mu.Unlock()
}

// Pairing returns the cached pairing code and rendered artifact path.
func (s *Session) Pairing() (code, artifactPath string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode, s.pairingArtifactPath
}

func (s *Session) setPairing(code, artifactPath string) {
	s.mu.Lock()
	s.pairingCode = code
	s.pairingArtifactPath = artifactPath
	s.mu.Unlock()
}

// cachePairingArtifact records path unless a newer code replaced code.
func (s *Session) cachePairingArtifact(code, path string) {
	s.mu.Lock()
	if s.pairingCode == code {
		s.pairingArtifactPath = path
	}
	s.mu.Unlock()
}

// Registry maps tenant IDs to their live session. It is the single source of
// truth for "is this tenant live right now".
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

func (r *Registry) Get(tenantID uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[tenantID]
	return s, ok
}

func (r *Registry) Put(tenantID uuid.UUID, s *Session) {
	r.mu.Lock()
	r.sessions[tenantID] = s
	r.mu.Unlock()
}

// Reserve inserts s only if the tenant has no session yet.
func (r *Registry) Reserve(tenantID uuid.UUID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[tenantID]; exists {
		return false
	}
	r.sessions[tenantID] = s
	return true
}

// Remove deletes the tenant's entry. Removing an absent tenant is a no-op.
func (r *Registry) Remove(tenantID uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, tenantID)
	r.mu.Unlock()
}

// RemoveIf deletes the entry only while it still points at s.
func (r *Registry) RemoveIf(tenantID uuid.UUID, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[tenantID]; ok && cur == s {
		delete(r.sessions, tenantID)
		return true
	}
	return false
}

// IsCurrent reports whether s is the tenant's registered session.
func (r *Registry) IsCurrent(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[s.TenantID] == s
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

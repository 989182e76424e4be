package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/naperu/wagateway/internal/domain"
	"github.com/naperu/wagateway/internal/repository"
	"github.com/naperu/wagateway/internal/storage"
	"github.com/naperu/wagateway/internal/webhook"
	"github.com/naperu/wagateway/internal/whatsapp"
	"github.com/naperu/wagateway/pkg/cache"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrForbidden          = errors.New("forbidden")
)

const (
	tokenCacheTTL = 5 * time.Minute
	statsCacheTTL = time.Minute

	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

type Services struct {
	Auth    *AuthService
	Tenant  *TenantService
	Session *SessionService
	Message *MessageService
	Stats   *StatsService
}

func NewServices(repos *repository.Repositories, manager *whatsapp.Manager, dispatcher *whatsapp.Dispatcher, hooks *webhook.Queue, store *storage.Storage, c *cache.Cache, log *zap.Logger) *Services {
	if log == nil {
		log = zap.NewNop()
	}
	return &Services{
		Auth:    &AuthService{repos: repos},
		Tenant:  &TenantService{repos: repos, manager: manager, hooks: hooks, storage: store, cache: c, log: log.Named("tenants")},
		Session: &SessionService{manager: manager, dispatcher: dispatcher},
		Message: &MessageService{repos: repos},
		Stats:   &StatsService{repos: repos, cache: c, log: log.Named("stats")},
	}
}

// AuthService handles authentication
type AuthService struct {
	repos *repository.Repositories
}

type JWTClaims struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	IsAdmin  bool      `json:"is_admin"`
	jwt.RegisteredClaims
}

func (s *AuthService) Login(ctx context.Context, username, password, jwtSecret string) (string, *domain.User, error) {
	user, err := s.repos.User.GetByUsername(ctx, username)
	if err != nil {
		return "", nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil || !user.IsActive {
		return "", nil, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.IssueToken(user, jwtSecret)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// IssueToken signs a 7 day dashboard token for user.
func (s *AuthService) IssueToken(user *domain.User, jwtSecret string) (string, error) {
	claims := &JWTClaims{
		UserID:   user.ID,
		Username: user.Username,
		IsAdmin:  user.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * 7 * time.Hour)), // 7 days
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "wagateway",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

func (s *AuthService) ValidateToken(tokenString, jwtSecret string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

func (s *AuthService) GetUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return s.repos.User.GetByID(ctx, userID)
}

// TenantInput carries the editable tenant fields. Nil pointers are left alone
// on update.
type TenantInput struct {
	BusinessName *string `json:"business_name"`
	PhoneNumber  *string `json:"phone_number"`
	WebhookURL   *string `json:"webhook_url"`
	Region       *string `json:"region"`
}

// TenantService handles tenant records and their api tokens
type TenantService struct {
	repos   *repository.Repositories
	manager *whatsapp.Manager
	hooks   *webhook.Queue
	storage *storage.Storage
	cache   *cache.Cache
	log     *zap.Logger
}

func newAPIToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *TenantService) List(ctx context.Context, claims *JWTClaims) ([]*domain.Tenant, error) {
	if claims.IsAdmin {
		return s.repos.Tenant.GetAll(ctx)
	}
	return s.repos.Tenant.GetByOwnerID(ctx, claims.UserID)
}

// Get loads a tenant the caller is allowed to manage.
func (s *TenantService) Get(ctx context.Context, claims *JWTClaims, id uuid.UUID) (*domain.Tenant, error) {
	tenant, err := s.repos.Tenant.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	if tenant == nil {
		return nil, whatsapp.ErrTenantNotFound
	}
	if !claims.IsAdmin && tenant.OwnerID != claims.UserID {
		return nil, ErrForbidden
	}
	return tenant, nil
}

func (s *TenantService) Create(ctx context.Context, ownerID uuid.UUID, in TenantInput) (*domain.Tenant, error) {
	if in.BusinessName == nil || strings.TrimSpace(*in.BusinessName) == "" {
		return nil, fmt.Errorf("business_name is required")
	}
	tenant := &domain.Tenant{
		OwnerID:      ownerID,
		BusinessName: strings.TrimSpace(*in.BusinessName),
		APIToken:     newAPIToken(),
		SessionID:    uuid.NewString(),
		Status:       domain.TenantStatusPending,
	}
	if in.PhoneNumber != nil {
		tenant.PhoneNumber = strings.TrimSpace(*in.PhoneNumber)
	}
	if in.Region != nil {
		tenant.Region = strings.ToUpper(strings.TrimSpace(*in.Region))
	}
	if in.WebhookURL != nil && *in.WebhookURL != "" {
		url := strings.TrimSpace(*in.WebhookURL)
		tenant.WebhookURL = &url
	}

	if err := s.repos.Tenant.Create(ctx, tenant); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	if tenant.HasWebhook() {
		s.hooks.Subscribe(tenant.ID, *tenant.WebhookURL, tenant.APIToken)
	}
	s.log.Info("tenant created", zap.String("tenant", tenant.ID.String()), zap.String("owner", ownerID.String()))
	return tenant, nil
}

func (s *TenantService) Update(ctx context.Context, tenant *domain.Tenant, in TenantInput) (*domain.Tenant, error) {
	if in.BusinessName != nil && strings.TrimSpace(*in.BusinessName) != "" {
		tenant.BusinessName = strings.TrimSpace(*in.BusinessName)
	}
	if in.PhoneNumber != nil {
		tenant.PhoneNumber = strings.TrimSpace(*in.PhoneNumber)
	}
	if in.Region != nil {
		tenant.Region = strings.ToUpper(strings.TrimSpace(*in.Region))
	}
	if err := s.repos.Tenant.Update(ctx, tenant); err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	if in.WebhookURL != nil {
		if err := s.SetupWebhook(ctx, tenant, *in.WebhookURL); err != nil {
			return nil, err
		}
	}
	s.invalidate(ctx, tenant.APIToken)
	return tenant, nil
}

// Delete stops the tenant's session, drops its credentials and media, then
// removes the record.
func (s *TenantService) Delete(ctx context.Context, tenant *domain.Tenant) error {
	if err := s.manager.Forget(ctx, tenant); err != nil {
		s.log.Warn("failed to purge session", zap.String("tenant", tenant.ID.String()), zap.Error(err))
	}
	if s.storage != nil {
		if err := s.storage.DeleteTenant(ctx, tenant.ID); err != nil {
			s.log.Warn("failed to delete tenant media", zap.String("tenant", tenant.ID.String()), zap.Error(err))
		}
	}
	if err := s.repos.Tenant.Delete(ctx, tenant.ID); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	s.invalidate(ctx, tenant.APIToken)
	s.log.Info("tenant deleted", zap.String("tenant", tenant.ID.String()))
	return nil
}

func (s *TenantService) RegenerateToken(ctx context.Context, tenant *domain.Tenant) (string, error) {
	old := tenant.APIToken
	token := newAPIToken()
	if err := s.repos.Tenant.UpdateAPIToken(ctx, tenant.ID, token); err != nil {
		return "", fmt.Errorf("failed to update api token: %w", err)
	}
	tenant.APIToken = token
	s.invalidate(ctx, old)
	if tenant.HasWebhook() {
		s.hooks.Subscribe(tenant.ID, *tenant.WebhookURL, token)
	}
	return token, nil
}

// SetupWebhook stores the callback URL and points the delivery queue at it.
// An empty URL turns webhooks off.
func (s *TenantService) SetupWebhook(ctx context.Context, tenant *domain.Tenant, url string) error {
	url = strings.TrimSpace(url)
	if err := s.repos.Tenant.UpdateWebhook(ctx, tenant.ID, url); err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	if url == "" {
		tenant.WebhookURL = nil
		s.hooks.Unsubscribe(tenant.ID)
	} else {
		tenant.WebhookURL = &url
		s.hooks.Subscribe(tenant.ID, url, tenant.APIToken)
	}
	s.invalidate(ctx, tenant.APIToken)
	return nil
}

// GetByAPIToken resolves the tenant behind an x-api-token header. Lookups
// go through redis when it is configured.
func (s *TenantService) GetByAPIToken(ctx context.Context, token string) (*domain.Tenant, error) {
	if token == "" {
		return nil, nil
	}
	key := cache.Key("tenant", "token", token)
	if s.cache != nil {
		var cached domain.Tenant
		found, err := s.cache.GetJSON(ctx, key, &cached)
		if err != nil {
			s.log.Debug("token cache read failed", zap.Error(err))
		} else if found {
			return &cached, nil
		}
	}

	tenant, err := s.repos.Tenant.GetByAPIToken(ctx, token)
	if err != nil || tenant == nil {
		return tenant, err
	}
	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, tenant, tokenCacheTTL); err != nil {
			s.log.Debug("token cache write failed", zap.Error(err))
		}
	}
	return tenant, nil
}

func (s *TenantService) invalidate(ctx context.Context, token string) {
	if s.cache == nil || token == "" {
		return
	}
	if err := s.cache.Del(ctx, cache.Key("tenant", "token", token)); err != nil {
		s.log.Debug("token cache invalidation failed", zap.Error(err))
	}
}

// SessionService exposes the session manager and dispatcher to the handlers
type SessionService struct {
	manager    *whatsapp.Manager
	dispatcher *whatsapp.Dispatcher
}

func (s *SessionService) Initialize(ctx context.Context, tenant *domain.Tenant, phoneHint string) error {
	return s.manager.Initialize(ctx, tenant.ID, phoneHint)
}

func (s *SessionService) Disconnect(ctx context.Context, tenant *domain.Tenant) error {
	return s.manager.Disconnect(ctx, tenant.ID)
}

func (s *SessionService) Restart(ctx context.Context, tenant *domain.Tenant, phoneHint string) error {
	return s.manager.Restart(ctx, tenant.ID, phoneHint)
}

func (s *SessionService) Status(ctx context.Context, tenant *domain.Tenant) whatsapp.Status {
	return s.manager.GetStatus(ctx, tenant.ID)
}

func (s *SessionService) PairingArtifact(ctx context.Context, tenant *domain.Tenant) (*whatsapp.PairingArtifact, error) {
	return s.manager.GetPairingArtifact(ctx, tenant.ID)
}

func (s *SessionService) SendText(ctx context.Context, tenant *domain.Tenant, to, text string) (*domain.Message, error) {
	return s.dispatcher.SendText(ctx, tenant.ID, to, text)
}

func (s *SessionService) SendMedia(ctx context.Context, tenant *domain.Tenant, to string, req whatsapp.MediaRequest) (*domain.Message, error) {
	return s.dispatcher.SendMedia(ctx, tenant.ID, to, req)
}

func (s *SessionService) CheckNumber(ctx context.Context, tenant *domain.Tenant, number string) (*whatsapp.NumberCheck, error) {
	return s.dispatcher.CheckNumber(ctx, tenant.ID, number)
}

// MessageService handles message history
type MessageService struct {
	repos *repository.Repositories
}

func (s *MessageService) List(ctx context.Context, tenantID uuid.UUID, filter domain.MessageFilter) ([]*domain.Message, domain.Pagination, error) {
	filter = NormalizeFilter(filter)
	messages, total, err := s.repos.Message.List(ctx, tenantID, filter)
	if err != nil {
		return nil, domain.Pagination{}, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, domain.Pagination{Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// NormalizeFilter applies the paging defaults.
func NormalizeFilter(f domain.MessageFilter) domain.MessageFilter {
	if f.Limit <= 0 {
		f.Limit = defaultMessageLimit
	}
	if f.Limit > maxMessageLimit {
		f.Limit = maxMessageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Direction != domain.DirectionInbound && f.Direction != domain.DirectionOutbound {
		f.Direction = ""
	}
	return f
}

// StatsService computes per-tenant traffic figures and the owner dashboard
type StatsService struct {
	repos *repository.Repositories
	cache *cache.Cache
	log   *zap.Logger
}

func (s *StatsService) Tenant(ctx context.Context, tenantID uuid.UUID) (*domain.MessageStats, error) {
	key := cache.Key("stats", tenantID.String())
	if s.cache != nil {
		var cached domain.MessageStats
		if found, err := s.cache.GetJSON(ctx, key, &cached); err == nil && found {
			return &cached, nil
		}
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	stats := &domain.MessageStats{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats.Total, stats.Inbound, stats.Outbound, stats.Today, err = s.repos.Message.Totals(gctx, tenantID, midnight)
		return err
	})
	g.Go(func() error {
		var err error
		stats.Daily, err = s.repos.Message.Distribution(gctx, tenantID, "day", midnight.AddDate(0, 0, -29))
		return err
	})
	g.Go(func() error {
		var err error
		stats.Weekly, err = s.repos.Message.Distribution(gctx, tenantID, "week", midnight.AddDate(0, 0, -7*12))
		return err
	})
	g.Go(func() error {
		var err error
		stats.Monthly, err = s.repos.Message.Distribution(gctx, tenantID, "month", midnight.AddDate(0, -12, 0))
		return err
	})
	g.Go(func() error {
		var err error
		stats.TopContacts, err = s.repos.Message.TopContacts(gctx, tenantID, midnight.AddDate(0, 0, -29), 10)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, key, stats, statsCacheTTL); err != nil {
			s.log.Debug("stats cache write failed", zap.Error(err))
		}
	}
	return stats, nil
}

func (s *StatsService) Dashboard(ctx context.Context, ownerID uuid.UUID) (*domain.DashboardStats, error) {
	stats := &domain.DashboardStats{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats.TotalClients, stats.ConnectedClients, stats.PendingClients, err = s.repos.Tenant.CountByOwner(gctx, ownerID)
		return err
	})
	g.Go(func() error {
		var err error
		stats.TotalMessages, err = s.repos.Message.CountByOwner(gctx, ownerID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to compute dashboard: %w", err)
	}
	return stats, nil
}

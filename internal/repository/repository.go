package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/naperu/wagateway/internal/domain"
)

type Repositories struct {
	db      *pgxpool.Pool
	User    *UserRepository
	Tenant  *TenantRepository
	Message *MessageRepository
}

func NewRepositories(db *pgxpool.Pool) *Repositories {
	return &Repositories{
		db:      db,
		User:    &UserRepository{db: db},
		Tenant:  &TenantRepository{db: db},
		Message: &MessageRepository{db: db},
	}
}

// UserRepository handles dashboard users
type UserRepository struct {
	db *pgxpool.Pool
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getOne(ctx, `WHERE username = $1 OR email = $1`, username)
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg interface{}) (*domain.User, error) {
	user := &domain.User{}
	var displayName *string
	err := r.db.QueryRow(ctx, `
		SELECT id, username, email, password_hash, display_name, is_admin, is_active, created_at, updated_at
		FROM users `+where, arg).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &displayName,
		&user.IsAdmin, &user.IsActive, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if displayName != nil {
		user.DisplayName = *displayName
	}
	return user, nil
}

// TenantRepository handles tenant records
type TenantRepository struct {
	db *pgxpool.Pool
}

const tenantColumns = `id, owner_id, business_name, phone_number, api_token, session_id, webhook_url,
	is_connected, status, region, wa_jid, created_at, updated_at`

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	var region *string
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.BusinessName, &t.PhoneNumber, &t.APIToken, &t.SessionID, &t.WebhookURL,
		&t.IsConnected, &t.Status, &region, &t.WAJID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if region != nil {
		t.Region = *region
	}
	return t, nil
}

func (r *TenantRepository) Create(ctx context.Context, t *domain.Tenant) error {
	return r.db.QueryRow(ctx, `
		INSERT INTO tenants (owner_id, business_name, phone_number, api_token, session_id, webhook_url, status, region)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`, t.OwnerID, t.BusinessName, t.PhoneNumber, t.APIToken, t.SessionID, t.WebhookURL, t.Status, t.Region).Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt,
	)
}

func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *TenantRepository) GetByAPIToken(ctx context.Context, token string) (*domain.Tenant, error) {
	t, err := scanTenant(r.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE api_token = $1`, token))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (r *TenantRepository) list(ctx context.Context, query string, args ...interface{}) ([]*domain.Tenant, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func (r *TenantRepository) GetByOwnerID(ctx context.Context, ownerID uuid.UUID) ([]*domain.Tenant, error) {
	return r.list(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
}

func (r *TenantRepository) GetAll(ctx context.Context) ([]*domain.Tenant, error) {
	return r.list(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at DESC`)
}

// GetResumable returns tenants that were live or paired before the last shutdown.
func (r *TenantRepository) GetResumable(ctx context.Context) ([]*domain.Tenant, error) {
	return r.list(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE status = 'active' OR is_connected = TRUE OR (wa_jid IS NOT NULL AND wa_jid <> '')
		ORDER BY updated_at DESC
	`)
}

// GetInactiveBefore returns inactive tenants not updated since cutoff.
func (r *TenantRepository) GetInactiveBefore(ctx context.Context, cutoff time.Time) ([]*domain.Tenant, error) {
	return r.list(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		WHERE status = 'inactive' AND is_connected = FALSE AND updated_at < $1
	`, cutoff)
}

func (r *TenantRepository) Update(ctx context.Context, t *domain.Tenant) error {
	return r.db.QueryRow(ctx, `
		UPDATE tenants SET business_name = $1, phone_number = $2, webhook_url = $3, region = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at
	`, t.BusinessName, t.PhoneNumber, t.WebhookURL, t.Region, t.ID).Scan(&t.UpdatedAt)
}

func (r *TenantRepository) UpdateConnection(ctx context.Context, id uuid.UUID, isConnected bool, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tenants SET is_connected = $1, status = $2, updated_at = NOW() WHERE id = $3
	`, isConnected, status, id)
	return err
}

// UpdatePhone stores the number and device JID resolved when a session becomes ready.
func (r *TenantRepository) UpdatePhone(ctx context.Context, id uuid.UUID, phone, jid string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tenants SET phone_number = $1, wa_jid = NULLIF($2, ''), updated_at = NOW() WHERE id = $3
	`, phone, jid, id)
	return err
}

func (r *TenantRepository) UpdateWebhook(ctx context.Context, id uuid.UUID, url string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tenants SET webhook_url = NULLIF($1, ''), updated_at = NOW() WHERE id = $2
	`, url, id)
	return err
}

func (r *TenantRepository) UpdateAPIToken(ctx context.Context, id uuid.UUID, token string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE tenants SET api_token = $1, updated_at = NOW() WHERE id = $2
	`, token, id)
	return err
}

// ClearDevice forgets the paired device after its credentials were purged.
func (r *TenantRepository) ClearDevice(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE tenants SET wa_jid = NULL WHERE id = $1`, id)
	return err
}

func (r *TenantRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return err
}

func (r *TenantRepository) CountByOwner(ctx context.Context, ownerID uuid.UUID) (total, connected, pending int, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_connected),
		       COUNT(*) FILTER (WHERE status = 'pending')
		FROM tenants WHERE owner_id = $1
	`, ownerID).Scan(&total, &connected, &pending)
	return
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/naperu/wagateway/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

func Connect(databaseURL string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	migrations := []string{
		// Dashboard operators
		`CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			username VARCHAR(255) UNIQUE NOT NULL,
			email VARCHAR(255) UNIQUE NOT NULL,
			password_hash VARCHAR(255) NOT NULL,
			display_name VARCHAR(255),
			is_admin BOOLEAN DEFAULT FALSE,
			is_active BOOLEAN DEFAULT TRUE,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,

		// Tenants (one WhatsApp account each)
		`CREATE TABLE IF NOT EXISTS tenants (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			business_name VARCHAR(255) NOT NULL,
			phone_number VARCHAR(50) UNIQUE NOT NULL,
			api_token VARCHAR(64) UNIQUE NOT NULL,
			session_id VARCHAR(64) UNIQUE NOT NULL,
			webhook_url TEXT,
			is_connected BOOLEAN DEFAULT FALSE,
			status VARCHAR(20) DEFAULT 'pending',
			region VARCHAR(16) DEFAULT '',
			wa_jid VARCHAR(255),
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tenants_owner ON tenants(owner_id)`,

		// Messages
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			external_id VARCHAR(255) NOT NULL,
			from_number VARCHAR(255),
			to_number VARCHAR(255),
			body TEXT,
			type VARCHAR(20) DEFAULT 'text',
			media_ref TEXT,
			timestamp TIMESTAMPTZ NOT NULL,
			direction VARCHAR(10) NOT NULL,
			status VARCHAR(20) DEFAULT 'sent',
			metadata JSONB DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(tenant_id, external_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_ts ON messages(tenant_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_from ON messages(tenant_id, from_number)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tenant_to ON messages(tenant_id, to_number)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

func SeedAdmin(ctx context.Context, db *pgxpool.Pool, cfg *config.Config) error {
	var count int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM users WHERE username = $1", cfg.AdminUser).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check admin existence: %w", err)
	}

	if count > 0 {
		return nil // Admin already exists
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = db.Exec(ctx, `
		INSERT INTO users (username, email, password_hash, display_name, is_admin)
		VALUES ($1, $2, $3, 'Administrator', TRUE)
		ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash, is_admin = TRUE
	`, cfg.AdminUser, cfg.AdminEmail, string(hashedPassword))
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}

	return nil
}

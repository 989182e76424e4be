package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/naperu/wagateway/internal/domain"
)

// MessageRepository handles message records
type MessageRepository struct {
	db *pgxpool.Pool
}

func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	meta := []byte("{}")
	if len(msg.Metadata) > 0 {
		if b, err := json.Marshal(msg.Metadata); err == nil {
			meta = b
		}
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO messages (tenant_id, external_id, from_number, to_number, body, type, media_ref, timestamp, direction, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET status = EXCLUDED.status
		RETURNING id, created_at
	`, msg.TenantID, msg.ExternalID, msg.From, msg.To, msg.Body, msg.Type, msg.MediaRef,
		msg.Timestamp, msg.Direction, msg.Status, meta).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (r *MessageRepository) UpdateStatus(ctx context.Context, tenantID uuid.UUID, externalID, status string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE messages SET status = $1 WHERE tenant_id = $2 AND external_id = $3
	`, status, tenantID, externalID)
	return err
}

// List returns a tenant's messages, newest first, plus the unpaginated total.
func (r *MessageRepository) List(ctx context.Context, tenantID uuid.UUID, filter domain.MessageFilter) ([]*domain.Message, int, error) {
	baseQuery := ` FROM messages WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	argNum := 2

	if filter.PhoneNumber != "" {
		baseQuery += fmt.Sprintf(" AND (from_number LIKE $%d OR to_number LIKE $%d)", argNum, argNum)
		args = append(args, "%"+filter.PhoneNumber+"%")
		argNum++
	}
	if filter.Direction != "" {
		baseQuery += fmt.Sprintf(" AND direction = $%d", argNum)
		args = append(args, filter.Direction)
		argNum++
	}
	if filter.StartDate != nil {
		baseQuery += fmt.Sprintf(" AND timestamp >= $%d", argNum)
		args = append(args, *filter.StartDate)
		argNum++
	}
	if filter.EndDate != nil {
		baseQuery += fmt.Sprintf(" AND timestamp <= $%d", argNum)
		args = append(args, *filter.EndDate)
		argNum++
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*)"+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	selectQuery := `SELECT id, tenant_id, external_id, from_number, to_number, body, type, media_ref,
		timestamp, direction, status, metadata, created_at` + baseQuery + " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := r.db.Query(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	messages := make([]*domain.Message, 0)
	for rows.Next() {
		msg := &domain.Message{}
		var from, to, body *string
		var metaJSON []byte
		if err := rows.Scan(
			&msg.ID, &msg.TenantID, &msg.ExternalID, &from, &to, &body, &msg.Type, &msg.MediaRef,
			&msg.Timestamp, &msg.Direction, &msg.Status, &metaJSON, &msg.CreatedAt,
		); err != nil {
			return nil, 0, err
		}
		if from != nil {
			msg.From = *from
		}
		if to != nil {
			msg.To = *to
		}
		if body != nil {
			msg.Body = *body
		}
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &msg.Metadata)
		}
		messages = append(messages, msg)
	}
	return messages, total, rows.Err()
}

func (r *MessageRepository) CountByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages m JOIN tenants t ON t.id = m.tenant_id WHERE t.owner_id = $1
	`, ownerID).Scan(&count)
	return count, err
}

// Totals returns overall, per-direction and since-midnight counts.
func (r *MessageRepository) Totals(ctx context.Context, tenantID uuid.UUID, midnight time.Time) (total, inbound, outbound, today int, err error) {
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE direction = 'inbound'),
		       COUNT(*) FILTER (WHERE direction = 'outbound'),
		       COUNT(*) FILTER (WHERE timestamp >= $2)
		FROM messages WHERE tenant_id = $1
	`, tenantID, midnight).Scan(&total, &inbound, &outbound, &today)
	return
}

// Distribution buckets messages since a point in time. unit is day, week or month.
func (r *MessageRepository) Distribution(ctx context.Context, tenantID uuid.UUID, unit string, since time.Time) ([]domain.BucketCount, error) {
	switch unit {
	case "day", "week", "month":
	default:
		return nil, fmt.Errorf("invalid bucket unit: %s", unit)
	}

	rows, err := r.db.Query(ctx, `
		SELECT date_trunc($2, timestamp) AS bucket,
		       COUNT(*) FILTER (WHERE direction = 'inbound'),
		       COUNT(*) FILTER (WHERE direction = 'outbound')
		FROM messages
		WHERE tenant_id = $1 AND timestamp >= $3
		GROUP BY bucket ORDER BY bucket
	`, tenantID, unit, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make([]domain.BucketCount, 0)
	for rows.Next() {
		var b domain.BucketCount
		if err := rows.Scan(&b.Bucket, &b.Inbound, &b.Outbound); err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

// TopContacts ranks the counterpart numbers a tenant exchanged most messages with.
func (r *MessageRepository) TopContacts(ctx context.Context, tenantID uuid.UUID, since time.Time, limit int) ([]domain.ContactCount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT CASE WHEN direction = 'inbound' THEN from_number ELSE to_number END AS contact, COUNT(*) AS n
		FROM messages
		WHERE tenant_id = $1 AND timestamp >= $2
		GROUP BY contact ORDER BY n DESC LIMIT $3
	`, tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := make([]domain.ContactCount, 0)
	for rows.Next() {
		var c domain.ContactCount
		var phone *string
		if err := rows.Scan(&phone, &c.Count); err != nil {
			return nil, err
		}
		if phone != nil {
			c.PhoneNumber = *phone
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasapahq/kasapa/internal/models"
)

// AuditStore appends state-transition records. Entries are never updated or
// deleted.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) Append(ctx context.Context, entry models.AuditEntry) error {
	oldValue, err := jsonOrNull(entry.OldValue)
	if err != nil {
		return err
	}
	newValue, err := jsonOrNull(entry.NewValue)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, user_id, action, entity_type, entity_id, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), entry.UserID, entry.Action, entry.EntityType, entry.EntityID, oldValue, newValue)
	return err
}

package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	AuditActionReservationExpired = "RESERVATION_EXPIRED"
	AuditActionPaymentFailed      = "PAYMENT_FAILED"
)

// AuditEntry is an append-only record of a state transition. OldValue and
// NewValue are JSON snapshots of the entity either side of the change.
type AuditEntry struct {
	ID         uuid.UUID      `json:"id"`
	UserID     *uuid.UUID     `json:"user_id,omitempty"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	OldValue   map[string]any `json:"old_value,omitempty"`
	NewValue   map[string]any `json:"new_value,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

package models

import "github.com/google/uuid"

// DeliveryCity is a zone that supports door delivery at a flat fee.
type DeliveryCity struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	DoorFeeCents int64     `json:"door_fee_cents"`
	IsActive     bool      `json:"is_active"`
}

// PickupLocation is a collection point inside a delivery city. Pickup orders
// carry no shipping fee.
type PickupLocation struct {
	ID       uuid.UUID `json:"id"`
	CityID   uuid.UUID `json:"city_id"`
	Name     string    `json:"name"`
	IsActive bool      `json:"is_active"`
}

const (
	DeliveryMethodPickup = "pickup"
	DeliveryMethodDoor   = "door"
)

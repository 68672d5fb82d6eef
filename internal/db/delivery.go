package db

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasapahq/kasapa/internal/models"
)

type DeliveryStore struct {
	pool *pgxpool.Pool
}

func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

// FindActiveCityByName matches delivery cities case-insensitively. Returns
// pgx.ErrNoRows when the city is unknown or deactivated.
func (s *DeliveryStore) FindActiveCityByName(ctx context.Context, name string) (*models.DeliveryCity, error) {
	city := &models.DeliveryCity{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, door_fee_cents, is_active
		FROM delivery_cities
		WHERE LOWER(name) = LOWER($1) AND is_active
	`, strings.TrimSpace(name)).Scan(&city.ID, &city.Name, &city.DoorFeeCents, &city.IsActive)
	if err != nil {
		return nil, err
	}
	return city, nil
}

// FindActivePickup validates a pickup selection: both the city and the named
// location within it must exist and be active.
func (s *DeliveryStore) FindActivePickup(ctx context.Context, cityName, locationName string) (*models.PickupLocation, error) {
	location := &models.PickupLocation{}
	err := s.pool.QueryRow(ctx, `
		SELECT pl.id, pl.city_id, pl.name, pl.is_active
		FROM pickup_locations pl
		JOIN delivery_cities dc ON dc.id = pl.city_id
		WHERE LOWER(dc.name) = LOWER($1) AND dc.is_active
		  AND LOWER(pl.name) = LOWER($2) AND pl.is_active
	`, strings.TrimSpace(cityName), strings.TrimSpace(locationName)).
		Scan(&location.ID, &location.CityID, &location.Name, &location.IsActive)
	if err != nil {
		return nil, err
	}
	return location, nil
}

// UpsertCity provisions a delivery city from the zone seed file, keyed on the
// lowercased name.
func (s *DeliveryStore) UpsertCity(ctx context.Context, name string, doorFeeCents int64, isActive bool) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO delivery_cities (id, name, door_fee_cents, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ((LOWER(name))) DO UPDATE
			SET door_fee_cents = EXCLUDED.door_fee_cents, is_active = EXCLUDED.is_active
		RETURNING id
	`, uuid.New(), strings.TrimSpace(name), doorFeeCents, isActive).Scan(&id)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (s *DeliveryStore) UpsertPickupLocation(ctx context.Context, cityID uuid.UUID, name string, isActive bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pickup_locations (id, city_id, name, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (city_id, (LOWER(name))) DO UPDATE SET is_active = EXCLUDED.is_active
	`, uuid.New(), cityID, strings.TrimSpace(name), isActive)
	return err
}

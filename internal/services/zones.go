package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kasapahq/kasapa/internal/logging"
)

type zoneStore interface {
	UpsertCity(ctx context.Context, name string, doorFeeCents int64, isActive bool) (uuid.UUID, error)
	UpsertPickupLocation(ctx context.Context, cityID uuid.UUID, name string, isActive bool) error
}

// ZoneFile is the on-disk shape of the delivery-zone seed file.
type ZoneFile struct {
	Cities []ZoneCity `yaml:"cities" validate:"required,min=1,dive"`
}

type ZoneCity struct {
	Name            string   `yaml:"name" validate:"required"`
	DoorFeeCents    int64    `yaml:"door_fee_cents" validate:"gte=0"`
	Active          *bool    `yaml:"active"`
	PickupLocations []string `yaml:"pickup_locations" validate:"dive,required"`
}

// ZoneSeeder provisions delivery cities and pickup locations from a YAML file
// at startup. Seeding is an upsert keyed on the lowercased name, so edits to
// the file take effect on the next restart without duplicating rows.
type ZoneSeeder struct {
	store    zoneStore
	validate *validator.Validate
	logger   *slog.Logger
}

func NewZoneSeeder(store zoneStore, logger *slog.Logger) *ZoneSeeder {
	return &ZoneSeeder{
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// SeedFromFile loads, validates, and upserts the zone file. A missing path is
// not an error; operators that manage zones directly in the database simply
// leave the variable unset.
func (s *ZoneSeeder) SeedFromFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	logger := logging.FromContext(ctx, s.logger)

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read zone file %s: %w", path, err)
	}

	var file ZoneFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse zone file %s: %w", path, err)
	}
	if err := s.validate.Struct(file); err != nil {
		return fmt.Errorf("invalid zone file %s: %w", path, err)
	}

	cities, locations := 0, 0
	for _, city := range file.Cities {
		active := true
		if city.Active != nil {
			active = *city.Active
		}

		cityID, err := s.store.UpsertCity(ctx, city.Name, city.DoorFeeCents, active)
		if err != nil {
			return fmt.Errorf("failed to seed city %q: %w", city.Name, err)
		}
		cities++

		for _, location := range city.PickupLocations {
			if err := s.store.UpsertPickupLocation(ctx, cityID, location, active); err != nil {
				return fmt.Errorf("failed to seed pickup location %q in %q: %w", location, city.Name, err)
			}
			locations++
		}
	}

	logger.Info("delivery zones seeded", "file", path, "cities", cities, "pickup_locations", locations)
	return nil
}

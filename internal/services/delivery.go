package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kasapahq/kasapa/internal/cache"
	"github.com/kasapahq/kasapa/internal/logging"
	"github.com/kasapahq/kasapa/internal/models"
)

// ErrInvalidPickupSelection is returned when the metadata names a pickup
// city/location pair that does not exist or was deactivated between cart time
// and payment time.
var ErrInvalidPickupSelection = errors.New("Invalid pickup selection")

const doorFeeCacheTTL = 5 * time.Minute

type deliveryStore interface {
	FindActiveCityByName(ctx context.Context, name string) (*models.DeliveryCity, error)
	FindActivePickup(ctx context.Context, cityName, locationName string) (*models.PickupLocation, error)
}

// DeliveryService resolves door-delivery fees and validates pickup selections.
type DeliveryService struct {
	store               deliveryStore
	cache               cache.Provider
	defaultDoorFeeCents int64
	logger              *slog.Logger
}

func NewDeliveryService(store deliveryStore, cacheProvider cache.Provider, defaultDoorFeeCents int64, logger *slog.Logger) *DeliveryService {
	return &DeliveryService{
		store:               store,
		cache:               cacheProvider,
		defaultDoorFeeCents: defaultDoorFeeCents,
		logger:              logger,
	}
}

// DoorFeeCents returns the active city's door fee, matched case-insensitively.
// Unknown or deactivated cities fall back to the configured default fee.
func (s *DeliveryService) DoorFeeCents(ctx context.Context, city string) (int64, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return s.defaultDoorFeeCents, nil
	}

	cacheKey := cache.DoorFeeKey(strings.ToLower(city))
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey); err == nil {
			if fee, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil {
				return fee, nil
			}
		}
	}

	match, err := s.store.FindActiveCityByName(ctx, city)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.defaultDoorFeeCents, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up delivery city: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, strconv.FormatInt(match.DoorFeeCents, 10), doorFeeCacheTTL); err != nil {
			logging.FromContext(ctx, s.logger).Warn("failed to cache door fee", "city", city, "error", err)
		}
	}

	return match.DoorFeeCents, nil
}

// ValidatePickup checks that the named city and pickup location both exist
// and are active.
func (s *DeliveryService) ValidatePickup(ctx context.Context, city, location string) error {
	if strings.TrimSpace(city) == "" || strings.TrimSpace(location) == "" {
		return ErrInvalidPickupSelection
	}

	_, err := s.store.FindActivePickup(ctx, city, location)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidPickupSelection
	}
	if err != nil {
		return fmt.Errorf("failed to validate pickup selection: %w", err)
	}
	return nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"

	"github.com/kasapahq/kasapa/internal/db"
	"github.com/kasapahq/kasapa/internal/logging"
	"github.com/kasapahq/kasapa/internal/observability"
)

// releaseReason is recorded on the payment row and the audit entry for every
// reaped order.
const releaseReason = "Reservation expired"

type reaperOrderStore interface {
	FindExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	ReleaseReservation(ctx context.Context, orderID uuid.UUID, reason string) (*db.ReleaseOutcome, error)
}

// ReaperService cancels stale unpaid orders and returns their reserved stock.
// It is invoked by the scheduled cron endpoint.
type ReaperService struct {
	orders    reaperOrderStore
	logger    *slog.Logger
	window    time.Duration
	batchSize int
}

func NewReaperService(orders reaperOrderStore, window time.Duration, batchSize int, logger *slog.Logger) *ReaperService {
	return &ReaperService{
		orders:    orders,
		logger:    logger,
		window:    window,
		batchSize: batchSize,
	}
}

// ReaperResult summarizes one sweep.
type ReaperResult struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
}

// ReleaseExpiredReservations finds pending unpaid orders older than the
// reservation window and releases each in its own transaction. One failed
// order never aborts the sweep; orders that a concurrent verification already
// paid are skipped.
func (s *ReaperService) ReleaseExpiredReservations(ctx context.Context) (ReaperResult, error) {
	span := sentry.StartSpan(
		ctx,
		"service.reaper.release_expired",
		sentry.WithOpName("service.reaper"),
		sentry.WithDescription("ReleaseExpiredReservations"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := logging.FromContext(ctx, s.logger)
	meter := observability.MeterFromContext(ctx)
	meter.Count("reaper.sweep.started", 1)

	cutoff := time.Now().UTC().Add(-s.window)
	ids, err := s.orders.FindExpiredReservations(ctx, cutoff, s.batchSize)
	if err != nil {
		meter.Count("reaper.sweep.failed", 1)
		return ReaperResult{}, fmt.Errorf("failed to find expired reservations: %w", err)
	}

	result := ReaperResult{Scanned: len(ids)}
	for _, orderID := range ids {
		outcome, err := s.orders.ReleaseReservation(ctx, orderID, releaseReason)
		if errors.Is(err, db.ErrReservationNotReleasable) {
			// Paid or canceled between the scan and the row lock.
			continue
		}
		if err != nil {
			logger.Error("failed to release reservation", "order_id", orderID, "error", err)
			meter.Count("reaper.release.failed", 1, sentry.WithAttributes(
				attribute.String("order_id", orderID.String()),
			))
			continue
		}

		result.Released++
		logger.Info("released expired reservation",
			"order_id", outcome.OrderID,
			"units_restocked", outcome.UnitsRestocked,
		)
	}

	meter.Count("reaper.orders.released", int64(result.Released))
	logger.Info("reservation sweep complete",
		"cutoff", cutoff,
		"scanned", result.Scanned,
		"released", result.Released,
	)
	return result, nil
}

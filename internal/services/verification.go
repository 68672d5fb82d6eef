package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/getsentry/sentry-go/attribute"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kasapahq/kasapa/internal/db"
	"github.com/kasapahq/kasapa/internal/gateway"
	"github.com/kasapahq/kasapa/internal/logging"
	"github.com/kasapahq/kasapa/internal/models"
	"github.com/kasapahq/kasapa/internal/observability"
)

// ErrMissingReference is returned when verify is called without a reference.
var ErrMissingReference = errors.New("transaction reference is required")

type verificationOrderStore interface {
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	CreateFromVerification(ctx context.Context, params db.CreateOrderGraphParams) (*models.Order, error)
}

type verificationUserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	EnsureGuest(ctx context.Context, email, name string) (*models.User, error)
	GetAddress(ctx context.Context, id uuid.UUID) (*models.Address, error)
}

type auditAppender interface {
	Append(ctx context.Context, entry models.AuditEntry) error
}

type deliveryResolver interface {
	DoorFeeCents(ctx context.Context, city string) (int64, error)
	ValidatePickup(ctx context.Context, city, location string) error
}

// VerificationService verifies a gateway transaction and materializes the
// order graph exactly once per reference.
type VerificationService struct {
	gateway  gateway.TransactionVerifier
	orders   verificationOrderStore
	users    verificationUserStore
	delivery deliveryResolver
	audit    auditAppender
	logger   *slog.Logger
}

func NewVerificationService(gw gateway.TransactionVerifier, orders verificationOrderStore, users verificationUserStore, delivery deliveryResolver, audit auditAppender, logger *slog.Logger) *VerificationService {
	return &VerificationService{
		gateway:  gw,
		orders:   orders,
		users:    users,
		delivery: delivery,
		audit:    audit,
		logger:   logger,
	}
}

func (s *VerificationService) loggerFromContext(ctx context.Context) *slog.Logger {
	return logging.FromContext(ctx, s.logger)
}

// VerifiedOrder pairs the raw gateway transaction with the materialized order.
type VerifiedOrder struct {
	Transaction      *gateway.Transaction
	Order            *models.Order
	AlreadyProcessed bool
}

// Verify confirms the transaction with the gateway and creates the order
// graph inside one transaction. Calling it again with the same reference
// returns the existing order unchanged, so client retries and duplicate
// webhook deliveries are safe.
func (s *VerificationService) Verify(ctx context.Context, reference string) (*VerifiedOrder, error) {
	span := sentry.StartSpan(
		ctx,
		"service.payment.verify",
		sentry.WithOpName("service.payment"),
		sentry.WithDescription("Verify"),
		sentry.WithSpanOrigin(sentry.SpanOriginManual),
	)
	defer span.Finish()
	ctx = span.Context()

	logger := s.loggerFromContext(ctx)
	meter := observability.MeterFromContext(ctx)
	meter.Count("payment.verify.received", 1)

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, ErrMissingReference
	}

	tx, err := s.gateway.VerifyTransaction(ctx, reference)
	if err != nil {
		meter.Count("payment.verify.failed", 1, sentry.WithAttributes(
			attribute.String("reason", "gateway_rejected"),
		))
		return nil, err
	}

	// Idempotency: the order number is the gateway reference. If the order
	// graph already exists, return it unchanged.
	existing, err := s.orders.GetByOrderNumber(ctx, reference)
	if err == nil {
		logger.Info("order already materialized for reference", "reference", reference, "order_id", existing.ID)
		meter.Count("payment.verify.duplicate", 1)
		return &VerifiedOrder{Transaction: tx, Order: existing, AlreadyProcessed: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to check for existing order: %w", err)
	}

	user, err := s.resolveUser(ctx, tx, reference)
	if err != nil {
		return nil, err
	}

	method := strings.ToLower(strings.TrimSpace(tx.Metadata.Delivery.Method))
	if method == models.DeliveryMethodPickup {
		if err := s.delivery.ValidatePickup(ctx, tx.Metadata.Delivery.PickupCity, tx.Metadata.Delivery.PickupLocation); err != nil {
			meter.Count("payment.verify.failed", 1, sentry.WithAttributes(
				attribute.String("reason", "invalid_pickup"),
			))
			return nil, err
		}
	}

	subtotalCents := subtotalFromItems(tx.Metadata.Items)
	if subtotalCents <= 0 {
		// Malformed or missing item metadata: trust the captured amount.
		logger.Warn("metadata subtotal unusable, falling back to captured amount", "reference", reference, "amount", tx.Amount)
		subtotalCents = tx.Amount
	}

	address := s.resolveShippingAddress(ctx, tx)

	var shippingCents int64
	if method == models.DeliveryMethodDoor {
		city := ""
		if address != nil {
			city = address.City
		}
		shippingCents, err = s.delivery.DoorFeeCents(ctx, city)
		if err != nil {
			return nil, err
		}
	}

	var taxCents, discountCents int64
	totalCents := subtotalCents + taxCents + shippingCents - discountCents

	succeeded := tx.Succeeded()
	params := db.CreateOrderGraphParams{
		OrderNumber:     reference,
		UserID:          user.ID,
		Status:          models.OrderPending,
		PaymentStatus:   models.PaymentUnpaid,
		SubtotalCents:   subtotalCents,
		TaxCents:        taxCents,
		ShippingCents:   shippingCents,
		DiscountCents:   discountCents,
		TotalCents:      totalCents,
		Items:           itemParams(tx.Metadata.Items),
		Payment:         paymentParams(tx, totalCents, succeeded),
		ShippingAddress: address,
	}
	if succeeded {
		params.Status = models.OrderProcessing
		params.PaymentStatus = models.PaymentPaid
	}

	order, err := s.orders.CreateFromVerification(ctx, params)
	if errors.Is(err, db.ErrDuplicateOrderNumber) {
		// Lost a race with a concurrent verification of the same reference.
		existing, getErr := s.orders.GetByOrderNumber(ctx, reference)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load concurrently created order: %w", getErr)
		}
		meter.Count("payment.verify.duplicate", 1)
		return &VerifiedOrder{Transaction: tx, Order: existing, AlreadyProcessed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to materialize order: %w", err)
	}
	meter.Count("order.materialized", 1, sentry.WithAttributes(
		attribute.String("payment_status", string(order.PaymentStatus)),
	))

	if !succeeded {
		s.recordFailedPayment(ctx, order, tx)
	}

	logger.Info("order materialized",
		"reference", reference,
		"order_id", order.ID,
		"payment_status", order.PaymentStatus,
		"subtotal_cents", order.SubtotalCents,
		"shipping_cents", order.ShippingCents,
		"total_cents", order.TotalCents,
		"items", len(order.Items),
	)

	return &VerifiedOrder{Transaction: tx, Order: order}, nil
}

// resolveUser prefers an explicit user id from metadata, then the customer
// email, then creates a guest with a deterministic email derived from the
// reference so retries resolve to the same user.
func (s *VerificationService) resolveUser(ctx context.Context, tx *gateway.Transaction, reference string) (*models.User, error) {
	logger := s.loggerFromContext(ctx)

	if rawID := strings.TrimSpace(tx.Metadata.UserID.String()); rawID != "" {
		if userID, err := uuid.Parse(rawID); err == nil {
			user, err := s.users.GetByID(ctx, userID)
			if err == nil {
				return user, nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("failed to load user from metadata: %w", err)
			}
			logger.Warn("metadata user id not found, falling back to email", "user_id", rawID)
		}
	}

	if email := strings.TrimSpace(tx.Customer.Email); email != "" {
		user, err := s.users.GetByEmail(ctx, email)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up user by email: %w", err)
		}
		user, err = s.users.EnsureGuest(ctx, email, tx.Customer.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create guest user: %w", err)
		}
		return user, nil
	}

	user, err := s.users.EnsureGuest(ctx, GuestEmailForReference(reference), "")
	if err != nil {
		return nil, fmt.Errorf("failed to create guest user: %w", err)
	}
	return user, nil
}

// GuestEmailForReference derives the deterministic fallback email used when
// the gateway reports no customer email.
func GuestEmailForReference(reference string) string {
	return fmt.Sprintf("guest-%s@orders.invalid", strings.ToLower(strings.TrimSpace(reference)))
}

// resolveShippingAddress prefers a stored address-book entry referenced by id,
// then the inline snapshot. Returns nil when neither yields the minimum
// fields; the store skips persisting in that case.
func (s *VerificationService) resolveShippingAddress(ctx context.Context, tx *gateway.Transaction) *models.ShippingAddress {
	logger := s.loggerFromContext(ctx)

	if rawID := strings.TrimSpace(tx.Metadata.AddressID.String()); rawID != "" {
		if addressID, err := uuid.Parse(rawID); err == nil {
			stored, err := s.users.GetAddress(ctx, addressID)
			if err == nil {
				return &models.ShippingAddress{
					FullName: stored.FullName,
					Street:   stored.Street,
					City:     stored.City,
					State:    stored.State,
					Zip:      stored.Zip,
					Country:  stored.Country,
					Phone:    stored.Phone,
				}
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				logger.Warn("failed to load stored address, trying snapshot", "address_id", rawID, "error", err)
			}
		}
	}

	snapshot := tx.Metadata.AddressSnapshot
	if snapshot == nil {
		return nil
	}
	address := &models.ShippingAddress{
		FullName: snapshot.FullName,
		Street:   snapshot.Street,
		City:     snapshot.City,
		State:    snapshot.State,
		Zip:      snapshot.Zip,
		Country:  snapshot.Country,
		Phone:    snapshot.Phone,
	}
	if !address.HasMinimumFields() {
		return nil
	}
	return address
}

func (s *VerificationService) recordFailedPayment(ctx context.Context, order *models.Order, tx *gateway.Transaction) {
	reason := strings.TrimSpace(tx.GatewayResponse)
	if reason == "" {
		reason = "gateway reported failure"
	}
	entry := models.AuditEntry{
		Action:     models.AuditActionPaymentFailed,
		EntityType: "order",
		EntityID:   order.ID.String(),
		NewValue: map[string]any{
			"payment_status": models.PaymentFailed,
			"reason":         reason,
			"reference":      order.OrderNumber,
		},
	}
	if order.UserID != uuid.Nil {
		userID := order.UserID
		entry.UserID = &userID
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.loggerFromContext(ctx).Warn("failed to append payment-failed audit entry", "order_id", order.ID, "error", err)
	}
}

func paymentParams(tx *gateway.Transaction, totalCents int64, succeeded bool) db.PaymentParams {
	currency := strings.ToUpper(strings.TrimSpace(tx.Currency))
	if currency == "" {
		currency = "GHS"
	}
	method := strings.TrimSpace(tx.Channel)
	if method == "" {
		method = "card"
	}

	amount := tx.Amount
	if amount <= 0 {
		amount = totalCents
	}

	params := db.PaymentParams{
		AmountCents:     amount,
		Currency:        currency,
		Method:          method,
		TransactionID:   strconv.FormatInt(tx.ID, 10),
		GatewayFeeCents: tx.Fees,
		Metadata:        tx.Raw,
	}

	if succeeded {
		params.Status = models.PaymentPaid
		params.PaidAt = tx.PaidAtTime()
		return params
	}

	params.Status = models.PaymentFailed
	params.FailedAt = time.Now().UTC()
	params.FailureReason = strings.TrimSpace(tx.GatewayResponse)
	if params.FailureReason == "" {
		params.FailureReason = "gateway reported failure"
	}
	return params
}

// itemParams converts metadata line items to order-item params. Entries with
// an unparseable product id or a non-positive quantity are dropped, so the
// order carries exactly the items subtotalFromItems counted.
func itemParams(items []gateway.MetaItem) []db.OrderItemParams {
	params := make([]db.OrderItemParams, 0, len(items))
	for _, item := range items {
		productID, err := uuid.Parse(strings.TrimSpace(item.ID.String()))
		if err != nil {
			continue
		}

		var variantID *uuid.UUID
		if raw := strings.TrimSpace(item.VariantID.String()); raw != "" {
			if parsed, err := uuid.Parse(raw); err == nil {
				variantID = &parsed
			}
		}

		quantity := parseQuantity(item.Quantity)
		if quantity <= 0 {
			continue
		}

		params = append(params, db.OrderItemParams{
			ProductID:      productID,
			VariantID:      variantID,
			Quantity:       quantity,
			UnitPriceCents: parsePriceCents(item.Price),
			ProductName:    strings.TrimSpace(item.Name),
			SKU:            strings.TrimSpace(item.SKU),
			ProductData: map[string]any{
				"id":       item.ID.String(),
				"name":     item.Name,
				"price":    item.Price.String(),
				"quantity": item.Quantity.String(),
				"sku":      item.SKU,
			},
		})
	}
	return params
}

// subtotalFromItems sums price × quantity over the metadata line items.
// Malformed entries contribute zero; the caller falls back to the captured
// amount when the whole sum is unusable.
func subtotalFromItems(items []gateway.MetaItem) int64 {
	var subtotal int64
	for _, item := range items {
		price := parsePriceCents(item.Price)
		quantity := parseQuantity(item.Quantity)
		if price <= 0 || quantity <= 0 {
			continue
		}
		subtotal += price * int64(quantity)
	}
	return subtotal
}

// parsePriceCents converts a decimal major-unit price string ("10.00") to
// minor units. Non-numeric and non-finite values yield zero.
func parsePriceCents(raw gateway.FlexString) int64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw.String()), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return int64(math.Round(value * 100))
}

func parseQuantity(raw gateway.FlexString) int {
	trimmed := strings.TrimSpace(raw.String())
	if quantity, err := strconv.Atoi(trimmed); err == nil {
		return quantity
	}
	if value, err := strconv.ParseFloat(trimmed, 64); err == nil && !math.IsNaN(value) && !math.IsInf(value, 0) {
		return int(value)
	}
	return 0
}

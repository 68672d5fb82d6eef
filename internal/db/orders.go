package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kasapahq/kasapa/internal/models"
)

// ErrReservationNotReleasable is returned when the in-transaction re-check
// finds the order is no longer pending/unpaid, i.e. a concurrent verification
// won the race.
var ErrReservationNotReleasable = errors.New("reservation is no longer releasable")

// ErrDuplicateOrderNumber is returned when another writer materialized the
// same reference first.
var ErrDuplicateOrderNumber = errors.New("order number already exists")

type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type OrderItemParams struct {
	ProductID      uuid.UUID
	VariantID      *uuid.UUID
	Quantity       int
	UnitPriceCents int64
	ProductName    string
	SKU            string
	ProductData    map[string]any
}

type PaymentParams struct {
	AmountCents     int64
	Currency        string
	Method          string
	Status          models.PaymentStatus
	TransactionID   string
	GatewayFeeCents int64
	Metadata        map[string]any
	PaidAt          time.Time
	FailedAt        time.Time
	FailureReason   string
}

type CreateOrderGraphParams struct {
	OrderNumber     string
	UserID          uuid.UUID
	Status          models.OrderStatus
	PaymentStatus   models.PaymentStatus
	SubtotalCents   int64
	TaxCents        int64
	ShippingCents   int64
	DiscountCents   int64
	TotalCents      int64
	Items           []OrderItemParams
	Payment         PaymentParams
	ShippingAddress *models.ShippingAddress
}

// noItemsNote annotates orders whose metadata items all referenced deleted
// products. Payment was already captured, so the order must still exist.
const noItemsNote = "no purchasable line items matched payment metadata"

// GetByOrderNumber loads an order with its items, payment, and shipping
// address. Returns pgx.ErrNoRows when no order exists for the number.
func (s *OrderStore) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	return loadOrder(ctx, s.pool, "order_number = $1", orderNumber)
}

// CreateFromVerification materializes the full order graph in a single
// transaction. Items whose product no longer exists are dropped; when none
// survive the order is annotated instead of failed. A concurrent insert of
// the same order number surfaces as ErrDuplicateOrderNumber.
func (s *OrderStore) CreateFromVerification(ctx context.Context, params CreateOrderGraphParams) (*models.Order, error) {
	var order *models.Order

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		liveProducts, err := fetchLiveProducts(ctx, tx, params.Items)
		if err != nil {
			return err
		}

		orderID := uuid.New()
		items, notes := buildOrderItems(orderID, params.Items, liveProducts)

		var createdAt time.Time
		err = tx.QueryRow(ctx, `
			INSERT INTO orders (id, order_number, user_id, status, payment_status,
				subtotal_cents, tax_cents, shipping_cents, discount_cents, total_cents, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at
		`, orderID, params.OrderNumber, params.UserID, params.Status, params.PaymentStatus,
			params.SubtotalCents, params.TaxCents, params.ShippingCents, params.DiscountCents,
			params.TotalCents, textOrNull(notes)).Scan(&createdAt)
		if err != nil {
			return err
		}

		for _, item := range items {
			productData, err := jsonOrNull(item.ProductData)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO order_items (id, order_id, product_id, variant_id, quantity,
					unit_price_cents, total_cents, product_name, sku, product_data)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, item.ID, item.OrderID, item.ProductID, item.VariantID, item.Quantity,
				item.UnitPriceCents, item.TotalCents, item.ProductName, item.SKU, productData)
			if err != nil {
				return err
			}
		}

		payment, err := insertPayment(ctx, tx, orderID, params.Payment)
		if err != nil {
			return err
		}

		var shippingAddress *models.ShippingAddress
		if params.ShippingAddress.HasMinimumFields() {
			shippingAddress, err = insertShippingAddress(ctx, tx, orderID, params.ShippingAddress)
			if err != nil {
				return err
			}
		}

		order = &models.Order{
			ID:              orderID,
			OrderNumber:     params.OrderNumber,
			UserID:          params.UserID,
			Status:          params.Status,
			PaymentStatus:   params.PaymentStatus,
			SubtotalCents:   params.SubtotalCents,
			TaxCents:        params.TaxCents,
			ShippingCents:   params.ShippingCents,
			DiscountCents:   params.DiscountCents,
			TotalCents:      params.TotalCents,
			Notes:           notes,
			CreatedAt:       createdAt,
			Items:           items,
			Payment:         payment,
			ShippingAddress: shippingAddress,
		}
		return nil
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateOrderNumber
		}
		return nil, err
	}

	return order, nil
}

// buildOrderItems keeps only params whose product is still live, filling a
// missing name or sku from the catalog row. When nothing survives the
// returned note carries the noItemsNote annotation.
func buildOrderItems(orderID uuid.UUID, params []OrderItemParams, live map[uuid.UUID]liveProduct) ([]models.OrderItem, string) {
	items := make([]models.OrderItem, 0, len(params))
	for _, item := range params {
		product, exists := live[item.ProductID]
		if !exists {
			continue
		}
		name := item.ProductName
		if name == "" {
			name = product.Name
		}
		sku := item.SKU
		if sku == "" {
			sku = product.SKU
		}
		items = append(items, models.OrderItem{
			ID:             uuid.New(),
			OrderID:        orderID,
			ProductID:      item.ProductID,
			VariantID:      item.VariantID,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			TotalCents:     item.UnitPriceCents * int64(item.Quantity),
			ProductName:    name,
			SKU:            sku,
			ProductData:    item.ProductData,
		})
	}

	notes := ""
	if len(items) == 0 {
		notes = noItemsNote
	}
	return items, notes
}

// FindExpiredReservations returns ids of pending, unpaid orders created at or
// before the cutoff, oldest first, capped at limit.
func (s *OrderStore) FindExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND payment_status = $2 AND created_at <= $3
		ORDER BY created_at ASC
		LIMIT $4
	`, models.OrderPending, models.PaymentUnpaid, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type ReleaseOutcome struct {
	OrderID        uuid.UUID
	UnitsRestocked int
}

// ReleaseReservation cancels a single expired order and returns its reserved
// stock, all inside one transaction. The row is locked and re-checked before
// any mutation; if the order is no longer pending/unpaid the method returns
// ErrReservationNotReleasable and changes nothing.
func (s *OrderStore) ReleaseReservation(ctx context.Context, orderID uuid.UUID, reason string) (*ReleaseOutcome, error) {
	var outcome *ReleaseOutcome

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status models.OrderStatus
		var paymentStatus models.PaymentStatus
		err := tx.QueryRow(ctx, `
			SELECT status, payment_status FROM orders WHERE id = $1 FOR UPDATE
		`, orderID).Scan(&status, &paymentStatus)
		if err != nil {
			return err
		}

		if !reservationReleasable(status, paymentStatus) {
			return ErrReservationNotReleasable
		}

		items, err := fetchReservedItems(ctx, tx, orderID)
		if err != nil {
			return err
		}

		units := 0
		for _, target := range restockPlan(items) {
			units += target.Quantity
			if target.VariantID != nil {
				_, err = tx.Exec(ctx, `
					UPDATE product_variants SET stock_quantity = stock_quantity + $1 WHERE id = $2
				`, target.Quantity, *target.VariantID)
			} else {
				_, err = tx.Exec(ctx, `
					UPDATE products SET stock_quantity = stock_quantity + $1 WHERE id = $2
				`, target.Quantity, target.ProductID)
			}
			if err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1 WHERE id = $2
		`, models.OrderCanceled, orderID); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			UPDATE payments SET status = $1, failed_at = NOW(), failure_reason = $2
			WHERE order_id = $3 AND status <> $4
		`, models.PaymentFailed, reason, orderID, models.PaymentPaid); err != nil {
			return err
		}

		oldValue, err := json.Marshal(map[string]any{
			"status":         status,
			"payment_status": paymentStatus,
		})
		if err != nil {
			return err
		}
		newValue, err := json.Marshal(map[string]any{
			"status":         models.OrderCanceled,
			"payment_status": paymentStatus,
		})
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO audit_logs (id, action, entity_type, entity_id, old_value, new_value)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New(), models.AuditActionReservationExpired, "order", orderID.String(), oldValue, newValue); err != nil {
			return err
		}

		outcome = &ReleaseOutcome{OrderID: orderID, UnitsRestocked: units}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcome, nil
}

// reservationReleasable reports whether a locked order still holds a stock
// reservation the reaper may release. Any other state means a concurrent
// verification or manual action already settled the order.
func reservationReleasable(status models.OrderStatus, paymentStatus models.PaymentStatus) bool {
	return status == models.OrderPending && paymentStatus == models.PaymentUnpaid
}

type reservedItem struct {
	ProductID uuid.UUID
	VariantID *uuid.UUID
	Quantity  int
}

type restockTarget struct {
	ProductID uuid.UUID
	VariantID *uuid.UUID
	Quantity  int
}

// restockPlan aggregates reserved quantities per stock row so each variant or
// product gets exactly one increment equal to the sum of its item quantities.
func restockPlan(items []reservedItem) []restockTarget {
	index := make(map[string]int, len(items))
	plan := make([]restockTarget, 0, len(items))

	for _, item := range items {
		key := "p:" + item.ProductID.String()
		if item.VariantID != nil {
			key = "v:" + item.VariantID.String()
		}
		if i, seen := index[key]; seen {
			plan[i].Quantity += item.Quantity
			continue
		}
		index[key] = len(plan)
		plan = append(plan, restockTarget{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}
	return plan
}

func fetchReservedItems(ctx context.Context, q querier, orderID uuid.UUID) ([]reservedItem, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, variant_id, quantity FROM order_items WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []reservedItem
	for rows.Next() {
		var item reservedItem
		if err := rows.Scan(&item.ProductID, &item.VariantID, &item.Quantity); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type liveProduct struct {
	Name string
	SKU  string
}

func fetchLiveProducts(ctx context.Context, q querier, items []OrderItemParams) (map[uuid.UUID]liveProduct, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}

	rows, err := q.Query(ctx, `
		SELECT id, name, sku FROM products WHERE id = ANY($1) AND deleted_at IS NULL
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[uuid.UUID]liveProduct)
	for rows.Next() {
		var id uuid.UUID
		var product liveProduct
		if err := rows.Scan(&id, &product.Name, &product.SKU); err != nil {
			return nil, err
		}
		products[id] = product
	}
	return products, rows.Err()
}

func insertPayment(ctx context.Context, q querier, orderID uuid.UUID, params PaymentParams) (*models.Payment, error) {
	metadata, err := jsonOrNull(params.Metadata)
	if err != nil {
		return nil, err
	}

	payment := &models.Payment{
		ID:              uuid.New(),
		OrderID:         orderID,
		AmountCents:     params.AmountCents,
		Currency:        params.Currency,
		Method:          params.Method,
		Status:          params.Status,
		TransactionID:   params.TransactionID,
		GatewayFeeCents: params.GatewayFeeCents,
		Metadata:        params.Metadata,
		PaidAt:          params.PaidAt,
		FailedAt:        params.FailedAt,
		FailureReason:   params.FailureReason,
	}

	err = q.QueryRow(ctx, `
		INSERT INTO payments (id, order_id, amount_cents, currency, method, status,
			transaction_id, gateway_fee_cents, metadata, paid_at, failed_at, failure_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, payment.ID, orderID, params.AmountCents, params.Currency, params.Method, params.Status,
		params.TransactionID, params.GatewayFeeCents, metadata,
		timeOrNull(params.PaidAt), timeOrNull(params.FailedAt), textOrNull(params.FailureReason)).
		Scan(&payment.CreatedAt)
	if err != nil {
		return nil, err
	}

	return payment, nil
}

func insertShippingAddress(ctx context.Context, q querier, orderID uuid.UUID, address *models.ShippingAddress) (*models.ShippingAddress, error) {
	saved := *address
	saved.ID = uuid.New()
	saved.OrderID = orderID

	_, err := q.Exec(ctx, `
		INSERT INTO shipping_addresses (id, order_id, full_name, street, city, state, zip, country, phone)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, saved.ID, orderID, saved.FullName, saved.Street, saved.City, saved.State, saved.Zip, saved.Country, saved.Phone)
	if err != nil {
		return nil, err
	}

	return &saved, nil
}

func loadOrder(ctx context.Context, q querier, where string, args ...any) (*models.Order, error) {
	order := &models.Order{}
	var notes pgtype.Text

	err := q.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, order_number, user_id, status, payment_status, subtotal_cents,
			tax_cents, shipping_cents, discount_cents, total_cents, notes, created_at
		FROM orders WHERE %s
	`, where), args...).Scan(
		&order.ID, &order.OrderNumber, &order.UserID, &order.Status, &order.PaymentStatus,
		&order.SubtotalCents, &order.TaxCents, &order.ShippingCents, &order.DiscountCents,
		&order.TotalCents, &notes, &order.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Notes = notes.String

	if order.Items, err = loadOrderItems(ctx, q, order.ID); err != nil {
		return nil, err
	}
	if order.Payment, err = loadPayment(ctx, q, order.ID); err != nil {
		return nil, err
	}
	if order.ShippingAddress, err = loadShippingAddress(ctx, q, order.ID); err != nil {
		return nil, err
	}

	return order, nil
}

func loadOrderItems(ctx context.Context, q querier, orderID uuid.UUID) ([]models.OrderItem, error) {
	rows, err := q.Query(ctx, `
		SELECT id, product_id, variant_id, quantity, unit_price_cents, total_cents,
			product_name, sku, product_data
		FROM order_items WHERE order_id = $1 ORDER BY id
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]models.OrderItem, 0)
	for rows.Next() {
		item := models.OrderItem{OrderID: orderID}
		var productData []byte
		if err := rows.Scan(&item.ID, &item.ProductID, &item.VariantID, &item.Quantity,
			&item.UnitPriceCents, &item.TotalCents, &item.ProductName, &item.SKU, &productData); err != nil {
			return nil, err
		}
		if productData != nil {
			if err := json.Unmarshal(productData, &item.ProductData); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func loadPayment(ctx context.Context, q querier, orderID uuid.UUID) (*models.Payment, error) {
	payment := &models.Payment{OrderID: orderID}
	var metadata []byte
	var paidAt, failedAt pgtype.Timestamptz
	var failureReason pgtype.Text

	err := q.QueryRow(ctx, `
		SELECT id, amount_cents, currency, method, status, transaction_id,
			gateway_fee_cents, metadata, paid_at, failed_at, failure_reason, created_at
		FROM payments WHERE order_id = $1
	`, orderID).Scan(
		&payment.ID, &payment.AmountCents, &payment.Currency, &payment.Method, &payment.Status,
		&payment.TransactionID, &payment.GatewayFeeCents, &metadata, &paidAt, &failedAt,
		&failureReason, &payment.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if metadata != nil {
		if err := json.Unmarshal(metadata, &payment.Metadata); err != nil {
			return nil, err
		}
	}
	payment.PaidAt = paidAt.Time
	payment.FailedAt = failedAt.Time
	payment.FailureReason = failureReason.String
	return payment, nil
}

func loadShippingAddress(ctx context.Context, q querier, orderID uuid.UUID) (*models.ShippingAddress, error) {
	address := &models.ShippingAddress{OrderID: orderID}
	var state, zip, country, phone pgtype.Text

	err := q.QueryRow(ctx, `
		SELECT id, full_name, street, city, state, zip, country, phone
		FROM shipping_addresses WHERE order_id = $1
	`, orderID).Scan(&address.ID, &address.FullName, &address.Street, &address.City,
		&state, &zip, &country, &phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	address.State = state.String
	address.Zip = zip.String
	address.Country = country.String
	address.Phone = phone.String
	return address, nil
}

func jsonOrNull(value map[string]any) ([]byte, error) {
	if len(value) == 0 {
		return nil, nil
	}
	return json.Marshal(value)
}

func textOrNull(value string) pgtype.Text {
	return pgtype.Text{String: value, Valid: value != ""}
}

func timeOrNull(value time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: value, Valid: !value.IsZero()}
}

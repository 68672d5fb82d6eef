package models

import (
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCanceled   OrderStatus = "canceled"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "unpaid"
	PaymentPaid   PaymentStatus = "paid"
	PaymentFailed PaymentStatus = "failed"
)

// Order is the aggregate root of a purchase. OrderNumber equals the gateway
// transaction reference and is globally unique; it is the idempotency key for
// payment verification.
type Order struct {
	ID            uuid.UUID     `json:"id"`
	OrderNumber   string        `json:"order_number"`
	UserID        uuid.UUID     `json:"user_id"`
	Status        OrderStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	SubtotalCents int64         `json:"subtotal_cents"`
	TaxCents      int64         `json:"tax_cents"`
	ShippingCents int64         `json:"shipping_cents"`
	DiscountCents int64         `json:"discount_cents"`
	TotalCents    int64         `json:"total_cents"`
	Notes         string        `json:"notes,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`

	Items           []OrderItem      `json:"items"`
	Payment         *Payment         `json:"payment,omitempty"`
	ShippingAddress *ShippingAddress `json:"shipping_address,omitempty"`
}

// OrderItem snapshots the product at purchase time. VariantID is nil for
// products sold without variants.
type OrderItem struct {
	ID             uuid.UUID      `json:"id"`
	OrderID        uuid.UUID      `json:"order_id"`
	ProductID      uuid.UUID      `json:"product_id"`
	VariantID      *uuid.UUID     `json:"variant_id,omitempty"`
	Quantity       int            `json:"quantity"`
	UnitPriceCents int64          `json:"unit_price_cents"`
	TotalCents     int64          `json:"total_cents"`
	ProductName    string         `json:"product_name"`
	SKU            string         `json:"sku"`
	ProductData    map[string]any `json:"product_data,omitempty"`
}

type Payment struct {
	ID              uuid.UUID      `json:"id"`
	OrderID         uuid.UUID      `json:"order_id"`
	AmountCents     int64          `json:"amount_cents"`
	Currency        string         `json:"currency"`
	Method          string         `json:"method"`
	Status          PaymentStatus  `json:"status"`
	TransactionID   string         `json:"transaction_id"`
	GatewayFeeCents int64          `json:"gateway_fee_cents"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	PaidAt          time.Time      `json:"paid_at"`
	FailedAt        time.Time      `json:"failed_at"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ShippingAddress is captured at order time and never mutated by later edits
// to the customer's address book.
type ShippingAddress struct {
	ID       uuid.UUID `json:"id"`
	OrderID  uuid.UUID `json:"order_id"`
	FullName string    `json:"full_name"`
	Street   string    `json:"street"`
	City     string    `json:"city"`
	State    string    `json:"state,omitempty"`
	Zip      string    `json:"zip,omitempty"`
	Country  string    `json:"country,omitempty"`
	Phone    string    `json:"phone,omitempty"`
}

// HasMinimumFields reports whether the snapshot is complete enough to persist.
func (a *ShippingAddress) HasMinimumFields() bool {
	return a != nil && a.FullName != "" && a.Street != ""
}

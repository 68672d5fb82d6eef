package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"
)

// TransactionVerifier is what the order materializer depends on.
type TransactionVerifier interface {
	VerifyTransaction(ctx context.Context, reference string) (*Transaction, error)
}

// Transaction is the gateway's view of a payment. Amount and Fees are in the
// currency's minor units, as delivered by the gateway.
type Transaction struct {
	ID              int64          `json:"id"`
	Status          string         `json:"status"`
	Reference       string         `json:"reference"`
	Amount          int64          `json:"amount"`
	Currency        string         `json:"currency"`
	Fees            int64          `json:"fees"`
	Channel         string         `json:"channel"`
	GatewayResponse string         `json:"gateway_response"`
	PaidAt          string         `json:"paid_at"`
	Customer        Customer       `json:"customer"`
	Metadata        Metadata       `json:"metadata"`
	Raw             map[string]any `json:"-"`
}

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"first_name"`
}

// Metadata is the checkout payload the storefront attached when initializing
// the transaction. Values frequently arrive as strings.
type Metadata struct {
	UserID          FlexString       `json:"userId"`
	AddressID       FlexString       `json:"addressId"`
	AddressSnapshot *AddressSnapshot `json:"addressSnapshot"`
	Delivery        Delivery         `json:"delivery"`
	Items           []MetaItem       `json:"items"`
}

type Delivery struct {
	Method         string `json:"method"`
	PickupCity     string `json:"pickupCity"`
	PickupLocation string `json:"pickupLocation"`
}

type AddressSnapshot struct {
	FullName string `json:"fullName"`
	Street   string `json:"street"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zip      string `json:"zip"`
	Country  string `json:"country"`
	Phone    string `json:"phone"`
}

type MetaItem struct {
	ID        FlexString `json:"id"`
	VariantID FlexString `json:"variantId"`
	Name      string     `json:"name"`
	Price     FlexString `json:"price"`
	Quantity  FlexString `json:"quantity"`
	SKU       string     `json:"sku"`
}

// FlexString accepts both JSON strings and numbers, which checkout metadata
// mixes freely.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}
	*s = FlexString(num.String())
	return nil
}

func (s FlexString) String() string {
	return string(s)
}

// Succeeded is the single source of truth for "is this transaction paid".
func (t *Transaction) Succeeded() bool {
	if t == nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(t.Status)) {
	case "success", "successful":
		return true
	default:
		return false
	}
}

// PaidAtTime parses the gateway's paid_at timestamp, falling back to now for
// successful transactions with a malformed timestamp.
func (t *Transaction) PaidAtTime() time.Time {
	if t == nil || t.PaidAt == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z"} {
		if parsed, err := time.Parse(layout, t.PaidAt); err == nil {
			return parsed
		}
	}
	return time.Now().UTC()
}

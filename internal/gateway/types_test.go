package gateway

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFlexStringUnmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "string", raw: `"10.00"`, want: "10.00"},
		{name: "integer", raw: `2`, want: "2"},
		{name: "float", raw: `10.5`, want: "10.5"},
		{name: "null", raw: `null`, want: ""},
		{name: "empty string", raw: `""`, want: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var value FlexString
			if err := json.Unmarshal([]byte(tt.raw), &value); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if value.String() != tt.want {
				t.Fatalf("got %q, want %q", value.String(), tt.want)
			}
		})
	}
}

func TestMetadataUnmarshalMixedTypes(t *testing.T) {
	t.Parallel()

	raw := `{
		"userId": 42,
		"addressId": "a2a9f7e0-3c4f-4f2e-9b6d-0f1ad7e2b111",
		"delivery": {"method": "door"},
		"items": [
			{"id": "p1", "name": "Shea Butter", "price": "10.00", "quantity": 2, "sku": "SB-01"},
			{"id": "p2", "price": 5, "quantity": "1"}
		]
	}`

	var metadata Metadata
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if metadata.UserID.String() != "42" {
		t.Fatalf("userId: got %q", metadata.UserID.String())
	}
	if len(metadata.Items) != 2 {
		t.Fatalf("items: got %d", len(metadata.Items))
	}
	if metadata.Items[0].Quantity.String() != "2" {
		t.Fatalf("quantity: got %q", metadata.Items[0].Quantity.String())
	}
	if metadata.Items[1].Price.String() != "5" {
		t.Fatalf("price: got %q", metadata.Items[1].Price.String())
	}
}

func TestTransactionSucceeded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status string
		want   bool
	}{
		{status: "success", want: true},
		{status: "successful", want: true},
		{status: "SUCCESS", want: true},
		{status: " success ", want: true},
		{status: "failed", want: false},
		{status: "abandoned", want: false},
		{status: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()

			tx := &Transaction{Status: tt.status}
			if got := tx.Succeeded(); got != tt.want {
				t.Fatalf("Succeeded(%q) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}

	var nilTx *Transaction
	if nilTx.Succeeded() {
		t.Fatalf("nil transaction reported success")
	}
}

func TestPaidAtTime(t *testing.T) {
	t.Parallel()

	tx := &Transaction{PaidAt: "2026-08-01T10:30:00.000Z"}
	want := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	if got := tx.PaidAtTime(); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	tx = &Transaction{PaidAt: "2026-08-01T10:30:00Z"}
	if got := tx.PaidAtTime(); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Malformed timestamps fall back to roughly now.
	tx = &Transaction{PaidAt: "not-a-time"}
	if got := tx.PaidAtTime(); time.Since(got) > time.Minute {
		t.Fatalf("fallback timestamp too old: %v", got)
	}
}

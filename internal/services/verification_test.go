package services

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasapahq/kasapa/internal/db"
	"github.com/kasapahq/kasapa/internal/gateway"
	"github.com/kasapahq/kasapa/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeVerifier struct {
	tx  *gateway.Transaction
	err error
}

func (f *fakeVerifier) VerifyTransaction(_ context.Context, _ string) (*gateway.Transaction, error) {
	return f.tx, f.err
}

type fakeOrderStore struct {
	existing *models.Order
	// existingAfterCreate becomes visible only after a create attempt,
	// simulating a concurrent writer that won the insert race.
	existingAfterCreate *models.Order
	created             *db.CreateOrderGraphParams
	createErr           error
	createdOrder        *models.Order
}

func (f *fakeOrderStore) GetByOrderNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	if f.existing != nil && f.existing.OrderNumber == orderNumber {
		return f.existing, nil
	}
	if f.existingAfterCreate != nil && f.created != nil && f.existingAfterCreate.OrderNumber == orderNumber {
		return f.existingAfterCreate, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeOrderStore) CreateFromVerification(_ context.Context, params db.CreateOrderGraphParams) (*models.Order, error) {
	f.created = &params
	if f.createErr != nil {
		return nil, f.createErr
	}
	order := &models.Order{
		ID:            uuid.New(),
		OrderNumber:   params.OrderNumber,
		UserID:        params.UserID,
		Status:        params.Status,
		PaymentStatus: params.PaymentStatus,
		SubtotalCents: params.SubtotalCents,
		ShippingCents: params.ShippingCents,
		TotalCents:    params.TotalCents,
	}
	f.createdOrder = order
	return order, nil
}

type fakeUserStore struct {
	byID       map[uuid.UUID]*models.User
	byEmail    map[string]*models.User
	addresses  map[uuid.UUID]*models.Address
	guestEmail string
}

func (f *fakeUserStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	if user, ok := f.byID[id]; ok {
		return user, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeUserStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	if user, ok := f.byEmail[email]; ok {
		return user, nil
	}
	return nil, pgx.ErrNoRows
}

func (f *fakeUserStore) EnsureGuest(_ context.Context, email, name string) (*models.User, error) {
	f.guestEmail = email
	return &models.User{ID: uuid.New(), Email: email, Name: name, IsGuest: true}, nil
}

func (f *fakeUserStore) GetAddress(_ context.Context, id uuid.UUID) (*models.Address, error) {
	if address, ok := f.addresses[id]; ok {
		return address, nil
	}
	return nil, pgx.ErrNoRows
}

type fakeDeliveryResolver struct {
	fees       map[string]int64
	defaultFee int64
	pickupErr  error
	feeCity    string
}

func (f *fakeDeliveryResolver) DoorFeeCents(_ context.Context, city string) (int64, error) {
	f.feeCity = city
	if fee, ok := f.fees[city]; ok {
		return fee, nil
	}
	return f.defaultFee, nil
}

func (f *fakeDeliveryResolver) ValidatePickup(_ context.Context, _, _ string) error {
	return f.pickupErr
}

type fakeAuditStore struct {
	entries []models.AuditEntry
	err     error
}

func (f *fakeAuditStore) Append(_ context.Context, entry models.AuditEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func successfulTransaction() *gateway.Transaction {
	return &gateway.Transaction{
		ID:        12345,
		Status:    "success",
		Reference: "TXN-001",
		Amount:    4000,
		Currency:  "GHS",
		Fees:      78,
		Channel:   "mobile_money",
		PaidAt:    "2026-08-01T10:30:00.000Z",
		Customer:  gateway.Customer{Email: "ama@example.com", Name: "Ama"},
		Metadata: gateway.Metadata{
			Delivery: gateway.Delivery{Method: "door"},
			AddressSnapshot: &gateway.AddressSnapshot{
				FullName: "Ama Mensah",
				Street:   "12 Ring Road",
				City:     "Accra",
			},
			Items: []gateway.MetaItem{
				{ID: gateway.FlexString(uuid.NewString()), Price: "10.00", Quantity: "2", Name: "Shea Butter", SKU: "SB-01"},
			},
		},
		Raw: map[string]any{"reference": "TXN-001"},
	}
}

func newTestService(gw gateway.TransactionVerifier, orders *fakeOrderStore, users *fakeUserStore, delivery *fakeDeliveryResolver, audit *fakeAuditStore) *VerificationService {
	return NewVerificationService(gw, orders, users, delivery, audit, testLogger())
}

func TestVerifyMissingReference(t *testing.T) {
	t.Parallel()

	svc := newTestService(&fakeVerifier{}, &fakeOrderStore{}, &fakeUserStore{}, &fakeDeliveryResolver{}, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "   ")
	require.ErrorIs(t, err, ErrMissingReference)
}

func TestVerifyIdempotentForExistingOrder(t *testing.T) {
	t.Parallel()

	existing := &models.Order{ID: uuid.New(), OrderNumber: "TXN-001", Status: models.OrderProcessing}
	orders := &fakeOrderStore{existing: existing}
	svc := newTestService(&fakeVerifier{tx: successfulTransaction()}, orders, &fakeUserStore{}, &fakeDeliveryResolver{}, &fakeAuditStore{})

	verified, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.True(t, verified.AlreadyProcessed)
	assert.Equal(t, existing.ID, verified.Order.ID)
	assert.Nil(t, orders.created, "no new order graph may be created for a known reference")
}

func TestVerifySuccessfulDoorDelivery(t *testing.T) {
	t.Parallel()

	orders := &fakeOrderStore{}
	delivery := &fakeDeliveryResolver{fees: map[string]int64{"Accra": 2000}, defaultFee: 3000}
	audit := &fakeAuditStore{}
	svc := newTestService(&fakeVerifier{tx: successfulTransaction()}, orders, &fakeUserStore{}, delivery, audit)

	verified, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.NotNil(t, orders.created)

	params := orders.created
	assert.Equal(t, models.OrderProcessing, params.Status)
	assert.Equal(t, models.PaymentPaid, params.PaymentStatus)
	assert.Equal(t, int64(2000), params.SubtotalCents, "10.00 x 2 in minor units")
	assert.Equal(t, int64(2000), params.ShippingCents, "door fee for snapshot city Accra")
	assert.Equal(t, int64(4000), params.TotalCents)
	assert.Equal(t, "Accra", delivery.feeCity)

	require.NotNil(t, params.ShippingAddress)
	assert.Equal(t, "Ama Mensah", params.ShippingAddress.FullName)

	assert.Equal(t, models.PaymentPaid, params.Payment.Status)
	assert.Equal(t, int64(4000), params.Payment.AmountCents)
	assert.Equal(t, "12345", params.Payment.TransactionID)
	assert.False(t, params.Payment.PaidAt.IsZero())

	assert.False(t, verified.AlreadyProcessed)
	assert.Empty(t, audit.entries, "successful payments do not produce failure audit entries")
}

func TestVerifyPickupShippingIsZero(t *testing.T) {
	t.Parallel()

	tx := successfulTransaction()
	tx.Metadata.Delivery = gateway.Delivery{Method: "pickup", PickupCity: "Accra", PickupLocation: "Osu Mall"}

	orders := &fakeOrderStore{}
	delivery := &fakeDeliveryResolver{fees: map[string]int64{"Accra": 2000}, defaultFee: 3000}
	svc := newTestService(&fakeVerifier{tx: tx}, orders, &fakeUserStore{}, delivery, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.NotNil(t, orders.created)
	assert.Zero(t, orders.created.ShippingCents)
	assert.Equal(t, int64(2000), orders.created.TotalCents)
}

func TestVerifyInvalidPickupSelection(t *testing.T) {
	t.Parallel()

	tx := successfulTransaction()
	tx.Metadata.Delivery = gateway.Delivery{Method: "pickup", PickupCity: "Kumasi", PickupLocation: "Closed Spot"}

	orders := &fakeOrderStore{}
	delivery := &fakeDeliveryResolver{pickupErr: ErrInvalidPickupSelection}
	svc := newTestService(&fakeVerifier{tx: tx}, orders, &fakeUserStore{}, delivery, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-001")
	require.ErrorIs(t, err, ErrInvalidPickupSelection)
	assert.Nil(t, orders.created, "no order may be materialized for an invalid pickup")
}

func TestVerifySubtotalFallsBackToCapturedAmount(t *testing.T) {
	t.Parallel()

	tx := successfulTransaction()
	tx.Metadata.Items = []gateway.MetaItem{
		{ID: gateway.FlexString(uuid.NewString()), Price: "not-a-price", Quantity: "2"},
	}

	orders := &fakeOrderStore{}
	svc := newTestService(&fakeVerifier{tx: tx}, orders, &fakeUserStore{}, &fakeDeliveryResolver{defaultFee: 3000}, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.NotNil(t, orders.created)
	assert.Equal(t, tx.Amount, orders.created.SubtotalCents)
}

func TestVerifyDropsNonPositiveQuantityItems(t *testing.T) {
	t.Parallel()

	tx := successfulTransaction()
	tx.Metadata.Items = append(tx.Metadata.Items,
		gateway.MetaItem{ID: gateway.FlexString(uuid.NewString()), Price: "5.00", Quantity: "0", Name: "Freebie"},
		gateway.MetaItem{ID: gateway.FlexString(uuid.NewString()), Price: "5.00", Quantity: "-1", Name: "Refund"},
	)

	orders := &fakeOrderStore{}
	delivery := &fakeDeliveryResolver{fees: map[string]int64{"Accra": 2000}}
	svc := newTestService(&fakeVerifier{tx: tx}, orders, &fakeUserStore{}, delivery, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.NotNil(t, orders.created)
	require.Len(t, orders.created.Items, 1, "non-positive quantities may not reach the order")
	assert.Equal(t, int64(2000), orders.created.SubtotalCents, "subtotal counts exactly the items kept")
}

func TestVerifyFailedTransactionStillMaterializes(t *testing.T) {
	t.Parallel()

	tx := successfulTransaction()
	tx.Status = "failed"
	tx.GatewayResponse = "Insufficient funds"

	orders := &fakeOrderStore{}
	audit := &fakeAuditStore{}
	svc := newTestService(&fakeVerifier{tx: tx}, orders, &fakeUserStore{}, &fakeDeliveryResolver{defaultFee: 3000}, audit)

	verified, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.NotNil(t, orders.created)

	params := orders.created
	assert.Equal(t, models.OrderPending, params.Status)
	assert.Equal(t, models.PaymentUnpaid, params.PaymentStatus)
	assert.Equal(t, models.PaymentFailed, params.Payment.Status)
	assert.Equal(t, "Insufficient funds", params.Payment.FailureReason)
	assert.False(t, params.Payment.FailedAt.IsZero())
	assert.True(t, params.Payment.PaidAt.IsZero())

	require.Len(t, audit.entries, 1)
	assert.Equal(t, models.AuditActionPaymentFailed, audit.entries[0].Action)
	assert.Equal(t, verified.Order.ID.String(), audit.entries[0].EntityID)
}

func TestVerifyDuplicateRaceReturnsExistingOrder(t *testing.T) {
	t.Parallel()

	existing := &models.Order{ID: uuid.New(), OrderNumber: "TXN-001", Status: models.OrderProcessing}
	orders := &fakeOrderStore{createErr: db.ErrDuplicateOrderNumber, existingAfterCreate: existing}
	svc := newTestService(&fakeVerifier{tx: successfulTransaction()}, orders, &fakeUserStore{}, &fakeDeliveryResolver{}, &fakeAuditStore{})

	verified, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.True(t, verified.AlreadyProcessed)
	assert.Equal(t, existing.ID, verified.Order.ID)
}

func TestVerifyGatewayErrorPassesThrough(t *testing.T) {
	t.Parallel()

	wantErr := &gateway.VerificationError{Message: "Transaction reference not found"}
	svc := newTestService(&fakeVerifier{err: wantErr}, &fakeOrderStore{}, &fakeUserStore{}, &fakeDeliveryResolver{}, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-404")
	var verificationErr *gateway.VerificationError
	require.ErrorAs(t, err, &verificationErr)
	assert.Equal(t, wantErr.Message, verificationErr.Message)
}

func TestVerifyResolvesUserFromMetadata(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	tx := successfulTransaction()
	tx.Metadata.UserID = gateway.FlexString(userID.String())

	users := &fakeUserStore{byID: map[uuid.UUID]*models.User{
		userID: {ID: userID, Email: "ama@example.com"},
	}}
	orders := &fakeOrderStore{}
	svc := newTestService(&fakeVerifier{tx: tx}, orders, users, &fakeDeliveryResolver{}, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.NotNil(t, orders.created)
	assert.Equal(t, userID, orders.created.UserID)
	assert.Empty(t, users.guestEmail, "no guest may be created when the user is known")
}

func TestVerifyCreatesDeterministicGuest(t *testing.T) {
	t.Parallel()

	tx := successfulTransaction()
	tx.Customer.Email = ""

	users := &fakeUserStore{}
	svc := newTestService(&fakeVerifier{tx: tx}, &fakeOrderStore{}, users, &fakeDeliveryResolver{}, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	assert.Equal(t, "guest-txn-001@orders.invalid", users.guestEmail)
}

func TestVerifyUsesStoredAddressOverSnapshot(t *testing.T) {
	t.Parallel()

	addressID := uuid.New()
	tx := successfulTransaction()
	tx.Metadata.AddressID = gateway.FlexString(addressID.String())

	users := &fakeUserStore{addresses: map[uuid.UUID]*models.Address{
		addressID: {ID: addressID, FullName: "Kofi Boateng", Street: "4 High Street", City: "Kumasi"},
	}}
	orders := &fakeOrderStore{}
	delivery := &fakeDeliveryResolver{fees: map[string]int64{"Kumasi": 2500}, defaultFee: 3000}
	svc := newTestService(&fakeVerifier{tx: tx}, orders, users, delivery, &fakeAuditStore{})

	_, err := svc.Verify(context.Background(), "TXN-001")
	require.NoError(t, err)
	require.NotNil(t, orders.created)
	require.NotNil(t, orders.created.ShippingAddress)
	assert.Equal(t, "Kofi Boateng", orders.created.ShippingAddress.FullName)
	assert.Equal(t, int64(2500), orders.created.ShippingCents, "door fee follows the stored address city")
}

func TestParsePriceCents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int64
	}{
		{raw: "10.00", want: 1000},
		{raw: "0.99", want: 99},
		{raw: "20", want: 2000},
		{raw: " 5.5 ", want: 550},
		{raw: "", want: 0},
		{raw: "abc", want: 0},
		{raw: "NaN", want: 0},
		{raw: "Inf", want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parsePriceCents(gateway.FlexString(tt.raw)))
		})
	}
}

func TestParseQuantity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want int
	}{
		{raw: "2", want: 2},
		{raw: "2.0", want: 2},
		{raw: "", want: 0},
		{raw: "many", want: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, parseQuantity(gateway.FlexString(tt.raw)))
		})
	}
}

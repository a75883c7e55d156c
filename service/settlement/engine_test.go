package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"github.com/fixmate/fixmate-server/service/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	bookings  map[uint]*models.Booking
	users     map[uint]*models.User
	earnings  map[uint]*models.Earning // keyed by booking id
	payments  map[uint]*models.Payment // keyed by payment id
	payouts   map[string]*models.Payout
	available []uint
	creditErr error // fails the next balance credit, rolling its transaction back
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings: make(map[uint]*models.Booking),
		users:    make(map[uint]*models.User),
		earnings: make(map[uint]*models.Earning),
		payments: make(map[uint]*models.Payment),
		payouts:  make(map[string]*models.Payout),
	}
}

func (s *fakeStore) BookingByID(ctx context.Context, id uint) (*models.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return nil, models.ErrBookingNotFound
	}
	return b, nil
}

func (s *fakeStore) UserByID(ctx context.Context, id uint) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return u, nil
}

func (s *fakeStore) EarningByBookingID(ctx context.Context, bookingID uint) (*models.Earning, error) {
	e, ok := s.earnings[bookingID]
	if !ok {
		return nil, models.ErrEarningNotFound
	}
	copied := *e
	return &copied, nil
}

func (s *fakeStore) SettleEarning(ctx context.Context, earningID, providerID uint, amount float64, transferID string, at time.Time) (bool, error) {
	for _, e := range s.earnings {
		if e.ID != earningID {
			continue
		}
		if e.Status != models.EarningStatusPending {
			return false, nil
		}
		e.Status = models.EarningStatusCompleted
		e.TransferID = transferID
		e.CompletionDate = &at
		s.users[providerID].AvailableBalance += amount
		return true, nil
	}
	return false, nil
}

func (s *fakeStore) PaymentByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	for _, p := range s.payments {
		if p.PaymentIntentID == intentID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func (s *fakeStore) PaymentByRefundID(ctx context.Context, refundID string) (*models.Payment, error) {
	for _, p := range s.payments {
		if p.RefundID == refundID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func (s *fakeStore) CompletePayment(ctx context.Context, paymentID uint) (bool, error) {
	p, ok := s.payments[paymentID]
	if !ok || p.Status != models.PaymentStatusPending {
		return false, nil
	}
	p.Status = models.PaymentStatusCompleted
	return true, nil
}

func (s *fakeStore) UpdateRefund(ctx context.Context, payment *models.Payment) (bool, error) {
	p, ok := s.payments[payment.ID]
	if !ok || p.RefundStatus.Terminal() {
		return false, nil
	}
	p.RefundStatus = payment.RefundStatus
	p.RefundAmount = payment.RefundAmount
	p.RefundCreatedAt = payment.RefundCreatedAt
	p.RefundDestinationType = payment.RefundDestinationType
	return true, nil
}

func (s *fakeStore) PayoutByID(ctx context.Context, payoutID string) (*models.Payout, error) {
	p, ok := s.payouts[payoutID]
	if !ok {
		return nil, models.ErrPayoutNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *fakeStore) FinishPayout(ctx context.Context, payoutID string, status models.PayoutStatus, userID uint, creditAmount float64) (bool, error) {
	p, ok := s.payouts[payoutID]
	if !ok || p.Status != models.PayoutStatusPending {
		return false, nil
	}
	if creditAmount > 0 && s.creditErr != nil {
		// A failed credit rolls the whole transaction back.
		err := s.creditErr
		s.creditErr = nil
		return false, err
	}
	p.Status = status
	if creditAmount > 0 {
		s.users[userID].AvailableBalance += creditAmount
	}
	return true, nil
}

func (s *fakeStore) AvailableProviderIDs(ctx context.Context) ([]uint, error) {
	return s.available, nil
}

type fakeGateway struct {
	payoutsEnabled   bool
	detailsSubmitted bool
	balanceMinor     int64
	transfers        []string // idempotency keys
}

func (g *fakeGateway) RetrieveAccount(ctx context.Context, accountID string) (*gateway.Account, error) {
	return &gateway.Account{
		ID:               accountID,
		PayoutsEnabled:   g.payoutsEnabled,
		DetailsSubmitted: g.detailsSubmitted,
	}, nil
}

func (g *fakeGateway) RetrieveBalance(ctx context.Context) (*gateway.Balance, error) {
	return &gateway.Balance{
		Available: []gateway.BalanceAmount{{Amount: g.balanceMinor, Currency: "usd"}},
	}, nil
}

func (g *fakeGateway) CreateTransfer(ctx context.Context, amountMinor int64, currency, destination, idempotencyKey string) (*gateway.Transfer, error) {
	g.transfers = append(g.transfers, idempotencyKey)
	return &gateway.Transfer{ID: "tr_test_1", Amount: amountMinor, Currency: currency, Destination: destination}, nil
}

type sentNotification struct {
	userIDs []string
	title   string
}

type fakeNotifier struct {
	sent []sentNotification
}

func (n *fakeNotifier) Notify(userIDs []string, title, body, screen string, data map[string]string) {
	n.sent = append(n.sent, sentNotification{userIDs: userIDs, title: title})
}

type fakeMailer struct {
	sent []string
}

func (m *fakeMailer) SendRefundConfirmation(to, name string, amount float64) error {
	m.sent = append(m.sent, to)
	return nil
}

func newTestEngine() (*Engine, *fakeStore, *fakeGateway, *fakeNotifier, *fakeMailer) {
	store := newFakeStore()
	gw := &fakeGateway{payoutsEnabled: true, detailsSubmitted: true, balanceMinor: 1_000_000}
	notifier := &fakeNotifier{}
	mailer := &fakeMailer{}
	engine := NewEngine(store, gw, notifier, mailer, "usd")
	return engine, store, gw, notifier, mailer
}

func providerRef(id uint) *uint { return &id }

// seedSettleable wires up a completed booking with a pending $80 earning and
// an onboarded provider.
func seedSettleable(store *fakeStore) {
	store.users[7] = &models.User{
		FullName:        "Pat Provider",
		Email:           "pat@example.com",
		IsProvider:      true,
		StripeAccountID: "acct_test_7",
	}
	store.users[7].ID = 7
	store.bookings[1] = &models.Booking{UserID: 1, ProviderID: providerRef(7), Status: models.BookingStatusCompleted}
	store.bookings[1].ID = 1
	store.earnings[1] = &models.Earning{BookingID: 1, Amount: 80, Status: models.EarningStatusPending}
	store.earnings[1].ID = 11
}

func TestSettleEarning(t *testing.T) {
	engine, store, gw, notifier, _ := newTestEngine()
	seedSettleable(store)

	require.NoError(t, engine.SettleEarning(context.Background(), 1))

	earning := store.earnings[1]
	assert.Equal(t, models.EarningStatusCompleted, earning.Status)
	assert.Equal(t, "tr_test_1", earning.TransferID)
	assert.NotNil(t, earning.CompletionDate)

	assert.InDelta(t, 80.0, store.users[7].AvailableBalance, 0.001)

	require.Len(t, gw.transfers, 1)
	assert.Equal(t, "earning-settlement-11", gw.transfers[0])

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, []string{"7"}, notifier.sent[0].userIDs)
}

func TestSettleEarningIsIdempotent(t *testing.T) {
	engine, store, gw, _, _ := newTestEngine()
	seedSettleable(store)

	require.NoError(t, engine.SettleEarning(context.Background(), 1))
	require.NoError(t, engine.SettleEarning(context.Background(), 1))

	assert.Len(t, gw.transfers, 1, "second delivery must not transfer again")
	assert.InDelta(t, 80.0, store.users[7].AvailableBalance, 0.001, "balance credited exactly once")
}

func TestSettleEarningNoOpsOnMissingEarning(t *testing.T) {
	engine, _, gw, _, _ := newTestEngine()

	require.NoError(t, engine.SettleEarning(context.Background(), 404))
	assert.Empty(t, gw.transfers)
}

func TestSettleEarningNoOpsOnIncompleteOnboarding(t *testing.T) {
	engine, store, gw, _, _ := newTestEngine()
	seedSettleable(store)
	gw.detailsSubmitted = false

	require.NoError(t, engine.SettleEarning(context.Background(), 1))

	assert.Empty(t, gw.transfers)
	assert.Equal(t, models.EarningStatusPending, store.earnings[1].Status)
}

func TestSettleEarningNoOpsOnInsufficientBalance(t *testing.T) {
	engine, store, gw, _, _ := newTestEngine()
	seedSettleable(store)
	gw.balanceMinor = 500

	require.NoError(t, engine.SettleEarning(context.Background(), 1))

	assert.Empty(t, gw.transfers)
	assert.Equal(t, models.EarningStatusPending, store.earnings[1].Status)
	assert.Zero(t, store.users[7].AvailableBalance)
}

func TestHandlePaymentSucceeded(t *testing.T) {
	engine, store, _, notifier, _ := newTestEngine()
	store.bookings[1] = &models.Booking{UserID: 1, Status: models.BookingStatusPending, JobType: "plumbing"}
	store.bookings[1].ID = 1
	store.payments[21] = &models.Payment{BookingID: 1, Status: models.PaymentStatusPending, PaymentIntentID: "pi_test_1"}
	store.payments[21].ID = 21
	store.available = []uint{7, 8}

	intent := &gateway.PaymentIntent{ID: "pi_test_1", Status: "succeeded"}
	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), intent))

	assert.Equal(t, models.PaymentStatusCompleted, store.payments[21].Status)
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, []string{"7", "8"}, notifier.sent[0].userIDs)
}

func TestHandlePaymentSucceededDuplicateDelivery(t *testing.T) {
	engine, store, _, notifier, _ := newTestEngine()
	store.bookings[1] = &models.Booking{UserID: 1, Status: models.BookingStatusPending}
	store.bookings[1].ID = 1
	store.payments[21] = &models.Payment{BookingID: 1, Status: models.PaymentStatusPending, PaymentIntentID: "pi_test_1"}
	store.payments[21].ID = 21
	store.available = []uint{7}

	intent := &gateway.PaymentIntent{ID: "pi_test_1", Status: "succeeded"}
	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), intent))
	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), intent))

	assert.Equal(t, models.PaymentStatusCompleted, store.payments[21].Status)
	assert.Len(t, notifier.sent, 1, "second delivery must not re-broadcast")
}

func TestHandlePaymentSucceededUnknownIntent(t *testing.T) {
	engine, _, _, notifier, _ := newTestEngine()

	intent := &gateway.PaymentIntent{ID: "pi_unknown", Status: "succeeded"}
	require.NoError(t, engine.HandlePaymentSucceeded(context.Background(), intent))
	assert.Empty(t, notifier.sent)
}

func TestHandleRefundUpdatedSucceeded(t *testing.T) {
	engine, store, _, notifier, mailer := newTestEngine()
	store.users[1] = &models.User{FullName: "Uma User", Email: "uma@example.com"}
	store.users[1].ID = 1
	store.bookings[1] = &models.Booking{UserID: 1, Status: models.BookingStatusCancelled}
	store.bookings[1].ID = 1
	store.payments[21] = &models.Payment{
		BookingID:    1,
		Status:       models.PaymentStatusCompleted,
		RefundID:     "re_test_1",
		RefundStatus: models.RefundStatusPending,
	}
	store.payments[21].ID = 21

	refund := &gateway.Refund{ID: "re_test_1", Amount: 5000, Status: "succeeded", Created: time.Now().Unix()}
	require.NoError(t, engine.HandleRefundUpdated(context.Background(), refund))

	payment := store.payments[21]
	assert.Equal(t, models.RefundStatusSucceeded, payment.RefundStatus)
	assert.InDelta(t, 50.0, payment.RefundAmount, 0.001)

	require.Len(t, notifier.sent, 1)
	assert.Equal(t, []string{"1"}, notifier.sent[0].userIDs)
	assert.Equal(t, []string{"uma@example.com"}, mailer.sent)
}

func TestHandleRefundUpdatedIsMonotonic(t *testing.T) {
	engine, store, _, notifier, _ := newTestEngine()
	store.payments[21] = &models.Payment{
		BookingID:    1,
		RefundID:     "re_test_1",
		RefundStatus: models.RefundStatusSucceeded,
		RefundAmount: 50,
	}
	store.payments[21].ID = 21

	refund := &gateway.Refund{ID: "re_test_1", Amount: 100, Status: "failed", Created: time.Now().Unix()}
	require.NoError(t, engine.HandleRefundUpdated(context.Background(), refund))

	assert.Equal(t, models.RefundStatusSucceeded, store.payments[21].RefundStatus)
	assert.InDelta(t, 50.0, store.payments[21].RefundAmount, 0.001)
	assert.Empty(t, notifier.sent)
}

func TestHandlePayoutFailedRestoresBalance(t *testing.T) {
	engine, store, _, notifier, _ := newTestEngine()
	store.users[7] = &models.User{AvailableBalance: 10}
	store.users[7].ID = 7
	store.payouts["po_test_1"] = &models.Payout{UserID: 7, Amount: 80, Status: models.PayoutStatusPending, PayoutID: "po_test_1"}

	payout := &gateway.Payout{ID: "po_test_1", Status: "failed"}
	require.NoError(t, engine.HandlePayoutUpdate(context.Background(), payout))

	assert.Equal(t, models.PayoutStatusFailed, store.payouts["po_test_1"].Status)
	assert.InDelta(t, 90.0, store.users[7].AvailableBalance, 0.001)
	assert.Len(t, notifier.sent, 1)
}

func TestHandlePayoutFailedRetriesAfterCreditFailure(t *testing.T) {
	engine, store, _, _, _ := newTestEngine()
	store.users[7] = &models.User{}
	store.users[7].ID = 7
	store.payouts["po_test_1"] = &models.Payout{UserID: 7, Amount: 80, Status: models.PayoutStatusPending, PayoutID: "po_test_1"}
	store.creditErr = errors.New("connection reset")

	payout := &gateway.Payout{ID: "po_test_1", Status: "failed"}
	require.Error(t, engine.HandlePayoutUpdate(context.Background(), payout))

	assert.Equal(t, models.PayoutStatusPending, store.payouts["po_test_1"].Status,
		"a failed credit must roll the status move back")
	assert.Zero(t, store.users[7].AvailableBalance)

	require.NoError(t, engine.HandlePayoutUpdate(context.Background(), payout))
	assert.Equal(t, models.PayoutStatusFailed, store.payouts["po_test_1"].Status)
	assert.InDelta(t, 80.0, store.users[7].AvailableBalance, 0.001)
}

func TestHandlePayoutFailedDuplicateDelivery(t *testing.T) {
	engine, store, _, _, _ := newTestEngine()
	store.users[7] = &models.User{}
	store.users[7].ID = 7
	store.payouts["po_test_1"] = &models.Payout{UserID: 7, Amount: 80, Status: models.PayoutStatusPending, PayoutID: "po_test_1"}

	payout := &gateway.Payout{ID: "po_test_1", Status: "failed"}
	require.NoError(t, engine.HandlePayoutUpdate(context.Background(), payout))
	require.NoError(t, engine.HandlePayoutUpdate(context.Background(), payout))

	assert.InDelta(t, 80.0, store.users[7].AvailableBalance, 0.001, "balance restored exactly once")
}

func TestHandlePayoutPaid(t *testing.T) {
	engine, store, _, notifier, _ := newTestEngine()
	store.users[7] = &models.User{}
	store.users[7].ID = 7
	store.payouts["po_test_1"] = &models.Payout{UserID: 7, Amount: 80, Status: models.PayoutStatusPending, PayoutID: "po_test_1"}

	payout := &gateway.Payout{ID: "po_test_1", Status: "paid"}
	require.NoError(t, engine.HandlePayoutUpdate(context.Background(), payout))

	assert.Equal(t, models.PayoutStatusPaid, store.payouts["po_test_1"].Status)
	assert.Zero(t, store.users[7].AvailableBalance)
	assert.Len(t, notifier.sent, 1)
}

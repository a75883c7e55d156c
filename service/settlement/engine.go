package settlement

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"github.com/fixmate/fixmate-server/service/gateway"
)

// Store is the persistence surface of the settlement engine. Status-moving
// writes are conditional on the record still being pending and report whether
// the row moved, which is what keeps duplicate trigger deliveries from
// paying or crediting twice.
type Store interface {
	BookingByID(ctx context.Context, id uint) (*models.Booking, error)
	UserByID(ctx context.Context, id uint) (*models.User, error)
	EarningByBookingID(ctx context.Context, bookingID uint) (*models.Earning, error)

	// SettleEarning marks a pending earning completed with its transfer id and
	// credits the provider's available balance, both in one transaction.
	SettleEarning(ctx context.Context, earningID, providerID uint, amount float64, transferID string, at time.Time) (bool, error)

	PaymentByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	PaymentByRefundID(ctx context.Context, refundID string) (*models.Payment, error)
	// CompletePayment moves a payment from pending to completed.
	CompletePayment(ctx context.Context, paymentID uint) (bool, error)
	// UpdateRefund overwrites the refund sub-record unless it already reached
	// a terminal refund status.
	UpdateRefund(ctx context.Context, payment *models.Payment) (bool, error)

	PayoutByID(ctx context.Context, payoutID string) (*models.Payout, error)
	// FinishPayout moves a pending payout to a terminal status and, when
	// creditAmount is positive, restores it to the owner's balance in the
	// same transaction. A failed credit rolls the status move back too, so a
	// redelivered webhook can retry the whole update.
	FinishPayout(ctx context.Context, payoutID string, status models.PayoutStatus, userID uint, creditAmount float64) (bool, error)

	// AvailableProviderIDs lists approved providers currently open for jobs.
	AvailableProviderIDs(ctx context.Context) ([]uint, error)
}

// Gateway is the slice of the payment processor the settlement engine needs.
type Gateway interface {
	RetrieveAccount(ctx context.Context, accountID string) (*gateway.Account, error)
	RetrieveBalance(ctx context.Context) (*gateway.Balance, error)
	CreateTransfer(ctx context.Context, amountMinor int64, currency, destination, idempotencyKey string) (*gateway.Transfer, error)
}

// Notifier delivers fire-and-forget push notifications.
type Notifier interface {
	Notify(userIDs []string, title, body, screen string, data map[string]string)
}

// Mailer sends transactional email.
type Mailer interface {
	SendRefundConfirmation(to, name string, amount float64) error
}

// Engine reacts to the two asynchronous settlement triggers: the deferred
// earning-complete callback and the payment gateway's webhooks. Every handler
// is idempotent; a redelivered trigger that finds its work already done is a
// successful no-op.
type Engine struct {
	store    Store
	gateway  Gateway
	notifier Notifier
	mailer   Mailer
	currency string
}

func NewEngine(store Store, gw Gateway, notifier Notifier, mailer Mailer, currency string) *Engine {
	return &Engine{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		mailer:   mailer,
		currency: currency,
	}
}

// SettleEarning transfers a completed booking's earning to the provider's
// connected account and credits their balance. Missing records, terminal
// earnings, incomplete onboarding and insufficient platform balance are all
// permanent no-ops returning nil, so the scheduler never redelivers them.
// Only genuine gateway or store outages surface as errors.
func (e *Engine) SettleEarning(ctx context.Context, bookingID uint) error {
	earning, err := e.store.EarningByBookingID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, models.ErrEarningNotFound) {
			log.Printf("No earning for booking %d, nothing to settle", bookingID)
			return nil
		}
		return err
	}
	if earning.Status.Terminal() {
		log.Printf("Earning %d already %s, skipping settlement", earning.ID, earning.Status)
		return nil
	}

	booking, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, models.ErrBookingNotFound) {
			return nil
		}
		return err
	}
	if booking.ProviderID == nil {
		log.Printf("Booking %d has no provider, cannot settle earning %d", bookingID, earning.ID)
		return nil
	}

	provider, err := e.store.UserByID(ctx, *booking.ProviderID)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil
		}
		return err
	}
	if provider.StripeAccountID == "" {
		log.Printf("Provider %d has no connected account, cannot settle earning %d", provider.ID, earning.ID)
		return nil
	}

	account, err := e.gateway.RetrieveAccount(ctx, provider.StripeAccountID)
	if err != nil {
		return fmt.Errorf("error retrieving connected account for provider %d: %w", provider.ID, err)
	}
	if !account.PayoutsEnabled || !account.DetailsSubmitted {
		log.Printf("Connected account %s is not payout-capable yet, cannot settle earning %d", account.ID, earning.ID)
		return nil
	}

	amountMinor := int64(math.Round(earning.Amount * 100))

	balance, err := e.gateway.RetrieveBalance(ctx)
	if err != nil {
		return fmt.Errorf("error retrieving platform balance: %w", err)
	}
	if balance.AvailableFor(e.currency) < amountMinor {
		log.Printf("Insufficient platform balance for earning %d (need %d minor units)", earning.ID, amountMinor)
		return nil
	}

	// The idempotency key pins retries of this exact settlement to a single
	// transfer on the gateway side.
	idempotencyKey := "earning-settlement-" + strconv.FormatUint(uint64(earning.ID), 10)
	transfer, err := e.gateway.CreateTransfer(ctx, amountMinor, e.currency, provider.StripeAccountID, idempotencyKey)
	if err != nil {
		return fmt.Errorf("error transferring earning %d: %w", earning.ID, err)
	}

	ok, err := e.store.SettleEarning(ctx, earning.ID, provider.ID, earning.Amount, transfer.ID, time.Now())
	if err != nil {
		// The transfer went through but the record did not; the transfer id
		// is the reconciliation key.
		return fmt.Errorf("transfer %s succeeded but earning %d was not updated: %w", transfer.ID, earning.ID, err)
	}
	if !ok {
		log.Printf("Earning %d moved concurrently, transfer %s needs reconciliation", earning.ID, transfer.ID)
		return nil
	}

	e.notifier.Notify(
		[]string{formatID(provider.ID)},
		"Payment received",
		fmt.Sprintf("You have been paid $%.2f for a completed job.", earning.Amount),
		"Earnings",
		map[string]string{"bookingId": formatID(bookingID)},
	)
	return nil
}

// HandlePaymentSucceeded marks the intent's payment completed and announces
// the newly payable job to every available provider. A redelivered event that
// finds the payment already completed changes nothing and broadcasts nothing.
func (e *Engine) HandlePaymentSucceeded(ctx context.Context, intent *gateway.PaymentIntent) error {
	payment, err := e.store.PaymentByIntentID(ctx, intent.ID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			log.Printf("No payment for intent %s, ignoring", intent.ID)
			return nil
		}
		return err
	}

	ok, err := e.store.CompletePayment(ctx, payment.ID)
	if err != nil {
		return fmt.Errorf("error completing payment %d: %w", payment.ID, err)
	}
	if !ok {
		return nil
	}

	booking, err := e.store.BookingByID(ctx, payment.BookingID)
	if err != nil {
		if errors.Is(err, models.ErrBookingNotFound) {
			return nil
		}
		return err
	}

	providerIDs, err := e.store.AvailableProviderIDs(ctx)
	if err != nil {
		return fmt.Errorf("error listing available providers: %w", err)
	}
	if len(providerIDs) == 0 {
		return nil
	}

	ids := make([]string, len(providerIDs))
	for i, id := range providerIDs {
		ids[i] = formatID(id)
	}
	e.notifier.Notify(
		ids,
		"New job available",
		fmt.Sprintf("A new %s job is available near you.", booking.JobType),
		"AvailableBookings",
		map[string]string{"bookingId": formatID(booking.ID)},
	)
	return nil
}

// HandleRefundUpdated syncs the payment's refund sub-record with the gateway.
// The sub-record is monotonic: once terminal it never moves again. On a
// succeeded refund the requesting user gets a push and a confirmation email.
func (e *Engine) HandleRefundUpdated(ctx context.Context, refund *gateway.Refund) error {
	payment, err := e.store.PaymentByRefundID(ctx, refund.ID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			log.Printf("No payment for refund %s, ignoring", refund.ID)
			return nil
		}
		return err
	}
	if payment.RefundStatus.Terminal() {
		return nil
	}

	status := refundStatusFromGateway(refund.Status)
	created := time.Unix(refund.Created, 0)

	payment.RefundStatus = status
	payment.RefundAmount = float64(refund.Amount) / 100
	payment.RefundCreatedAt = &created
	payment.RefundDestinationType = refund.DestinationDetails.Type

	ok, err := e.store.UpdateRefund(ctx, payment)
	if err != nil {
		return fmt.Errorf("error updating refund %s: %w", refund.ID, err)
	}
	if !ok || status != models.RefundStatusSucceeded {
		return nil
	}

	booking, err := e.store.BookingByID(ctx, payment.BookingID)
	if err != nil {
		return nil
	}

	e.notifier.Notify(
		[]string{formatID(booking.UserID)},
		"Refund processed",
		fmt.Sprintf("Your refund of $%.2f has been processed.", payment.RefundAmount),
		"BookingDetails",
		map[string]string{"bookingId": formatID(booking.ID)},
	)

	if user, err := e.store.UserByID(ctx, booking.UserID); err == nil {
		if err := e.mailer.SendRefundConfirmation(user.Email, user.FullName, payment.RefundAmount); err != nil {
			log.Printf("Error sending refund confirmation to %s: %v", user.Email, err)
		}
	}
	return nil
}

// HandlePayoutUpdate applies a payout's terminal status. On failed or
// cancelled the owner's balance is credited back in the same transaction as
// the status move, so duplicate delivery cannot credit twice and a failed
// credit leaves the payout pending for the redelivery to retry.
func (e *Engine) HandlePayoutUpdate(ctx context.Context, payout *gateway.Payout) error {
	status := payoutStatusFromGateway(payout.Status)
	if !status.Terminal() {
		log.Printf("Ignoring non-terminal payout status %q for payout %s", payout.Status, payout.ID)
		return nil
	}

	record, err := e.store.PayoutByID(ctx, payout.ID)
	if err != nil {
		if errors.Is(err, models.ErrPayoutNotFound) {
			log.Printf("No payout record for %s, ignoring", payout.ID)
			return nil
		}
		return err
	}

	var creditAmount float64
	if status == models.PayoutStatusFailed || status == models.PayoutStatusCancelled {
		creditAmount = record.Amount
	}

	ok, err := e.store.FinishPayout(ctx, payout.ID, status, record.UserID, creditAmount)
	if err != nil {
		return fmt.Errorf("error updating payout %s: %w", payout.ID, err)
	}
	if !ok {
		return nil
	}

	switch status {
	case models.PayoutStatusPaid:
		e.notifier.Notify(
			[]string{formatID(record.UserID)},
			"Payout sent",
			fmt.Sprintf("Your payout of $%.2f is on its way to your bank.", record.Amount),
			"Earnings",
			map[string]string{"payoutId": payout.ID},
		)
	case models.PayoutStatusFailed, models.PayoutStatusCancelled:
		e.notifier.Notify(
			[]string{formatID(record.UserID)},
			"Payout "+string(status),
			fmt.Sprintf("Your payout of $%.2f could not be delivered. The amount is back in your balance.", record.Amount),
			"Earnings",
			map[string]string{"payoutId": payout.ID},
		)
	}
	return nil
}

func refundStatusFromGateway(status string) models.RefundStatus {
	switch status {
	case "succeeded":
		return models.RefundStatusSucceeded
	case "failed":
		return models.RefundStatusFailed
	case "canceled":
		return models.RefundStatusCancelled
	default:
		return models.RefundStatusPending
	}
}

func payoutStatusFromGateway(status string) models.PayoutStatus {
	switch status {
	case "paid":
		return models.PayoutStatusPaid
	case "failed":
		return models.PayoutStatusFailed
	case "canceled":
		return models.PayoutStatusCancelled
	default:
		return models.PayoutStatusPending
	}
}

func formatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

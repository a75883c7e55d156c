package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"github.com/fixmate/fixmate-server/service/gateway"
	"github.com/google/uuid"
)

// Store is the persistence surface the lifecycle engine drives. Transition
// writes are conditional on the current status and report whether the row
// actually moved, so two racing callers resolve to exactly one winner without
// any locking above the database.
type Store interface {
	BookingByID(ctx context.Context, id uint) (*models.Booking, error)
	CreateBooking(ctx context.Context, booking *models.Booking) error
	DeleteBooking(ctx context.Context, id uint) error
	CreatePayment(ctx context.Context, payment *models.Payment) error
	CompletedPayment(ctx context.Context, bookingID uint) (*models.Payment, error)
	SaveRefund(ctx context.Context, payment *models.Payment) error

	// AssignProvider sets the provider on a pending, unassigned booking.
	AssignProvider(ctx context.Context, bookingID, providerID uint) (bool, error)
	// MarkStartRequested flags the booking as awaiting user approval.
	MarkStartRequested(ctx context.Context, bookingID uint) error
	// MarkInProgress moves pending -> in_progress once approval was requested.
	MarkInProgress(ctx context.Context, bookingID uint) (bool, error)
	// CompleteBooking atomically creates the earning and moves
	// in_progress -> completed; neither lands if the other cannot.
	CompleteBooking(ctx context.Context, bookingID, actorID uint, at time.Time, earning *models.Earning) (bool, error)
	// CancelBooking moves pending -> cancelled, recording the actor.
	CancelBooking(ctx context.Context, bookingID, actorID uint, at time.Time) (bool, error)
}

// Gateway is the slice of the payment processor the lifecycle engine needs.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error)
	RetrievePaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error)
	CreateRefund(ctx context.Context, paymentIntentID string) (*gateway.Refund, error)
}

// Scheduler defers an HTTP callback to a later time.
type Scheduler interface {
	CreateTask(ctx context.Context, targetURL string, payload interface{}, scheduleAt time.Time) error
}

// Notifier delivers fire-and-forget push notifications.
type Notifier interface {
	Notify(userIDs []string, title, body, screen string, data map[string]string)
}

// Config carries the tunables of the booking lifecycle. Commission rate and
// the two delays are deployment configuration, never compiled in.
type Config struct {
	CommissionRate  float64       // platform share of a payment, 0..1
	SettlementDelay time.Duration // completion -> earning settlement callback
	ExpiryDelay     time.Duration // creation -> unaccepted-booking expiry callback
	AcceptLeadTime  time.Duration // minimum gap between accept and start time
	ServerBaseURL   string        // where task callbacks are delivered
	Currency        string
}

// ConfigFromEnv reads the lifecycle configuration, falling back to defaults
// for anything unset.
func ConfigFromEnv() Config {
	cfg := Config{
		CommissionRate:  0.20,
		SettlementDelay: 5 * 24 * time.Hour,
		ExpiryDelay:     24 * time.Hour,
		AcceptLeadTime:  10 * time.Minute,
		ServerBaseURL:   os.Getenv("SERVER_BASE_URL"),
		Currency:        "usd",
	}
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate >= 0 && rate < 1 {
			cfg.CommissionRate = rate
		}
	}
	if v := os.Getenv("SETTLEMENT_DELAY_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.SettlementDelay = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("BOOKING_EXPIRY_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.ExpiryDelay = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("ACCEPT_LEAD_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.AcceptLeadTime = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("CURRENCY"); v != "" {
		cfg.Currency = v
	}
	return cfg
}

// Engine owns the booking state machine: pending -> in_progress ->
// completed/cancelled, with cancellation also reachable from pending and via
// expiry. Every transition re-checks its precondition at commit time.
type Engine struct {
	store     Store
	gateway   Gateway
	scheduler Scheduler
	notifier  Notifier
	cfg       Config
}

func NewEngine(store Store, gw Gateway, scheduler Scheduler, notifier Notifier, cfg Config) *Engine {
	return &Engine{
		store:     store,
		gateway:   gw,
		scheduler: scheduler,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// CreateRequest is a new booking submission.
type CreateRequest struct {
	UserID      uint
	StartDate   time.Time
	Amount      float64
	JobType     string
	Description string
	Address     string
}

// Create persists a pending booking, opens a payment intent for it and
// schedules the unaccepted-booking expiry callback. The returned payment
// carries the client secret the app confirms the intent with.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*models.Booking, *models.Payment, error) {
	if req.Amount <= 0 {
		return nil, nil, fmt.Errorf("booking amount must be positive")
	}

	booking := &models.Booking{
		Reference:   uuid.NewString(),
		UserID:      req.UserID,
		StartDate:   req.StartDate,
		Status:      models.BookingStatusPending,
		JobType:     req.JobType,
		Description: req.Description,
		Address:     req.Address,
	}
	if err := e.store.CreateBooking(ctx, booking); err != nil {
		return nil, nil, fmt.Errorf("error creating booking: %w", err)
	}

	intent, err := e.gateway.CreatePaymentIntent(ctx, toMinorUnits(req.Amount), e.cfg.Currency, map[string]string{
		"bookingId": strconv.FormatUint(uint64(booking.ID), 10),
	})
	if err != nil {
		// Without an intent the booking can never be paid, so take it back out.
		if delErr := e.store.DeleteBooking(ctx, booking.ID); delErr != nil {
			log.Printf("Error removing booking %d after intent failure: %v", booking.ID, delErr)
		}
		return nil, nil, fmt.Errorf("error creating payment intent for booking %d: %w", booking.ID, err)
	}

	payment := &models.Payment{
		BookingID:       booking.ID,
		Amount:          req.Amount,
		Status:          models.PaymentStatusPending,
		PaymentIntentID: intent.ID,
		ClientSecret:    intent.ClientSecret,
	}
	if err := e.store.CreatePayment(ctx, payment); err != nil {
		return nil, nil, fmt.Errorf("error creating payment for booking %d: %w", booking.ID, err)
	}

	// Expiry is best-effort at creation time: a booking that never expires
	// automatically is an operational nuisance, not a consistency hazard.
	expiryURL := e.cfg.ServerBaseURL + "/api/v1/webhooks/tasks/booking-expired"
	if err := e.scheduler.CreateTask(ctx, expiryURL, taskPayload{BookingID: booking.ID}, time.Now().Add(e.cfg.ExpiryDelay)); err != nil {
		log.Printf("Error scheduling expiry for booking %d: %v", booking.ID, err)
	}

	return booking, payment, nil
}

// Accept assigns a provider to a pending, unassigned, paid booking whose
// start time has not passed. If two providers race, the conditional write
// lets exactly one through; the loser gets ErrAlreadyAccepted.
func (e *Engine) Accept(ctx context.Context, bookingID, providerID uint) error {
	booking, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.Status != models.BookingStatusPending {
		return models.ErrBookingNotPending
	}
	if booking.ProviderID != nil {
		return models.ErrAlreadyAccepted
	}

	if _, err := e.store.CompletedPayment(ctx, bookingID); err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return models.ErrBookingUnpaid
		}
		return err
	}

	if booking.StartDate.Before(time.Now().Add(e.cfg.AcceptLeadTime)) {
		return models.ErrStartTimePassed
	}

	ok, err := e.store.AssignProvider(ctx, bookingID, providerID)
	if err != nil {
		return fmt.Errorf("error accepting booking %d: %w", bookingID, err)
	}
	if !ok {
		return models.ErrAlreadyAccepted
	}
	return nil
}

// RequestStart flags the booking as awaiting the user's approval to begin.
// Only the assigned provider may request it; the status does not change.
func (e *Engine) RequestStart(ctx context.Context, bookingID, providerID uint) error {
	booking, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.ProviderID == nil || *booking.ProviderID != providerID {
		return models.ErrNotAssignedProvider
	}
	if booking.Status != models.BookingStatusPending {
		return models.ErrBookingNotPending
	}

	if err := e.store.MarkStartRequested(ctx, bookingID); err != nil {
		return fmt.Errorf("error requesting start for booking %d: %w", bookingID, err)
	}

	e.notifier.Notify(
		[]string{formatID(booking.UserID)},
		"Your booking requires attention!",
		"Please approve the provider's request to start the job.",
		"BookingDetails",
		map[string]string{"bookingId": formatID(bookingID)},
	)
	return nil
}

// ApproveStart is the user's half of the mutual start handshake: it moves the
// booking to in_progress. Time passing alone never starts a booking.
func (e *Engine) ApproveStart(ctx context.Context, bookingID, userID uint) error {
	booking, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.UserID != userID {
		return models.ErrNotBookingParty
	}
	if !booking.UserApprovalRequested {
		return models.ErrStartNotRequested
	}

	ok, err := e.store.MarkInProgress(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("error starting booking %d: %w", bookingID, err)
	}
	if !ok {
		return models.ErrBookingNotPending
	}

	if booking.ProviderID != nil {
		e.notifier.Notify(
			[]string{formatID(*booking.ProviderID)},
			"Job started",
			"The user approved your request. The job is now in progress.",
			"MyOrderDetails",
			map[string]string{"bookingId": formatID(bookingID)},
		)
	}
	return nil
}

// Complete finishes an in-progress booking. The settlement callback is
// scheduled before anything is persisted: a booking must never be marked
// completed without a scheduled settlement, or the earning would sit pending
// forever. If the later persist fails, the callback finds no earning and
// no-ops.
func (e *Engine) Complete(ctx context.Context, bookingID, actorID uint) error {
	booking, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if booking.ProviderID == nil {
		return models.ErrBookingNotInProgress
	}
	if !booking.IsParty(actorID) {
		return models.ErrNotBookingParty
	}
	if booking.Status != models.BookingStatusInProgress {
		return models.ErrBookingNotInProgress
	}

	payment, err := e.store.CompletedPayment(ctx, bookingID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return models.ErrBookingUnpaid
		}
		return err
	}

	settleURL := e.cfg.ServerBaseURL + "/api/v1/webhooks/tasks/earning-complete"
	if err := e.scheduler.CreateTask(ctx, settleURL, taskPayload{BookingID: bookingID}, time.Now().Add(e.cfg.SettlementDelay)); err != nil {
		return fmt.Errorf("error scheduling settlement for booking %d: %w", bookingID, err)
	}

	earning := &models.Earning{
		BookingID: bookingID,
		Amount:    payment.Amount * (1 - e.cfg.CommissionRate),
		Status:    models.EarningStatusPending,
	}

	ok, err := e.store.CompleteBooking(ctx, bookingID, actorID, time.Now(), earning)
	if err != nil {
		return fmt.Errorf("error completing booking %d: %w", bookingID, err)
	}
	if !ok {
		return models.ErrBookingNotInProgress
	}

	e.notifier.Notify(
		[]string{formatID(booking.UserID)},
		"Booking complete",
		"You got the requested service.",
		"BookingDetails",
		map[string]string{"bookingId": formatID(bookingID)},
	)
	e.notifier.Notify(
		[]string{formatID(*booking.ProviderID)},
		"Booking complete",
		"Your job is now complete.",
		"MyOrderDetails",
		map[string]string{"bookingId": formatID(bookingID)},
	)
	return nil
}

// Cancel cancels a pending booking on behalf of either party and initiates a
// refund when the payment had gone through.
func (e *Engine) Cancel(ctx context.Context, bookingID, actorID uint) error {
	booking, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		return err
	}
	if !booking.IsParty(actorID) {
		return models.ErrNotBookingParty
	}
	if booking.Status != models.BookingStatusPending {
		return models.ErrBookingNotPending
	}

	ok, err := e.store.CancelBooking(ctx, bookingID, actorID, time.Now())
	if err != nil {
		return fmt.Errorf("error cancelling booking %d: %w", bookingID, err)
	}
	if !ok {
		return models.ErrBookingNotPending
	}

	e.notifyCancelled(booking)

	if err := e.initiateRefund(ctx, bookingID); err != nil {
		return fmt.Errorf("error refunding booking %d: %w", bookingID, err)
	}
	return nil
}

// Expire cancels a booking that is still unaccepted when its expiry callback
// fires, acting as the original requester. Every branch that finds the
// booking already moved on is a silent no-op: the scheduler must not retry.
func (e *Engine) Expire(ctx context.Context, bookingID uint) error {
	booking, err := e.store.BookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, models.ErrBookingNotFound) {
			return nil
		}
		return err
	}
	if booking.ProviderID != nil || booking.Status != models.BookingStatusPending {
		return nil
	}

	ok, err := e.store.CancelBooking(ctx, bookingID, booking.UserID, time.Now())
	if err != nil {
		return fmt.Errorf("error expiring booking %d: %w", bookingID, err)
	}
	if !ok {
		// Lost the race against an accept or a manual cancel.
		return nil
	}

	log.Printf("Booking %d expired while unaccepted, cancelled", bookingID)
	e.notifyCancelled(booking)

	if err := e.initiateRefund(ctx, bookingID); err != nil {
		return fmt.Errorf("error refunding expired booking %d: %w", bookingID, err)
	}
	return nil
}

// initiateRefund starts a refund for the booking's payment if one completed.
// The refund lands as pending; the gateway's refund webhook drives it to its
// terminal status later.
func (e *Engine) initiateRefund(ctx context.Context, bookingID uint) error {
	payment, err := e.store.CompletedPayment(ctx, bookingID)
	if err != nil {
		if errors.Is(err, models.ErrPaymentNotFound) {
			return nil
		}
		return err
	}

	intent, err := e.gateway.RetrievePaymentIntent(ctx, payment.PaymentIntentID)
	if err != nil {
		return err
	}
	if intent.Status != "succeeded" {
		log.Printf("Payment intent %s was not paid, no refund needed", payment.PaymentIntentID)
		return nil
	}

	refund, err := e.gateway.CreateRefund(ctx, payment.PaymentIntentID)
	if err != nil {
		return err
	}

	created := time.Unix(refund.Created, 0)
	payment.RefundStatus = models.RefundStatusPending
	payment.RefundID = refund.ID
	payment.RefundAmount = float64(refund.Amount) / 100
	payment.RefundCreatedAt = &created
	payment.RefundDestinationType = refund.DestinationDetails.Type
	return e.store.SaveRefund(ctx, payment)
}

func (e *Engine) notifyCancelled(booking *models.Booking) {
	e.notifier.Notify(
		[]string{formatID(booking.UserID)},
		"Booking cancelled",
		"Your booking has been cancelled.",
		"BookingDetails",
		map[string]string{"bookingId": formatID(booking.ID)},
	)
	if booking.ProviderID != nil {
		e.notifier.Notify(
			[]string{formatID(*booking.ProviderID)},
			"Booking cancelled",
			"A booking has been cancelled.",
			"MyOrderDetails",
			map[string]string{"bookingId": formatID(booking.ID)},
		)
	}
}

type taskPayload struct {
	BookingID uint `json:"bookingId"`
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func formatID(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

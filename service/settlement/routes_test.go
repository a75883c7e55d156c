package settlement

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	expired []uint
}

func (e *fakeExpirer) Expire(ctx context.Context, bookingID uint) error {
	e.expired = append(e.expired, bookingID)
	return nil
}

func newTestHandler() (*WebhookHandler, *fakeStore, *fakeExpirer, *mux.Router) {
	engine, store, _, _, _ := newTestEngine()
	expirer := &fakeExpirer{}
	handler := &WebhookHandler{
		engine:          engine,
		expirer:         expirer,
		taskSecret:      "task-secret",
		platformSecret:  "whsec_platform",
		connectedSecret: "whsec_connected",
	}
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return handler, store, expirer, router
}

func signPayload(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestEarningCompleteCallback(t *testing.T) {
	_, store, _, router := newTestHandler()
	seedSettleable(store)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tasks/earning-complete",
		bytes.NewReader([]byte(`{"bookingId":1}`)))
	req.Header.Set("Authorization", "Bearer task-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.EarningStatusCompleted, store.earnings[1].Status)
}

func TestEarningCompleteCallbackIsAckedOnNoOp(t *testing.T) {
	_, _, _, router := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tasks/earning-complete",
		bytes.NewReader([]byte(`{"bookingId":404}`)))
	req.Header.Set("Authorization", "Bearer task-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "missing records must not trigger a retry")
}

func TestTaskCallbackRejectsBadSecret(t *testing.T) {
	_, _, expirer, router := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tasks/booking-expired",
		bytes.NewReader([]byte(`{"bookingId":1}`)))
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, expirer.expired)
}

func TestBookingExpiredCallback(t *testing.T) {
	_, _, expirer, router := newTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/tasks/booking-expired",
		bytes.NewReader([]byte(`{"bookingId":42}`)))
	req.Header.Set("Authorization", "Bearer task-secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uint{42}, expirer.expired)
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	_, _, _, router := newTestHandler()
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_test_1"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "wrong-secret"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhookPaymentSucceeded(t *testing.T) {
	_, store, _, router := newTestHandler()
	store.bookings[1] = &models.Booking{UserID: 1, Status: models.BookingStatusPending}
	store.bookings[1].ID = 1
	store.payments[21] = &models.Payment{BookingID: 1, Status: models.PaymentStatusPending, PaymentIntentID: "pi_test_1"}
	store.payments[21].ID = 21

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_test_1","status":"succeeded"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_platform"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PaymentStatusCompleted, store.payments[21].Status)
}

func TestStripeWebhookAcksUnknownEventType(t *testing.T) {
	_, _, _, router := newTestHandler()
	payload := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_platform"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConnectedWebhookPayoutFailed(t *testing.T) {
	_, store, _, router := newTestHandler()
	store.users[7] = &models.User{}
	store.users[7].ID = 7
	store.payouts["po_test_1"] = &models.Payout{UserID: 7, Amount: 80, Status: models.PayoutStatusPending, PayoutID: "po_test_1"}

	payload := []byte(`{"id":"evt_2","type":"payout.failed","data":{"object":{"id":"po_test_1","status":"failed"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/connected", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(payload, "whsec_connected"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.PayoutStatusFailed, store.payouts["po_test_1"].Status)
	assert.InDelta(t, 80.0, store.users[7].AvailableBalance, 0.001)
}

package settlement

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/fixmate/fixmate-server/service/gateway"
	"github.com/gorilla/mux"
)

const maxWebhookBody = 65536

// Expirer cancels a booking that outlived its acceptance window.
type Expirer interface {
	Expire(ctx context.Context, bookingID uint) error
}

// WebhookHandler receives the deferred task callbacks and the payment
// gateway's webhooks. Task callbacks answer 200 on every logical no-op so the
// scheduler never redelivers them; only transient upstream failures get a 500.
type WebhookHandler struct {
	engine          *Engine
	expirer         Expirer
	taskSecret      string
	platformSecret  string
	connectedSecret string
}

func NewWebhookHandler(engine *Engine, expirer Expirer) *WebhookHandler {
	return &WebhookHandler{
		engine:          engine,
		expirer:         expirer,
		taskSecret:      os.Getenv("CLOUD_TASKS_SECRET"),
		platformSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		connectedSecret: os.Getenv("STRIPE_CONNECTED_WEBHOOK_SECRET"),
	}
}

func (h *WebhookHandler) RegisterRoutes(router *mux.Router) {
	webhookRouter := router.PathPrefix("/webhooks").Subrouter()

	webhookRouter.HandleFunc("/tasks/earning-complete", h.HandleEarningComplete).Methods("POST")
	webhookRouter.HandleFunc("/tasks/booking-expired", h.HandleBookingExpired).Methods("POST")
	webhookRouter.HandleFunc("/stripe", h.stripeWebhook(h.platformSecret)).Methods("POST")
	webhookRouter.HandleFunc("/stripe/connected", h.stripeWebhook(h.connectedSecret)).Methods("POST")
}

// HandleEarningComplete is the deferred settlement callback.
func (h *WebhookHandler) HandleEarningComplete(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	if err := h.engine.SettleEarning(r.Context(), bookingID); err != nil {
		log.Printf("Error settling earning for booking %d: %v", bookingID, err)
		writeMessage(w, http.StatusInternalServerError, "Settlement failed.")
		return
	}
	writeMessage(w, http.StatusOK, "Settlement processed.")
}

// HandleBookingExpired is the unaccepted-booking expiry callback.
func (h *WebhookHandler) HandleBookingExpired(w http.ResponseWriter, r *http.Request) {
	bookingID, ok := h.taskRequest(w, r)
	if !ok {
		return
	}

	if err := h.expirer.Expire(r.Context(), bookingID); err != nil {
		log.Printf("Error expiring booking %d: %v", bookingID, err)
		writeMessage(w, http.StatusInternalServerError, "Expiry failed.")
		return
	}
	writeMessage(w, http.StatusOK, "Expiry processed.")
}

// taskRequest authenticates a scheduler callback and extracts its booking id.
func (h *WebhookHandler) taskRequest(w http.ResponseWriter, r *http.Request) (uint, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if h.taskSecret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.taskSecret)) != 1 {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return 0, false
	}

	var body struct {
		BookingID uint `json:"bookingId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.BookingID == 0 {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return 0, false
	}
	return body.BookingID, true
}

// stripeWebhook verifies the event signature against the endpoint's secret
// and dispatches by event type. Unrecognized types are logged and
// acknowledged.
func (h *WebhookHandler) stripeWebhook(secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "Error reading request body", http.StatusServiceUnavailable)
			return
		}

		event, err := gateway.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), secret)
		if err != nil {
			log.Printf("Webhook signature verification failed: %v", err)
			http.Error(w, "Invalid signature", http.StatusBadRequest)
			return
		}

		if err := h.dispatch(r.Context(), event); err != nil {
			log.Printf("Error handling %s event %s: %v", event.Type, event.ID, err)
			writeMessage(w, http.StatusInternalServerError, "Event processing failed.")
			return
		}
		writeMessage(w, http.StatusOK, "Received.")
	}
}

func (h *WebhookHandler) dispatch(ctx context.Context, event *gateway.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		var intent gateway.PaymentIntent
		if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
			return err
		}
		return h.engine.HandlePaymentSucceeded(ctx, &intent)

	case "charge.refund.updated":
		var refund gateway.Refund
		if err := json.Unmarshal(event.Data.Object, &refund); err != nil {
			return err
		}
		return h.engine.HandleRefundUpdated(ctx, &refund)

	case "payout.paid", "payout.failed", "payout.canceled":
		var payout gateway.Payout
		if err := json.Unmarshal(event.Data.Object, &payout); err != nil {
			return err
		}
		return h.engine.HandlePayoutUpdate(ctx, &payout)

	default:
		log.Printf("Ignoring unhandled event type %s", event.Type)
		return nil
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

package provider

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"github.com/fixmate/fixmate-server/cmd/utils"
	"github.com/fixmate/fixmate-server/service/gateway"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type ProviderHandler struct {
	db      *gorm.DB
	gateway *gateway.Client
	// leadTime is the minimum gap between now and a booking's start date
	// for the booking to still be worth offering to providers. It matches
	// the accept guard so the feed never lists a booking accept would reject.
	leadTime time.Duration
}

func NewProviderHandler(db *gorm.DB, gw *gateway.Client, leadTime time.Duration) *ProviderHandler {
	return &ProviderHandler{db: db, gateway: gw, leadTime: leadTime}
}

func (h *ProviderHandler) RegisterRoutes(router *mux.Router) {
	providerRouter := router.PathPrefix("/providers").Subrouter()

	providerRouter.HandleFunc("/bookings/available", utils.AuthMiddleware(h.GetAvailableBookings)).Methods("GET")
	providerRouter.HandleFunc("/orders", utils.AuthMiddleware(h.GetOrders)).Methods("GET")
	providerRouter.HandleFunc("/connected-account", utils.AuthMiddleware(h.CreateConnectedAccount)).Methods("POST")
	providerRouter.HandleFunc("/connected-account", utils.AuthMiddleware(h.GetConnectedAccount)).Methods("GET")
	providerRouter.HandleFunc("/availability", utils.AuthMiddleware(h.UpdateAvailability)).Methods("PATCH")
}

// GetAvailableBookings lists pending, unassigned, paid bookings that are
// still far enough from their start time to be accepted.
func (h *ProviderHandler) GetAvailableBookings(w http.ResponseWriter, r *http.Request) {
	if _, err := utils.GetUserIDFromContext(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	cutoff := time.Now().Add(h.leadTime)
	var bookings []models.Booking
	err := h.db.
		Joins("JOIN payments ON payments.booking_id = bookings.id AND payments.status = ?", models.PaymentStatusCompleted).
		Where("bookings.status = ? AND bookings.provider_id IS NULL AND bookings.start_date >= ?",
			models.BookingStatusPending, cutoff).
		Order("bookings.start_date ASC").
		Find(&bookings).Error
	if err != nil {
		log.Printf("Error listing available bookings: %v", err)
		writeMessage(w, http.StatusInternalServerError, "An error occurred while processing request.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bookings)
}

// GetOrders lists the bookings the calling provider has accepted.
func (h *ProviderHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var bookings []models.Booking
	if err := h.db.Preload("User").
		Where("provider_id = ?", userID).
		Order("start_date ASC").
		Find(&bookings).Error; err != nil {
		writeMessage(w, http.StatusInternalServerError, "An error occurred while processing request.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bookings)
}

// CreateConnectedAccount creates the provider's Stripe Express account if
// they have none yet and returns a fresh onboarding link either way.
func (h *ProviderHandler) CreateConnectedAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		writeMessage(w, http.StatusNotFound, "User not found.")
		return
	}
	if !user.IsProvider {
		writeMessage(w, http.StatusForbidden, "Only providers can onboard a payout account.")
		return
	}

	accountID := user.StripeAccountID
	if accountID == "" {
		account, err := h.gateway.CreateAccount(r.Context(), user.Email)
		if err != nil {
			log.Printf("Error creating connected account for user %d: %v", userID, err)
			writeMessage(w, http.StatusInternalServerError, "Could not create payout account.")
			return
		}
		accountID = account.ID
		if err := h.db.Model(&user).Update("stripe_account_id", accountID).Error; err != nil {
			writeMessage(w, http.StatusInternalServerError, "An error occurred while processing request.")
			return
		}
	}

	baseURL := os.Getenv("SERVER_BASE_URL")
	link, err := h.gateway.CreateAccountLink(r.Context(), accountID,
		baseURL+"/onboarding/refresh", baseURL+"/onboarding/complete")
	if err != nil {
		log.Printf("Error creating onboarding link for user %d: %v", userID, err)
		writeMessage(w, http.StatusInternalServerError, "Could not create onboarding link.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"account_id":     accountID,
		"onboarding_url": link,
	})
}

// GetConnectedAccount reports the onboarding state of the provider's account.
func (h *ProviderHandler) GetConnectedAccount(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		writeMessage(w, http.StatusNotFound, "User not found.")
		return
	}
	if user.StripeAccountID == "" {
		writeMessage(w, http.StatusNotFound, "No payout account on file.")
		return
	}

	account, err := h.gateway.RetrieveAccount(r.Context(), user.StripeAccountID)
	if err != nil {
		log.Printf("Error retrieving connected account for user %d: %v", userID, err)
		writeMessage(w, http.StatusInternalServerError, "Could not retrieve payout account.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"account_id":        account.ID,
		"payouts_enabled":   account.PayoutsEnabled,
		"details_submitted": account.DetailsSubmitted,
	})
}

// UpdateAvailability toggles whether the provider is offered new jobs.
func (h *ProviderHandler) UpdateAvailability(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		Available bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result := h.db.Model(&models.User{}).
		Where("id = ? AND is_provider = ?", userID, true).
		Update("is_provider_available", body.Available)
	if result.Error != nil {
		writeMessage(w, http.StatusInternalServerError, "An error occurred while processing request.")
		return
	}
	if result.RowsAffected == 0 {
		writeMessage(w, http.StatusForbidden, "Only providers can update availability.")
		return
	}

	writeMessage(w, http.StatusOK, "Availability updated.")
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

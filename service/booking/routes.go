package booking

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/fixmate/fixmate-server/cmd/models"
	"github.com/fixmate/fixmate-server/cmd/utils"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type BookingHandler struct {
	db     *gorm.DB
	engine *Engine
}

func NewBookingHandler(db *gorm.DB, engine *Engine) *BookingHandler {
	return &BookingHandler{db: db, engine: engine}
}

func (h *BookingHandler) RegisterRoutes(router *mux.Router) {
	bookingRouter := router.PathPrefix("/bookings").Subrouter()

	bookingRouter.HandleFunc("", utils.AuthMiddleware(h.CreateBooking)).Methods("POST")
	bookingRouter.HandleFunc("", utils.AuthMiddleware(h.GetMyBookings)).Methods("GET")
	bookingRouter.HandleFunc("/{id}", utils.AuthMiddleware(h.GetBooking)).Methods("GET")
	bookingRouter.HandleFunc("/{id}/accept", utils.AuthMiddleware(h.AcceptBooking)).Methods("POST")
	bookingRouter.HandleFunc("/{id}/start", utils.AuthMiddleware(h.RequestStart)).Methods("POST")
	bookingRouter.HandleFunc("/{id}/approve-start", utils.AuthMiddleware(h.ApproveStart)).Methods("POST")
	bookingRouter.HandleFunc("/{id}/complete", utils.AuthMiddleware(h.CompleteBooking)).Methods("POST")
	bookingRouter.HandleFunc("/{id}/cancel", utils.AuthMiddleware(h.CancelBooking)).Methods("POST")
}

// CreateBooking creates a pending booking together with its payment intent.
func (h *BookingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var body struct {
		StartDate   time.Time `json:"start_date"`
		Amount      float64   `json:"amount"`
		JobType     string    `json:"job_type"`
		Description string    `json:"description"`
		Address     string    `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if body.Amount <= 0 || body.StartDate.IsZero() {
		http.Error(w, "Amount and start date are required", http.StatusBadRequest)
		return
	}

	booking, payment, err := h.engine.Create(r.Context(), CreateRequest{
		UserID:      userID,
		StartDate:   body.StartDate,
		Amount:      body.Amount,
		JobType:     body.JobType,
		Description: body.Description,
		Address:     body.Address,
	})
	if err != nil {
		log.Printf("Error creating booking for user %d: %v", userID, err)
		writeMessage(w, http.StatusInternalServerError, "An error occurred while processing request.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"booking":       booking,
		"client_secret": payment.ClientSecret,
	})
}

// GetMyBookings returns the caller's bookings, as requester or provider.
func (h *BookingHandler) GetMyBookings(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var bookings []models.Booking
	if err := h.db.Where("user_id = ? OR provider_id = ?", userID, userID).
		Order("start_date ASC").Find(&bookings).Error; err != nil {
		writeMessage(w, http.StatusInternalServerError, "An error occurred while processing request.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bookings)
}

// GetBooking returns one booking with its payment details.
func (h *BookingHandler) GetBooking(w http.ResponseWriter, r *http.Request) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	bookingID, err := parseBookingID(r)
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	var booking models.Booking
	if err := h.db.Preload("User").Preload("Provider").First(&booking, bookingID).Error; err != nil {
		writeMessage(w, http.StatusNotFound, "Booking not found.")
		return
	}
	if !booking.IsParty(userID) {
		writeMessage(w, http.StatusForbidden, "User is not a party to this booking.")
		return
	}

	var payment models.Payment
	if err := h.db.Where("booking_id = ?", bookingID).First(&payment).Error; err != nil {
		writeMessage(w, http.StatusNotFound, "Payment details not found for this booking.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"booking": booking,
		"payment": payment,
	})
}

// AcceptBooking assigns the calling provider to a pending booking.
func (h *BookingHandler) AcceptBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Accept, "Booking accepted successfully.")
}

// RequestStart flags the booking as awaiting the user's start approval.
func (h *BookingHandler) RequestStart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.RequestStart, "Start approval requested.")
}

// ApproveStart moves the booking to in progress on the user's approval.
func (h *BookingHandler) ApproveStart(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.ApproveStart, "Booking is now in progress.")
}

// CompleteBooking finishes an in-progress booking.
func (h *BookingHandler) CompleteBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Complete, "Booking has been completed.")
}

// CancelBooking cancels a pending booking and initiates a refund if paid.
func (h *BookingHandler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.Cancel, "Booking has been cancelled.")
}

// transition runs one lifecycle operation for the calling user and maps the
// engine's domain errors onto HTTP statuses.
func (h *BookingHandler) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, bookingID, actorID uint) error, success string) {
	userID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	bookingID, err := parseBookingID(r)
	if err != nil {
		http.Error(w, "Invalid booking ID", http.StatusBadRequest)
		return
	}

	if err := op(r.Context(), bookingID, userID); err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			log.Printf("Error on booking %d for user %d: %v", bookingID, userID, err)
			writeMessage(w, status, "An error occurred while processing request.")
			return
		}
		writeMessage(w, status, err.Error())
		return
	}

	writeMessage(w, http.StatusOK, success)
}

func parseBookingID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	return uint(id), err
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrBookingNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotBookingParty),
		errors.Is(err, models.ErrNotAssignedProvider):
		return http.StatusForbidden
	case errors.Is(err, models.ErrBookingNotPending),
		errors.Is(err, models.ErrBookingNotInProgress),
		errors.Is(err, models.ErrAlreadyAccepted),
		errors.Is(err, models.ErrBookingUnpaid),
		errors.Is(err, models.ErrStartTimePassed),
		errors.Is(err, models.ErrStartNotRequested):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

package api

import (
	"log"
	"net/http"

	"github.com/fixmate/fixmate-server/service/booking"
	"github.com/fixmate/fixmate-server/service/email"
	"github.com/fixmate/fixmate-server/service/gateway"
	notification "github.com/fixmate/fixmate-server/service/notifications"
	"github.com/fixmate/fixmate-server/service/provider"
	"github.com/fixmate/fixmate-server/service/settlement"
	"github.com/fixmate/fixmate-server/service/tasks"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"gorm.io/gorm"
)

type APIServer struct {
	address string
	db      *gorm.DB
}

func NewApiServer(address string, db *gorm.DB) *APIServer {
	return &APIServer{
		address: address,
		db:      db,
	}
}

func (s *APIServer) Run() error {
	router := mux.NewRouter()
	subrouter := router.PathPrefix("/api/v1").Subrouter()

	stripeClient := gateway.NewClient()
	scheduler := tasks.NewClient()
	dispatcher := notification.NewDispatcher(s.db)
	mailer := email.NewMailer()
	cfg := booking.ConfigFromEnv()

	bookingEngine := booking.NewEngine(booking.NewStore(s.db), stripeClient, scheduler, dispatcher, cfg)
	bookingHandler := booking.NewBookingHandler(s.db, bookingEngine)
	bookingHandler.RegisterRoutes(subrouter)

	providerHandler := provider.NewProviderHandler(s.db, stripeClient, cfg.AcceptLeadTime)
	providerHandler.RegisterRoutes(subrouter)

	notificationHandler := notification.NewNotificationHandler(s.db)
	notificationHandler.RegisterRoutes(subrouter)

	settlementEngine := settlement.NewEngine(settlement.NewStore(s.db), stripeClient, dispatcher, mailer, cfg.Currency)
	webhookHandler := settlement.NewWebhookHandler(settlementEngine, bookingEngine)
	webhookHandler.RegisterRoutes(subrouter)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)

	log.Println("Server running at", s.address)
	return http.ListenAndServe(s.address, cors(router))
}

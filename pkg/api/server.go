package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"paygate/internal/pending"
	"paygate/internal/reconcile"
	"paygate/internal/refund"
)

// CheckoutService starts a checkout session and returns the provider URL.
type CheckoutService interface {
	Start(ctx context.Context, cartID int64) (string, error)
}

// Reconciler runs a locked reconciliation pass for a payment id.
type Reconciler interface {
	ReconcileLocked(ctx context.Context, paymentID string) (reconcile.Result, error)
}

// PendingReader resolves the pending payment referenced by a return URL.
type PendingReader interface {
	GetByID(id int64) (*pending.Payment, error)
}

// RefundService issues ledger-bounded refunds.
type RefundService interface {
	Refund(ctx context.Context, paymentID string, amountUnit int64) (*refund.Record, error)
}

// HealthProbe is the callback health-check surface.
type HealthProbe interface {
	Validate(nonce string)
	Status() string
}

// Config carries the host-side redirect targets.
type Config struct {
	// CartURL is where payers land when a payment cannot be completed.
	CartURL string
	// ConfirmationURL is where payers land after a successful payment.
	ConfirmationURL string
}

// Server represents the HTTP server
type Server struct {
	router     *mux.Router
	port       string
	cfg        Config
	checkout   CheckoutService
	reconciler Reconciler
	pending    PendingReader
	refunds    RefundService
	probe      HealthProbe
}

// NewServer creates a new server instance
func NewServer(port string, cfg Config, checkout CheckoutService, reconciler Reconciler, pendingReader PendingReader, refunds RefundService, probe HealthProbe) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		port:       port,
		cfg:        cfg,
		checkout:   checkout,
		reconciler: reconciler,
		pending:    pendingReader,
		refunds:    refunds,
		probe:      probe,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 1. Checkout initiation: redirects the payer to the provider
	api.HandleFunc("/checkout", s.startCheckout).Methods("POST")

	// 2. Payer return: reconcile, then redirect to confirmation or cart
	api.HandleFunc("/return", s.payerReturn).Methods("GET")

	// 3. Provider callback: reconcile, always 204
	api.HandleFunc("/callback", s.providerCallback).Methods("GET", "POST")

	// 4. Callback health probe
	api.HandleFunc("/callback-health", s.callbackHealth).Methods("GET", "POST")

	// 5. Refunds (ledger-bounded)
	api.HandleFunc("/refunds", s.createRefund).Methods("POST")

	// 6. Service health
	api.HandleFunc("/health", s.health).Methods("GET")
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	glog.Infof("Starting server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, s.router)
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// sendResponse sends a JSON response
func (s *Server) sendResponse(w http.ResponseWriter, statusCode int, success bool, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{
		Success: success,
		Message: message,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

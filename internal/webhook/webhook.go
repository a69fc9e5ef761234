// Package webhook implements the async order postback surface (spec §6.1
// expansion): an HTTP server that receives broker-initiated order status
// notifications and hands each one to the registered callbacks.
//
// Grounded on the teacher's internal/webhook (Dhan order-status postback
// server): same registered-callback fan-out and recent-updates ring buffer,
// generalized from a single broker's payload shape to the generic
// OrderUpdate vocabulary internal/tools already speaks, and routed with
// github.com/gorilla/mux instead of the teacher's raw http.ServeMux, since
// this path now shares a process with /healthz and /metrics. The webhook
// runs its own server, serving the postback path and GET /health.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Config holds webhook server settings.
type Config struct {
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`
}

// Postback is the JSON body a capability adapter's broker posts when an
// order's status changes. Unlike the eight request/response contracts in
// internal/tools, this shape is asynchronous and broker-initiated — there
// is no corresponding outbound call for the orchestrator to correlate it
// with except OrderID/CorrelationID.
type Postback struct {
	OrderID       string  `json:"order_id"`
	CorrelationID string  `json:"correlation_id"` // the signal/strategy tag used when placing the order
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"` // broker-native spelling; normalized by normalizeStatus
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	FilledQty     float64 `json:"filled_qty"`
	PendingQty    float64 `json:"pending_qty"`
	AveragePrice  float64 `json:"average_price"`
	ErrorCode     string  `json:"error_code"`
	ErrorMessage  string  `json:"error_message"`
}

// OrderUpdate is the normalized representation handed to callbacks. Status
// uses the same lowercase vocabulary as tools.OrderAck.Status
// ("filled", "rejected", "cancelled", "pending", "open"), so a handler that
// folds an update into a cycle record never special-cases its source.
type OrderUpdate struct {
	OrderID       string
	CorrelationID string
	Symbol        string
	Status        string
	Side          string
	Quantity      float64
	FilledQty     float64
	PendingQty    float64
	AveragePrice  float64
	ErrorCode     string
	ErrorMessage  string
	ReceivedAt    time.Time
}

// OrderUpdateHandler is called whenever a valid postback is received.
type OrderUpdateHandler func(update OrderUpdate)

// Server is the HTTP webhook receiver.
type Server struct {
	cfg      Config
	logger   *log.Logger
	srv      *http.Server
	mu       sync.RWMutex
	handlers []OrderUpdateHandler
	updates  []OrderUpdate // ring buffer of recent updates, for status/debug
}

// NewServer creates a webhook server. It does not start listening until
// Start is called.
func NewServer(cfg Config, logger *log.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// OnOrderUpdate registers a handler invoked for every validated postback.
// Multiple handlers may be registered.
func (s *Server) OnOrderUpdate(h OrderUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// RecentUpdates returns a copy of the last n order updates.
func (s *Server) RecentUpdates(n int) []OrderUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.updates) {
		n = len(s.updates)
	}
	out := make([]OrderUpdate, n)
	copy(out, s.updates[len(s.updates)-n:])
	return out
}

// Start begins listening for postback HTTP requests in a background
// goroutine and returns immediately.
func (s *Server) Start() error {
	path := s.cfg.Path
	if path == "" {
		path = "/webhook/order"
	}

	router := mux.NewRouter()
	router.HandleFunc(path, s.handlePostback).Methods(http.MethodPost)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	}).Methods(http.MethodGet)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Printf("[webhook] starting server on %s%s", addr, path)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("[webhook] server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the webhook server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Println("[webhook] shutting down server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pb Postback
	if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
		s.logger.Printf("[webhook] invalid JSON payload: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if pb.OrderID == "" {
		s.logger.Println("[webhook] missing order_id in postback")
		http.Error(w, "missing order_id", http.StatusBadRequest)
		return
	}

	update := OrderUpdate{
		OrderID:       pb.OrderID,
		CorrelationID: pb.CorrelationID,
		Symbol:        pb.Symbol,
		Status:        normalizeStatus(pb.Status),
		Side:          pb.Side,
		Quantity:      pb.Quantity,
		FilledQty:     pb.FilledQty,
		PendingQty:    pb.PendingQty,
		AveragePrice:  pb.AveragePrice,
		ErrorCode:     pb.ErrorCode,
		ErrorMessage:  pb.ErrorMessage,
		ReceivedAt:    time.Now(),
	}

	s.logger.Printf("[webhook] postback: order=%s symbol=%s status=%s filled=%.0f/%.0f price=%.2f",
		update.OrderID, update.Symbol, update.Status, update.FilledQty, update.Quantity, update.AveragePrice)

	s.mu.Lock()
	s.updates = append(s.updates, update)
	if len(s.updates) > 100 {
		s.updates = s.updates[len(s.updates)-100:]
	}
	handlers := make([]OrderUpdateHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.Unlock()

	for _, h := range handlers {
		h(update)
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"received":true}`)
}

// normalizeStatus canonicalizes a broker-native status spelling onto the
// lowercase vocabulary tools.OrderAck.Status already uses, so a handler
// never has to special-case which adapter a fill came from.
func normalizeStatus(s string) string {
	switch strings.ToUpper(s) {
	case "TRADED", "FILLED", "COMPLETE", "COMPLETED":
		return "filled"
	case "CANCELLED", "CANCELED", "EXPIRED":
		return "cancelled"
	case "REJECTED":
		return "rejected"
	case "PART_TRADED", "PARTIALLY_FILLED", "TRIGGERED", "OPEN":
		return "open"
	case "PENDING", "TRANSIT", "":
		return "pending"
	default:
		return strings.ToLower(s)
	}
}

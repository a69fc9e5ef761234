package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestServer() *Server {
	logger := log.New(os.Stdout, "[test-webhook] ", log.LstdFlags)
	return NewServer(Config{
		Port:    0, // not used in tests (we use httptest)
		Path:    "/webhook/order",
		Enabled: true,
	}, logger)
}

// postJSON sends a POST request with a JSON body to the server's handler.
func postJSON(s *Server, body interface{}) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/webhook/order", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handlePostback(w, req)
	return w
}

func TestPostback_Filled(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	pb := Postback{
		OrderID:       "ORD-123456",
		CorrelationID: "sig_momentum_AAPL",
		Symbol:        "AAPL",
		Status:        "TRADED",
		Side:          "buy",
		Quantity:      10,
		FilledQty:     10,
		AveragePrice:  1249.80,
	}

	resp := postJSON(s, pb)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.OrderID != "ORD-123456" {
		t.Errorf("expected OrderID ORD-123456, got %s", received.OrderID)
	}
	if received.Status != "filled" {
		t.Errorf("expected status filled, got %s", received.Status)
	}
	if received.Symbol != "AAPL" {
		t.Errorf("expected symbol AAPL, got %s", received.Symbol)
	}
	if received.Side != "buy" {
		t.Errorf("expected side buy, got %s", received.Side)
	}
	if received.FilledQty != 10 {
		t.Errorf("expected filledQty 10, got %v", received.FilledQty)
	}
	if received.AveragePrice != 1249.80 {
		t.Errorf("expected avgPrice 1249.80, got %.2f", received.AveragePrice)
	}
	if received.CorrelationID != "sig_momentum_AAPL" {
		t.Errorf("expected correlationID sig_momentum_AAPL, got %s", received.CorrelationID)
	}
	if received.PendingQty != 0 {
		t.Errorf("expected pendingQty 0, got %v", received.PendingQty)
	}
}

func TestPostback_Rejected(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	pb := Postback{
		OrderID:      "ORD-789",
		Status:       "REJECTED",
		Side:         "buy",
		Symbol:       "TSLA",
		Quantity:     5,
		ErrorCode:    "INSUFFICIENT_FUNDS",
		ErrorMessage: "Insufficient margin",
	}

	resp := postJSON(s, pb)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != "rejected" {
		t.Errorf("expected status rejected, got %s", received.Status)
	}
	if received.ErrorCode != "INSUFFICIENT_FUNDS" {
		t.Errorf("expected errorCode INSUFFICIENT_FUNDS, got %s", received.ErrorCode)
	}
	if received.ErrorMessage != "Insufficient margin" {
		t.Errorf("expected errorMessage 'Insufficient margin', got %s", received.ErrorMessage)
	}
}

func TestPostback_Cancelled(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	pb := Postback{
		OrderID:   "ORD-CXL-100",
		Status:    "CANCELLED",
		Side:      "sell",
		Symbol:    "MSFT",
		Quantity:  20,
		FilledQty: 0,
	}

	resp := postJSON(s, pb)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != "cancelled" {
		t.Errorf("expected cancelled, got %s", received.Status)
	}
	if received.Side != "sell" {
		t.Errorf("expected side sell, got %s", received.Side)
	}
}

func TestPostback_PartialFill(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	pb := Postback{
		OrderID:      "ORD-PART-200",
		Status:       "PART_TRADED",
		Side:         "buy",
		Symbol:       "NVDA",
		Quantity:     100,
		FilledQty:    40,
		PendingQty:   60,
		AveragePrice: 1650.25,
	}

	resp := postJSON(s, pb)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != "open" {
		t.Errorf("expected open (PART_TRADED), got %s", received.Status)
	}
	if received.FilledQty != 40 {
		t.Errorf("expected filledQty 40, got %v", received.FilledQty)
	}
	if received.PendingQty != 60 {
		t.Errorf("expected pendingQty 60, got %v", received.PendingQty)
	}
}

func TestPostback_Expired(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	pb := Postback{
		OrderID:  "ORD-EXP-300",
		Status:   "EXPIRED",
		Side:     "buy",
		Symbol:   "AMD",
		Quantity: 50,
	}

	resp := postJSON(s, pb)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	// EXPIRED normalizes to cancelled.
	if received.Status != "cancelled" {
		t.Errorf("expected cancelled (expired), got %s", received.Status)
	}
}

func TestPostback_Pending(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	pb := Postback{
		OrderID:  "ORD-PND-400",
		Status:   "PENDING",
		Side:     "buy",
		Symbol:   "INTC",
		Quantity: 30,
	}

	resp := postJSON(s, pb)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != "pending" {
		t.Errorf("expected pending, got %s", received.Status)
	}
}

func TestPostback_Transit(t *testing.T) {
	s := newTestServer()

	var received OrderUpdate
	var mu sync.Mutex
	s.OnOrderUpdate(func(u OrderUpdate) {
		mu.Lock()
		received = u
		mu.Unlock()
	})

	pb := Postback{
		OrderID:  "ORD-TRS-500",
		Status:   "TRANSIT",
		Side:     "buy",
		Symbol:   "BA",
		Quantity: 15,
	}

	resp := postJSON(s, pb)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if received.Status != "pending" {
		t.Errorf("expected pending (transit), got %s", received.Status)
	}
}

func TestPostback_InvalidJSON(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook/order",
		bytes.NewReader([]byte(`{not valid json`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.handlePostback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", w.Code)
	}
}

func TestPostback_MissingOrderID(t *testing.T) {
	s := newTestServer()

	pb := Postback{
		Status: "TRADED",
		Side:   "buy",
		Symbol: "AAPL",
	}

	resp := postJSON(s, pb)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing order_id, got %d", resp.Code)
	}
}

func TestPostback_WrongMethod(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/webhook/order", nil)
	w := httptest.NewRecorder()
	s.handlePostback(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestPostback_MultipleHandlers(t *testing.T) {
	s := newTestServer()

	var wg sync.WaitGroup
	count := 0
	var mu sync.Mutex

	for i := 0; i < 3; i++ {
		wg.Add(1)
		s.OnOrderUpdate(func(_ OrderUpdate) {
			mu.Lock()
			count++
			mu.Unlock()
			wg.Done()
		})
	}

	pb := Postback{
		OrderID:  "ORD-MULTI-600",
		Status:   "TRADED",
		Side:     "buy",
		Symbol:   "ORCL",
		Quantity: 100,
	}

	postJSON(s, pb)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("expected 3 handler invocations, got %d", count)
	}
}

func TestRecentUpdates(t *testing.T) {
	s := newTestServer()

	for i := 1; i <= 5; i++ {
		pb := Postback{
			OrderID:  fmt.Sprintf("ORD-%d", i),
			Status:   "TRADED",
			Side:     "buy",
			Symbol:   "AAPL",
			Quantity: 10,
		}
		postJSON(s, pb)
	}

	recent := s.RecentUpdates(3)
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent updates, got %d", len(recent))
	}
	if recent[0].OrderID != "ORD-3" {
		t.Errorf("expected first recent to be ORD-3, got %s", recent[0].OrderID)
	}
	if recent[2].OrderID != "ORD-5" {
		t.Errorf("expected last recent to be ORD-5, got %s", recent[2].OrderID)
	}
}

func TestServerStartShutdown(t *testing.T) {
	logger := log.New(os.Stdout, "[test-webhook] ", log.LstdFlags)
	s := NewServer(Config{
		Port:    18923, // unlikely to be in use
		Path:    "/webhook/order",
		Enabled: true,
	}, logger)

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get("http://localhost:18923/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health check expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

package civicwatersdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newClient(url string) *Client {
	c := New(url)
	c.Backoff = time.Millisecond
	return c
}

func TestTrackRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/v1/grievances/track/GRV-2025-023" {
			t.Errorf("path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "GRV-2025-023", "status": "in_progress", "progress": 0.75})
	}))
	defer srv.Close()

	rec, err := newClient(srv.URL).TrackGrievance(context.Background(), "GRV-2025-023")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if rec.Progress != 0.75 || calls.Load() != 3 {
		t.Fatalf("record %+v after %d calls", rec, calls.Load())
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"record not found"}}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).TrackConnection(context.Background(), "APP-2025-999")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "not_found" {
		t.Fatalf("api error %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls %d", calls.Load())
	}
}

func TestUnauthorizedClearsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer stale" {
			t.Errorf("authorization %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"unauthorized","message":"invalid credentials"}}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL)
	c.SetToken("stale")
	_, err := c.RaiseGrievance(context.Background(), Grievance{Category: "billing", Description: "Wrong reading on bill"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if c.Token() != "" {
		t.Fatalf("token kept after 401")
	}
}

func TestValidationFieldsSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"validation_failed","message":"please correct the highlighted fields","details":{"step":0,"fields":{"remark":"Description must be at least 20 characters"}}}}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).RaiseGrievance(context.Background(), Grievance{Category: "billing", Description: "short"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Fields["remark"] == "" {
		t.Fatalf("fields missing: %v", err)
	}
}

func TestNetworkErrorAfterAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newClient(url).TrackGrievance(context.Background(), "GRV-2025-023")
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestCancelledContextStopsRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.Backoff = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.TrackGrievance(ctx, "GRV-2025-023")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls %d", calls.Load())
	}
}

func TestPayBillSendsMethod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/bills/BILL-2025-001/pay" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["method"] != "upi" {
			t.Errorf("body %v %v", err, body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"payment": map[string]any{"transactionId": "TXN01", "receiptNumber": "RCPT-2025-000003", "billId": "BILL-2025-001", "amount": 1850},
			"bill":    map[string]any{"id": "BILL-2025-001", "status": "paid"},
		})
	}))
	defer srv.Close()

	p, err := newClient(srv.URL).PayBill(context.Background(), "BILL-2025-001", "upi")
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if p.ReceiptNumber != "RCPT-2025-000003" || p.Amount != 1850 {
		t.Fatalf("payment %+v", p)
	}
}

func TestReadingWindowClosedSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"reading_window_closed","message":"meter reading window is closed"}}`))
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).SubmitReading(context.Background(), "WC-2025-001", 1320)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "reading_window_closed" {
		t.Fatalf("error %v", err)
	}
}

func TestConnectionsQueryProperty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/connections" || r.URL.Query().Get("propertyId") != "B2-5" {
			t.Errorf("url %s", r.URL)
		}
		json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"consumerNumber": "WC-2025-003", "dueAmount": 3250}}})
	}))
	defer srv.Close()

	conns, err := newClient(srv.URL).Connections(context.Background(), "B2-5")
	if err != nil || len(conns) != 1 || conns[0].DueAmount != 3250 {
		t.Fatalf("connections: %v %+v", err, conns)
	}
}

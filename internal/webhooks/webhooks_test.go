package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		TenantID:  "ten_1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventCreditsExhausted},
		Active:    true,
		CreatedAt: time.Now(),
	}

	// Create
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Get
	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	// Update
	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	// Delete
	store.Delete(ctx, "wh_test1")
	_, err = store.Get(ctx, "wh_test1")
	if err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", TenantID: "ten_a", Events: []EventType{EventCreditsExhausted}})
	store.Create(ctx, &Subscription{ID: "wh2", TenantID: "ten_b", Events: []EventType{EventCreditsExhausted}})
	store.Create(ctx, &Subscription{ID: "wh3", TenantID: "ten_a", Events: []EventType{EventOverageRecorded}})

	subs, _ := store.GetByTenant(ctx, "ten_a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for ten_a, got %d", len(subs))
	}
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventCreditsExhausted, EventCreditsReset}})
	store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventOverageRecorded}})
	store.Create(ctx, &Subscription{ID: "wh3", Events: []EventType{EventCreditsExhausted}})

	subs, _ := store.GetByEvent(ctx, EventCreditsExhausted)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for credits.exhausted, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	payload := []byte(`{"type":"credits.exhausted","data":{}}`)
	secret := "test_secret_key"

	sig := d.sign(payload, secret)

	// Verify manually
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	d := NewDispatcher(NewMemoryStore())

	payload := []byte(`{"test": true}`)
	sig1 := d.sign(payload, "secret1")
	sig2 := d.sign(payload, "secret2")

	if sig1 == sig2 {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCreditsExhausted},
		Active: true,
	})

	d := NewDispatcher(store)
	event := &Event{
		Type:      EventCreditsExhausted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"tenantId": "ten_1"},
	}

	if err := d.Dispatch(ctx, event); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatchToTenant_DeliversAfterCallerContextCancelled(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(context.Background(), &Subscription{
		ID:       "wh1",
		TenantID: "ten_1",
		URL:      server.URL,
		Events:   []EventType{EventCreditsReset},
		Active:   true,
	})

	d := NewDispatcher(store)
	event := &Event{
		Type:      EventCreditsReset,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"tenantId": "ten_1"},
	}

	// Emitters cancel their context as soon as dispatch returns. The async
	// delivery must not be killed by that cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.DispatchToTenant(ctx, "ten_1", event); err != nil {
		t.Fatalf("DispatchToTenant failed: %v", err)
	}
	cancel()

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}

	got, _ := store.Get(context.Background(), "wh1")
	if got.ConsecutiveFailures != 0 {
		t.Errorf("Expected 0 consecutive failures, got %d (lastError=%q)",
			got.ConsecutiveFailures, got.LastError)
	}
	if got.LastError != "" {
		t.Errorf("Expected no last error, got %q", got.LastError)
	}
}

func TestDispatch_SkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCreditsExhausted},
		Active: false, // Inactive
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventCreditsExhausted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatch_IncludesSignature(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-LeadFlow-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCreditsExhausted},
		Active: true,
		Secret: secret,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventCreditsExhausted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"tenantId": "ten_1"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	// Verify signature
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	expected := hex.EncodeToString(h.Sum(nil))

	if gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestDispatch_IncludesEventHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotEventType string
	var gotTimestamp string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotEventType = r.Header.Get("X-LeadFlow-Event")
		gotTimestamp = r.Header.Get("X-LeadFlow-Timestamp")
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCreditsReset},
		Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventCreditsReset, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotEventType != "credits.reset" {
		t.Errorf("Expected event type credits.reset, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
}

func TestDispatch_PayloadFormat(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOverageRecorded},
		Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventOverageRecorded,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"tenantId": "ten_1", "chargeUsd": 0.25},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != EventOverageRecorded {
		t.Errorf("Expected type overage.recorded, got %s", parsed.Type)
	}
}

func TestDispatch_ErrorUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	// Server that returns 500
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventCreditsExhausted},
		Active: true,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventCreditsExhausted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 500 response")
	}
	if sub.ConsecutiveFailures != 1 {
		t.Errorf("Expected 1 consecutive failure, got %d", sub.ConsecutiveFailures)
	}
}

func TestDispatch_SuccessResetsFailures(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:                  "wh1",
		URL:                 server.URL,
		Events:              []EventType{EventCreditsExhausted},
		Active:              true,
		ConsecutiveFailures: 7,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventCreditsExhausted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no error after success, got %s", sub.LastError)
	}
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure counter reset, got %d", sub.ConsecutiveFailures)
	}
}

func TestDispatch_AutoDisablesDeadEndpoint(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:                  "wh1",
		URL:                 server.URL,
		Events:              []EventType{EventCreditsExhausted},
		Active:              true,
		ConsecutiveFailures: maxConsecutiveFailures - 1,
	})

	d := NewDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventCreditsExhausted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.Active {
		t.Error("Expected subscription disabled after repeated failures")
	}
}

// ---------------------------------------------------------------------------
// DispatchToTenant tests
// ---------------------------------------------------------------------------

func TestDispatchToTenant_FiltersCorrectly(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	// Tenant A has 2 hooks
	store.Create(ctx, &Subscription{ID: "wh1", TenantID: "ten_a", URL: server.URL, Events: []EventType{EventCreditsExhausted}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh2", TenantID: "ten_a", URL: server.URL, Events: []EventType{EventOverageRecorded}, Active: true})
	// Tenant B has 1 hook
	store.Create(ctx, &Subscription{ID: "wh3", TenantID: "ten_b", URL: server.URL, Events: []EventType{EventCreditsExhausted}, Active: true})

	d := NewDispatcher(store)
	d.DispatchToTenant(ctx, "ten_a", &Event{Type: EventCreditsExhausted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery (tenant A, credits.exhausted only), got %d", received.Load())
	}
}

func TestDispatchToTenant_NoMatchingEvents(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh1", TenantID: "ten_a", URL: server.URL, Events: []EventType{EventOverageRecorded}, Active: true})

	d := NewDispatcher(store)
	d.DispatchToTenant(ctx, "ten_a", &Event{Type: EventCreditsExhausted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for non-matching event, got %d", received.Load())
	}
}

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/bridge"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

func TestWatchDispatchesStartAndTerminalOnly(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()
	rdb := store.rdb

	var mu sync.Mutex
	var received []payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p payload
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if _, err := store.Create(context.Background(), Subscription{URL: srv.URL, Events: []string{"*"}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d := NewDispatcher(store, Options{Timeout: 2 * time.Second, MaxRetries: 1, Backoff: time.Millisecond})
	br := bridge.New(rdb, bridge.Options{ReadBlock: 50 * time.Millisecond})
	w := NewWatcher(br, d)

	job := domain.Job{ID: "j1", Type: "image-gen", CustomerID: "acme"}
	w.Watch(context.Background(), job)

	// Intermediate progress must not produce a webhook; the terminal entry must.
	ctx := context.Background()
	_ = rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: broker.ProgressStreamKey("j1"),
		Values: map[string]any{"progress": "50", "message": "halfway"},
	}).Err()
	_ = rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: broker.ProgressStreamKey("j1"),
		Values: map[string]any{"status": "completed", "progress": "100"},
	}).Err()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("webhooks received = %d, want 2", n)
		case <-time.After(5 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("webhooks = %d, want exactly start + terminal", len(received))
	}
	if received[0].EventType != string(bridge.EventStarted) {
		t.Errorf("first event = %s, want job_started", received[0].EventType)
	}
	if received[1].EventType != string(bridge.EventCompleted) {
		t.Errorf("second event = %s, want job_completed", received[1].EventType)
	}
	if received[1].Metadata["customer_id"] != "acme" {
		t.Errorf("metadata = %v", received[1].Metadata)
	}
}

package bridge

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

func newSSETestStack(t *testing.T) (*broker.Broker, *redis.Client, http.Handler, func()) {
	t.Helper()
	br, rdb, cleanup := newTestBridge(t)
	b, err := broker.New(rdb, broker.Options{
		RetryTTL:     time.Minute,
		PermanentTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("broker: %v", err)
	}
	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}/progress", NewSSEHandler(b, br).ServeHTTP)
	return b, rdb, r, cleanup
}

func TestSSEUnknownJob(t *testing.T) {
	_, _, handler, cleanup := newSSETestStack(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/ghost/progress", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSSETerminalJobSendsSnapshotAndCloses(t *testing.T) {
	b, _, handler, cleanup := newSSETestStack(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := b.Submit(ctx, domain.Job{Type: "sim"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := b.Cancel(ctx, id, "never mind"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id+"/progress", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: job_cancelled") {
		t.Errorf("body missing terminal snapshot: %q", body)
	}
}

func TestSSEStreamsLiveEventsUntilTerminal(t *testing.T) {
	b, rdb, handler, cleanup := newSSETestStack(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := b.Submit(ctx, domain.Job{Type: "sim"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/" + id + "/progress")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Progress then a terminal entry; the handler must forward both and
	// close the response.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = b.UpdateProgress(ctx, domain.ProgressEvent{JobID: id, Progress: 42, Message: "working"})
		time.Sleep(50 * time.Millisecond)
		_ = rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: broker.ProgressStreamKey(id),
			Values: map[string]any{"status": "completed", "progress": "100"},
		}).Err()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	body := string(raw)
	if !strings.Contains(body, "event: job_started") {
		t.Errorf("missing snapshot event: %q", body)
	}
	if !strings.Contains(body, "event: job_progress") {
		t.Errorf("missing progress event: %q", body)
	}
	if !strings.Contains(body, "event: job_completed") {
		t.Errorf("missing terminal event: %q", body)
	}
}

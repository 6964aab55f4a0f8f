package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// pollAdapter drives the async base against a fake submit-then-poll backend.
type pollAdapter struct{}

func (a *pollAdapter) BuildRequestPayload(job domain.Job) ([]byte, error) {
	return json.Marshal(map[string]string{"job_id": job.ID})
}

func (a *pollAdapter) ParseResponse(body []byte, _ domain.Job) (domain.JobResult, error) {
	return domain.JobResult{Output: json.RawMessage(body)}, nil
}

func (a *pollAdapter) ValidateServiceResponse(body []byte) error {
	var v map[string]any
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	if v["output"] == nil {
		return fmt.Errorf("poll response carries no output")
	}
	return nil
}

func (a *pollAdapter) ExtractBackendJobID(body []byte) (string, error) {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return "", err
	}
	if v.ID == "" {
		return "", fmt.Errorf("submit response carries no id")
	}
	return v.ID, nil
}

func (a *pollAdapter) StatusPath(backendJobID string) string {
	return "/status/" + backendJobID
}

func (a *pollAdapter) ExtractStatus(body []byte) (PollStatus, error) {
	var v struct {
		State    string  `json:"state"`
		Progress float64 `json:"progress"`
		Error    string  `json:"error"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return PollStatus{}, err
	}
	switch v.State {
	case "done":
		return PollStatus{Done: true}, nil
	case "failed":
		return PollStatus{Failed: true, FailureText: v.Error}, nil
	default:
		return PollStatus{Progress: v.Progress, Message: "rendering"}, nil
	}
}

func asyncSettings(service, baseURL string) Settings {
	return Settings{
		Service:      service,
		BaseURL:      baseURL,
		Endpoint:     "/submit",
		Timeout:      5 * time.Second,
		PollInterval: 5 * time.Millisecond,
		Retry:        RetrySettings{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
}

func TestRESTAsyncProcessJobPollsToCompletion(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/submit":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "b-42"})
		case r.URL.Path == "/status/b-42":
			n := atomic.AddInt32(&polls, 1)
			switch n {
			case 1:
				_ = json.NewEncoder(w).Encode(map[string]any{"state": "running", "progress": 40})
			default:
				_ = json.NewEncoder(w).Encode(map[string]any{"state": "done", "output": "img.png"})
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, err := NewRESTAsync(asyncSettings("async-ok", srv.URL), &pollAdapter{}, nil)
	if err != nil {
		t.Fatalf("NewRESTAsync: %v", err)
	}

	var updates []float64
	result, err := c.ProcessJob(context.Background(), domain.Job{ID: "j1", Type: "async-ok"},
		func(p float64, _ string) { updates = append(updates, p) })
	if err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(result.Output, &out); err != nil {
		t.Fatalf("output decode: %v", err)
	}
	if out["output"] != "img.png" {
		t.Errorf("output = %v", out)
	}
	// 5 on submit, 40 from the running poll, 100 on completion.
	if len(updates) < 3 || updates[0] != 5 || updates[len(updates)-1] != 100 {
		t.Errorf("progress updates = %v", updates)
	}
	if atomic.LoadInt32(&polls) < 2 {
		t.Errorf("polls = %d, want at least 2", polls)
	}
}

func TestRESTAsyncBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submit" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "b-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "failed", "error": "CUDA out of memory"})
	}))
	defer srv.Close()

	c, err := NewRESTAsync(asyncSettings("async-fail", srv.URL), &pollAdapter{}, nil)
	if err != nil {
		t.Fatalf("NewRESTAsync: %v", err)
	}
	_, err = c.ProcessJob(context.Background(), domain.Job{ID: "j1", Type: "async-fail"}, func(float64, string) {})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error type = %T (%v), want *BackendError", err, err)
	}
	if be.Body != "CUDA out of memory" {
		t.Errorf("failure text = %q", be.Body)
	}
}

func TestRESTAsyncRefusalInFailureText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submit" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "b-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": "failed",
			"error": "The content was blocked by the safety filter.",
		})
	}))
	defer srv.Close()

	c, err := NewRESTAsync(asyncSettings("async-refuse", srv.URL), &pollAdapter{}, nil)
	if err != nil {
		t.Fatalf("NewRESTAsync: %v", err)
	}
	_, err = c.ProcessJob(context.Background(), domain.Job{ID: "j1", Type: "async-refuse"}, func(float64, string) {})
	var re *RefusalError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T (%v), want *RefusalError", err, err)
	}
}

func TestRESTAsyncModerationBlockInDoneBody(t *testing.T) {
	// The backend reports "done" over HTTP 200 but the body is a moderation
	// block; the poll loop must surface a refusal, not a successful result.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submit" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "b-1"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state": "done",
			"code":  "moderation_blocked",
			"message": "Your request was rejected by the safety system " +
				"wfr_0199961219e2757f90717eccfffb8a71",
		})
	}))
	defer srv.Close()

	c, err := NewRESTAsync(asyncSettings("async-moderated", srv.URL), &pollAdapter{}, nil)
	if err != nil {
		t.Fatalf("NewRESTAsync: %v", err)
	}
	_, err = c.ProcessJob(context.Background(), domain.Job{ID: "j1", Type: "async-moderated"}, func(float64, string) {})
	var re *RefusalError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T (%v), want *RefusalError", err, err)
	}
	if !strings.Contains(re.Description, "wfr_0199961219e2757f90717eccfffb8a71") {
		t.Errorf("refusal description %q does not carry the provider request id", re.Description)
	}
}

func TestRESTAsyncProcessJobHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/submit" {
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "b-1"})
			return
		}
		// Backend never finishes.
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "running", "progress": 10})
	}))
	defer srv.Close()

	c, err := NewRESTAsync(asyncSettings("async-stuck", srv.URL), &pollAdapter{}, nil)
	if err != nil {
		t.Fatalf("NewRESTAsync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.ProcessJob(ctx, domain.Job{ID: "j1", Type: "async-stuck"}, func(float64, string) {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestClampProgress(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-5, 0},
		{0, 0},
		{50, 50},
		{99, 99},
		{100, 99},
		{250, 99},
	}
	for _, tt := range tests {
		if got := clampProgress(tt.in); got != tt.want {
			t.Errorf("clampProgress(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

package webhook

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return NewStore(rdb, 3), cleanup
}

func TestStoreCreateGetDelete(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	sub, err := s.Create(ctx, Subscription{
		URL:    "https://example.com/hook",
		Secret: "s3cret",
		Events: []string{"job_completed"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("no id assigned")
	}
	if !sub.Active {
		t.Error("subscription not active on create")
	}

	got, err := s.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != sub.URL || got.Secret != "s3cret" {
		t.Errorf("round trip mismatch: %+v", got)
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List = %d items (err %v), want 1", len(list), err)
	}

	if err := s.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, sub.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, sub.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestStoreCreateRejectsBadURLs(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	for _, u := range []string{"", "not a url", "ftp://example.com/x", "https://"} {
		if _, err := s.Create(context.Background(), Subscription{URL: u}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("Create(%q) = %v, want ErrInvalidArgument", u, err)
		}
	}
}

func TestSubscriptionMatches(t *testing.T) {
	tests := []struct {
		name     string
		sub      Subscription
		event    string
		customer string
		jobType  string
		want     bool
	}{
		{
			name: "empty event list matches everything",
			sub:  Subscription{Active: true},
			event: "job_completed", want: true,
		},
		{
			name: "wildcard matches",
			sub:  Subscription{Active: true, Events: []string{"*"}},
			event: "job_failed", want: true,
		},
		{
			name: "listed event matches",
			sub:  Subscription{Active: true, Events: []string{"job_completed", "job_failed"}},
			event: "job_failed", want: true,
		},
		{
			name: "unlisted event does not match",
			sub:  Subscription{Active: true, Events: []string{"job_completed"}},
			event: "job_failed", want: false,
		},
		{
			name: "inactive never matches",
			sub:  Subscription{Active: false},
			event: "job_completed", want: false,
		},
		{
			name:     "customer filter",
			sub:      Subscription{Active: true, CustomerID: "acme"},
			event:    "job_completed",
			customer: "globex", want: false,
		},
		{
			name:     "customer filter match",
			sub:      Subscription{Active: true, CustomerID: "acme"},
			event:    "job_completed",
			customer: "acme", want: true,
		},
		{
			name:    "job type filter",
			sub:     Subscription{Active: true, JobTypes: []string{"image-gen"}},
			event:   "job_completed",
			jobType: "video-gen", want: false,
		},
		{
			name:    "job type filter match",
			sub:     Subscription{Active: true, JobTypes: []string{"image-gen"}},
			event:   "job_completed",
			jobType: "image-gen", want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Matches(tt.event, tt.customer, tt.jobType); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeliveryHistoryTrimsToSize(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	sub, err := s.Create(ctx, Subscription{URL: "https://example.com/hook"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// History size is 3; record 5 and keep only the newest 3.
	for i := 1; i <= 5; i++ {
		err := s.RecordDelivery(ctx, sub.ID, Delivery{
			EventID:   fmt.Sprintf("ev-%d", i),
			EventType: "job_completed",
			Success:   true,
			At:        time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("RecordDelivery(%d): %v", i, err)
		}
	}

	history, err := s.History(ctx, sub.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history size = %d, want 3", len(history))
	}
	// Newest first.
	if history[0].EventID != "ev-5" || history[2].EventID != "ev-3" {
		t.Errorf("history order = %s..%s, want ev-5..ev-3", history[0].EventID, history[2].EventID)
	}
}

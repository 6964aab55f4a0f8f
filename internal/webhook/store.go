// Package webhook delivers job lifecycle events to customer-registered
// HTTP endpoints. Subscriptions live in Redis so every hub replica sees the
// same set; deliveries are signed, retried with backoff, and recorded in a
// bounded per-webhook history.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

const (
	indexKey  = "webhooks:index"
	keyPrefix = "webhook:"
)

func subscriptionKey(id string) string { return keyPrefix + id }
func historyKey(id string) string      { return keyPrefix + id + ":deliveries" }

// Subscription is one registered webhook endpoint.
type Subscription struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	Events     []string  `json:"events"`
	CustomerID string    `json:"customer_id,omitempty"`
	JobTypes   []string  `json:"job_types,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// Matches reports whether the subscription wants this event. An empty or
// "*" event list matches everything; filters narrow by customer and job
// type when set.
func (s Subscription) Matches(eventType, customerID, jobType string) bool {
	if !s.Active {
		return false
	}
	if s.CustomerID != "" && s.CustomerID != customerID {
		return false
	}
	if len(s.JobTypes) > 0 && !contains(s.JobTypes, jobType) {
		return false
	}
	if len(s.Events) == 0 {
		return true
	}
	return contains(s.Events, "*") || contains(s.Events, eventType)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Delivery is one recorded delivery attempt outcome.
type Delivery struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempts   int       `json:"attempts"`
	Success    bool      `json:"success"`
	At         time.Time `json:"ts"`
}

// Store persists subscriptions and delivery history in Redis.
type Store struct {
	rdb         *redis.Client
	historySize int
}

// NewStore creates a subscription store. historySize bounds per-webhook
// delivery records; zero means 50.
func NewStore(rdb *redis.Client, historySize int) *Store {
	if historySize <= 0 {
		historySize = 50
	}
	return &Store{rdb: rdb, historySize: historySize}
}

// Create validates and saves a subscription, assigning its id.
func (s *Store) Create(ctx context.Context, sub Subscription) (Subscription, error) {
	u, err := url.Parse(sub.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Subscription{}, fmt.Errorf("op=webhook.Create: invalid url %q: %w", sub.URL, domain.ErrInvalidArgument)
	}
	sub.ID = ulid.Make().String()
	sub.Active = true
	sub.CreatedAt = time.Now().UTC()

	raw, err := json.Marshal(sub)
	if err != nil {
		return Subscription{}, fmt.Errorf("op=webhook.Create: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, subscriptionKey(sub.ID), raw, 0)
	pipe.SAdd(ctx, indexKey, sub.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return Subscription{}, fmt.Errorf("op=webhook.Create webhook=%s: %w", sub.ID, err)
	}
	return sub, nil
}

// Get loads one subscription.
func (s *Store) Get(ctx context.Context, id string) (Subscription, error) {
	raw, err := s.rdb.Get(ctx, subscriptionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return Subscription{}, fmt.Errorf("op=webhook.Get webhook=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("op=webhook.Get webhook=%s: %w", id, err)
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return Subscription{}, fmt.Errorf("op=webhook.Get webhook=%s: %w", id, err)
	}
	return sub, nil
}

// List returns all subscriptions.
func (s *Store) List(ctx context.Context) ([]Subscription, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=webhook.List: %w", err)
	}
	out := make([]Subscription, 0, len(ids))
	for _, id := range ids {
		sub, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// Delete removes a subscription and its delivery history.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.SRem(ctx, indexKey, id).Result()
	if err != nil {
		return fmt.Errorf("op=webhook.Delete webhook=%s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("op=webhook.Delete webhook=%s: %w", id, domain.ErrNotFound)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, subscriptionKey(id))
	pipe.Del(ctx, historyKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=webhook.Delete webhook=%s: %w", id, err)
	}
	return nil
}

// RecordDelivery prepends the delivery record and trims the history.
func (s *Store) RecordDelivery(ctx context.Context, webhookID string, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("op=webhook.RecordDelivery webhook=%s: %w", webhookID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, historyKey(webhookID), raw)
	pipe.LTrim(ctx, historyKey(webhookID), 0, int64(s.historySize-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=webhook.RecordDelivery webhook=%s: %w", webhookID, err)
	}
	return nil
}

// History lists recorded deliveries, newest first.
func (s *Store) History(ctx context.Context, webhookID string) ([]Delivery, error) {
	rows, err := s.rdb.LRange(ctx, historyKey(webhookID), 0, int64(s.historySize-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=webhook.History webhook=%s: %w", webhookID, err)
	}
	out := make([]Delivery, 0, len(rows))
	for _, row := range rows {
		var d Delivery
		if err := json.Unmarshal([]byte(row), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

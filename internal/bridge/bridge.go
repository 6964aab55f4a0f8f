// Package bridge fans job progress streams out to HTTP subscribers. One
// reader per job tails the Redis stream and multiplexes entries to every
// subscriber; slow consumers are dropped rather than allowed to stall the
// fan-out.
package bridge

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-job-hub/internal/adapter/observability"
	"github.com/fairyhunter13/ai-job-hub/internal/broker"
	"github.com/fairyhunter13/ai-job-hub/internal/domain"
)

// EventType names a progress event on the wire.
type EventType string

const (
	EventStarted   EventType = "job_started"
	EventProgress  EventType = "job_progress"
	EventCompleted EventType = "job_completed"
	EventFailed    EventType = "job_failed"
	EventCancelled EventType = "job_cancelled"
)

// Event is one progress update delivered to a subscriber.
type Event struct {
	Type EventType      `json:"event"`
	Data map[string]any `json:"data"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// Options tunes the bridge.
type Options struct {
	// SubscriberBuffer caps each subscriber's queue; an overflowing
	// subscriber is dropped.
	SubscriberBuffer int
	// ReadBlock bounds each blocking stream read.
	ReadBlock time.Duration
	// MaxBackoff caps the retry delay after stream read errors.
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 256
	}
	if o.ReadBlock <= 0 {
		o.ReadBlock = 5 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Bridge multiplexes per-job progress streams to subscribers.
type Bridge struct {
	rdb  *redis.Client
	opts Options

	mu    sync.Mutex
	feeds map[string]*feed
}

// New creates a bridge on the shared Redis client.
func New(rdb *redis.Client, opts Options) *Bridge {
	return &Bridge{
		rdb:   rdb,
		opts:  opts.withDefaults(),
		feeds: make(map[string]*feed),
	}
}

// Subscribe attaches to a job's progress stream. The channel replays all
// events recorded so far, then follows the live stream, and is closed after
// the terminal event (or on unsubscribe). The returned function detaches
// the subscriber; it is safe to call more than once.
func (b *Bridge) Subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	f, ok := b.feeds[jobID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		f = &feed{
			bridge: b,
			jobID:  jobID,
			subs:   make(map[chan Event]struct{}),
			cancel: cancel,
		}
		b.feeds[jobID] = f
		go f.run(ctx)
	}
	b.mu.Unlock()

	ch := make(chan Event, b.opts.SubscriberBuffer)
	f.attach(ch)
	observability.SSESubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.detach(ch)
			observability.SSESubscribers.Dec()
		})
	}
}

func (b *Bridge) removeFeed(jobID string) {
	b.mu.Lock()
	delete(b.feeds, jobID)
	b.mu.Unlock()
}

// feed is the single stream reader for one job.
type feed struct {
	bridge *Bridge
	jobID  string
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[chan Event]struct{}
	history []Event
	done    bool
}

func (f *feed) attach(ch chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Replay history first; the buffer is sized to hold a full job's worth
	// of events, so a fresh subscriber cannot overflow on replay alone.
	for _, ev := range f.history {
		select {
		case ch <- ev:
		default:
			// History alone overflowed the buffer: deliver nothing further.
			observability.SlowConsumersDroppedTotal.Inc()
			close(ch)
			return
		}
	}
	if f.done {
		close(ch)
		return
	}
	f.subs[ch] = struct{}{}
}

func (f *feed) detach(ch chan Event) {
	f.mu.Lock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
	empty := len(f.subs) == 0 && !f.done
	f.mu.Unlock()
	if empty {
		f.cancel()
		f.bridge.removeFeed(f.jobID)
	}
}

// broadcast queues the event for every subscriber, dropping the ones whose
// buffers are full.
func (f *feed) broadcast(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, ev)
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping slow progress subscriber", slog.String("job_id", f.jobID))
			observability.SlowConsumersDroppedTotal.Inc()
			delete(f.subs, ch)
			close(ch)
		}
	}
}

func (f *feed) finish() {
	f.mu.Lock()
	f.done = true
	for ch := range f.subs {
		delete(f.subs, ch)
		close(ch)
	}
	f.mu.Unlock()
	f.cancel()
	f.bridge.removeFeed(f.jobID)
}

// run tails the job's stream from the beginning, resuming from the last
// delivered id across read errors with capped backoff.
func (f *feed) run(ctx context.Context) {
	lastID := "0"
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := f.bridge.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{broker.ProgressStreamKey(f.jobID), lastID},
			Block:   f.bridge.opts.ReadBlock,
			Count:   100,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				delay = time.Second
				continue
			}
			if ctx.Err() != nil {
				return
			}
			slog.Warn("progress stream read failed",
				slog.String("job_id", f.jobID), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if delay *= 2; delay > f.bridge.opts.MaxBackoff {
				delay = f.bridge.opts.MaxBackoff
			}
			continue
		}
		delay = time.Second
		for _, s := range res {
			for _, msg := range s.Messages {
				lastID = msg.ID
				ev := eventFromEntry(f.jobID, msg.Values)
				f.broadcast(ev)
				if ev.Terminal() {
					f.finish()
					return
				}
			}
		}
	}
}

// eventFromEntry maps one stream entry to a wire event. Entries carrying a
// terminal status become the matching terminal event; everything else is a
// progress update.
func eventFromEntry(jobID string, values map[string]any) Event {
	data := map[string]any{"job_id": jobID}
	for k, v := range values {
		switch k {
		case "progress":
			if s, ok := v.(string); ok {
				if pf, err := strconv.ParseFloat(s, 64); err == nil {
					data[k] = pf
					continue
				}
			}
			data[k] = v
		case "retry_count":
			if s, ok := v.(string); ok {
				if n, err := strconv.Atoi(s); err == nil {
					data[k] = n
					continue
				}
			}
			data[k] = v
		case "ts":
			if s, ok := v.(string); ok {
				if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
					data[k] = ms
					continue
				}
			}
			data[k] = v
		default:
			data[k] = v
		}
	}

	status, _ := values["status"].(string)
	switch domain.JobStatus(status) {
	case domain.JobCompleted:
		return Event{Type: EventCompleted, Data: data}
	case domain.JobCancelled:
		return Event{Type: EventCancelled, Data: data}
	case domain.JobFailed, domain.JobTimedOut:
		return Event{Type: EventFailed, Data: data}
	}
	return Event{Type: EventProgress, Data: data}
}

// SnapshotEvent builds the initial event for a subscriber from the current
// job record: a terminal job yields its terminal event, anything else a
// job_started envelope.
func SnapshotEvent(j domain.Job) Event {
	data := map[string]any{
		"job_id": j.ID,
		"type":   j.Type,
		"status": string(j.Status),
	}
	if j.AssignedWorker != "" {
		data["worker_id"] = j.AssignedWorker
	}
	switch j.Status {
	case domain.JobCompleted:
		return Event{Type: EventCompleted, Data: data}
	case domain.JobCancelled:
		return Event{Type: EventCancelled, Data: data}
	case domain.JobFailed, domain.JobTimedOut:
		if j.LastError != "" {
			data["error_message"] = j.LastError
		}
		return Event{Type: EventFailed, Data: data}
	default:
		return Event{Type: EventStarted, Data: data}
	}
}

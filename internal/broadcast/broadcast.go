// Package broadcast fans pipeline state changes out to observers.
// Delivery is best effort: a slow observer loses events instead of
// blocking the pipeline.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"snapname/internal/metrics"
)

// EventType names a kind of state change.
type EventType string

const (
	FolderUpdated     EventType = "folder.updated"
	FolderRemoved     EventType = "folder.removed"
	SuggestionCreated EventType = "suggestion.created"
	SuggestionUpdated EventType = "suggestion.updated"
	ActivityAppended  EventType = "activity.appended"
)

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe gets 0.
const DefaultBuffer = 64

const (
	sinkQueueSize = 256
	sinkTimeout   = 10 * time.Second
)

// Event is one published state change. Seq increases by one per Publish,
// so observers can detect gaps.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Sink receives every event outside the publishing goroutine.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Subscription is one observer's stream. C is closed after Cancel.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	ctx    context.Context
	cancel context.CancelFunc
	b      *Broadcaster
	once   sync.Once
}

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cancel detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
		s.b.remove(s)
	})
}

// Broadcaster publishes events to subscribers and sinks.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers []*Subscription
	seq         uint64
	dropped     atomic.Uint64

	sinks  []Sink
	sinkCh chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	close  sync.Once

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a broadcaster. With sinks, a goroutine forwards events to
// them until Close.
func New(logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		sinks:   sinks,
		done:    make(chan struct{}),
		logger:  logger,
		metrics: m,
	}
	if len(sinks) > 0 {
		b.sinkCh = make(chan Event, sinkQueueSize)
		b.wg.Add(1)
		go b.forward()
	}
	return b
}

// Subscribe registers an observer. buffer 0 means DefaultBuffer.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, ctx: ctx, cancel: cancel, b: b}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	count := len(b.subscribers)
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "total_subscribers", count)
	return sub
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(eventType EventType, payload any) Event {
	b.mu.Lock()
	b.seq++
	ev := Event{Seq: b.seq, Type: eventType, Timestamp: time.Now().UTC(), Payload: payload}

	active := b.subscribers[:0]
	for _, sub := range b.subscribers {
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}
		active = append(active, sub)
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.metrics.IncrementBroadcastDropped()
			b.logger.Debug("subscriber buffer full, event dropped", "type", eventType, "seq", ev.Seq)
		}
	}
	for i := len(active); i < len(b.subscribers); i++ {
		b.subscribers[i] = nil
	}
	b.subscribers = active
	b.mu.Unlock()

	if b.sinkCh != nil {
		select {
		case <-b.done:
		case b.sinkCh <- ev:
		default:
			b.dropped.Add(1)
			b.metrics.IncrementBroadcastDropped()
		}
	}
	return ev
}

// Dropped returns how many deliveries were skipped.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close stops sink forwarding and cancels every subscription.
func (b *Broadcaster) Close() {
	b.close.Do(func() {
		close(b.done)
		b.wg.Wait()

		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = nil
		b.mu.Unlock()
		for _, sub := range subs {
			sub.once.Do(func() {
				sub.cancel()
				close(sub.ch)
			})
		}
	})
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subscribers {
		if s == sub {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			break
		}
	}
	// Publish only sends under mu, so closing here cannot race a send.
	close(sub.ch)
}

func (b *Broadcaster) forward() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.sinkCh:
			for _, sink := range b.sinks {
				ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
				if err := sink.Send(ctx, ev); err != nil {
					b.logger.Debug("sink delivery failed", "type", ev.Type, "error", err)
				}
				cancel()
			}
		}
	}
}

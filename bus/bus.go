// Package bus provides the in-process propagation bus that fans out task and
// memory lifecycle events to subscribers. The bus holds no durable log: a
// subscriber connected at publish time receives the event, a late subscriber
// reconciles via the coordinator's snapshot calls.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventTaskQueued      EventType = "task_queued"
	EventTaskStarted     EventType = "task_started"
	EventTaskProgress    EventType = "task_progress"
	EventTaskCompleted   EventType = "task_completed"
	EventTaskFailed      EventType = "task_failed"
	EventTaskCancelled   EventType = "task_cancelled"
	EventMemoryPersisted EventType = "memory_persisted"
	EventContextInjected EventType = "context_injected"
)

// Event is a single state-change notification.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentType string    `json:"agent_type,omitempty"`
	Project   string    `json:"project,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Predicate decides whether a subscriber wants an event. A nil predicate
// matches everything.
type Predicate func(Event) bool

// Handler receives matching events, one at a time per subscription.
type Handler func(Event)

// MatchTypes returns a predicate matching any of the given event types.
func MatchTypes(types ...EventType) Predicate {
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(ev Event) bool {
		_, ok := set[ev.Type]
		return ok
	}
}

// MatchTask returns a predicate matching events for a single task.
func MatchTask(taskID string) Predicate {
	return func(ev Event) bool { return ev.TaskID == taskID }
}

type subscriber struct {
	pred Predicate
	ch   chan Event
	done chan struct{}
}

// Bus is a thread-safe in-process event fan-out. Each subscriber gets its own
// buffered channel drained by a dedicated goroutine, so a slow handler never
// blocks the publish path. Delivery is best-effort: events are dropped when a
// subscriber's buffer is full.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	logger *slog.Logger
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 256

// New creates a Bus. A nil logger discards drop diagnostics.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		subs:   make(map[string]*subscriber),
		logger: logger,
	}
}

// Publish delivers ev to every active subscriber whose predicate matches.
// Events for a single task arrive at each subscriber in publish order.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, sub := range b.subs {
		if sub.pred != nil && !sub.pred(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber buffer full — drop rather than block publishers.
			b.logger.Debug("bus: dropped event for slow subscriber",
				slog.String("subscription", id),
				slog.String("type", string(ev.Type)),
				slog.String("task", ev.TaskID),
			)
		}
	}
}

// Subscription is a handle to an active subscription. Close it to stop
// receiving events.
type Subscription struct {
	id   string
	bus  *Bus
	sub  *subscriber
	once sync.Once
}

// Subscribe registers fn for every event matching pred (nil matches all).
// fn is invoked from a dedicated goroutine, sequentially per subscription.
func (b *Bus) Subscribe(pred Predicate, fn Handler) *Subscription {
	sub := &subscriber{
		pred: pred,
		ch:   make(chan Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	s := &Subscription{
		id:  uuid.NewString(),
		bus: b,
		sub: sub,
	}

	b.mu.Lock()
	b.subs[s.id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case ev := <-sub.ch:
				fn(ev)
			}
		}
	}()
	return s
}

// Close cancels the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		close(s.sub.done)
	})
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

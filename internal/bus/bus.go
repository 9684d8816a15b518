// Package bus implements the in-process, topic-addressed publish/subscribe
// substrate every CantinaOS service communicates over. There is no
// synchronous service-to-service call anywhere in the system; interaction
// is exclusively through Emit/Subscribe.
//
// Each subscription gets its own bounded mailbox and dedicated dispatch
// goroutine, with a per-topic overflow policy: drop-oldest for status and
// progress topics, block-then-drop for everything else.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DefaultMailboxSize is the default bounded mailbox depth per subscription.
const DefaultMailboxSize = 256

// blockTimeout is how long a block-then-drop subscriber is given before the
// event is dropped.
const blockTimeout = 50 * time.Millisecond

// Event is an immutable, published record.
type Event struct {
	Topic     string
	Payload   any
	Source    string
	Published time.Time
}

// Handler processes one delivered event. A handler panic is recovered and
// reported to the owning service via ErrorReporter; it never crashes the
// bus.
type Handler func(Event)

// ErrorReporter lets a subscriber route handler panics/errors back to its
// owning BaseService instead of losing them in the dispatch goroutine.
type ErrorReporter func(err error)

// Subscription is an opaque handle returned by Subscribe.
type Subscription struct {
	id    string
	topic string
}

// ID returns the subscription's unique identifier, used as a metrics label.
func (s Subscription) ID() string { return s.id }

type subscriberState struct {
	id       string
	topic    string
	service  string
	handler  Handler
	onError  ErrorReporter
	mailbox  chan Event
	done     chan struct{}
	dropped  atomic.Int64
	wg       sync.WaitGroup
}

// Bus is the pub/sub core. Zero value is not usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subsByTopic map[string][]*subscriberState
	subsByID    map[string]*subscriberState
	mailboxSize int
	logger      zerolog.Logger
	dropCounter *prometheus.CounterVec
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithMailboxSize overrides the default per-subscription mailbox depth.
func WithMailboxSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.mailboxSize = n
		}
	}
}

// WithLogger attaches a logger used for drop/panic diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithDropCounter attaches a prometheus counter vector (label "subscription")
// incremented whenever an event is dropped for a subscriber.
func WithDropCounter(c *prometheus.CounterVec) Option {
	return func(b *Bus) { b.dropCounter = c }
}

// New constructs a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subsByTopic: make(map[string][]*subscriberState),
		subsByID:    make(map[string]*subscriberState),
		mailboxSize: DefaultMailboxSize,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// dropOldestPolicy reports whether topic uses drop-oldest overflow instead
// of block-then-drop (: "/status/…" prefix and "/*/progress" /
// trailing "progress" topics).
func dropOldestPolicy(topic string) bool {
	if strings.HasPrefix(topic, "/status/") {
		return true
	}
	return strings.HasSuffix(topic, "/progress")
}

// Subscribe registers handler for topic, owned by service (used for status
// labeling and error attribution). Delivery is FIFO per publisher.
func (b *Bus) Subscribe(topic, service string, handler Handler, onError ErrorReporter) Subscription {
	s := &subscriberState{
		id:      uuid.New().String(),
		topic:   topic,
		service: service,
		handler: handler,
		onError: onError,
		mailbox: make(chan Event, b.mailboxSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subsByTopic[topic] = append(b.subsByTopic[topic], s)
	b.subsByID[s.id] = s
	b.mu.Unlock()

	s.wg.Add(1)
	go b.dispatchLoop(s)

	return Subscription{id: s.id, topic: topic}
}

// Unsubscribe removes sub and stops its dispatch goroutine. Events still
// queued in its mailbox are discarded, not delivered. The call waits for
// the dispatch goroutine to exit, so no handler of sub runs after it
// returns.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	s, ok := b.subsByID[sub.id]
	if ok {
		delete(b.subsByID, sub.id)
		list := b.subsByTopic[sub.topic]
		for i, cand := range list {
			if cand.id == sub.id {
				b.subsByTopic[sub.topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	close(s.done)
	s.wg.Wait()
}

// Emit publishes payload on topic asynchronously: delivery to every current
// subscriber is queued according to that subscriber's overflow policy.
// Subscribers are served one after another, so the caller can be held for
// up to one block-then-drop window per full block-then-drop mailbox. Emit
// never returns an error — the bus itself never fails a publish.
func (b *Bus) Emit(topic string, payload any) {
	b.emit(topic, payload, schemasSourceInternal)
}

// EmitFrom is Emit with an explicit source tag, used by the web bridge to
// mark events it originated so it can filter its own echoes back out on
// broadcast (self-loop prevention).
func (b *Bus) EmitFrom(topic, source string, payload any) {
	b.emit(topic, payload, source)
}

const schemasSourceInternal = "internal"

func (b *Bus) emit(topic string, payload any, source string) {
	evt := Event{Topic: topic, Payload: payload, Source: source, Published: time.Now()}

	b.mu.RLock()
	subs := append([]*subscriberState(nil), b.subsByTopic[topic]...)
	b.mu.RUnlock()

	dropOldest := dropOldestPolicy(topic)
	for _, s := range subs {
		b.deliver(s, evt, dropOldest)
	}
}

// EmitSync delivers payload on topic to every current subscriber's mailbox
// and returns once all mailboxes have accepted (or dropped) the event. It
// takes no context and delivers exactly as Emit does. Rare; reserved for
// startup-time coordination.
func (b *Bus) EmitSync(topic string, payload any) {
	b.emit(topic, payload, schemasSourceInternal)
}

func (b *Bus) deliver(s *subscriberState, evt Event, dropOldest bool) {
	select {
	case s.mailbox <- evt:
		return
	default:
	}

	if dropOldest {
		// Drop the oldest queued event to make room, then enqueue.
		select {
		case <-s.mailbox:
			s.dropped.Add(1)
			b.countDrop(s.id)
		default:
		}
		select {
		case s.mailbox <- evt:
		default:
			s.dropped.Add(1)
			b.countDrop(s.id)
		}
		return
	}

	timer := time.NewTimer(blockTimeout)
	defer timer.Stop()
	select {
	case s.mailbox <- evt:
	case <-timer.C:
		s.dropped.Add(1)
		b.countDrop(s.id)
		b.logger.Warn().Str("topic", evt.Topic).Str("subscription", s.id).Str("service", s.service).
			Msg("bus: dropped event after block timeout")
	case <-s.done:
	}
}

func (b *Bus) countDrop(subscriptionID string) {
	if b.dropCounter != nil {
		b.dropCounter.WithLabelValues(subscriptionID).Inc()
	}
}

func (b *Bus) dispatchLoop(s *subscriberState) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.mailbox:
			b.invoke(s, evt)
		}
	}
}

func (b *Bus) invoke(s *subscriberState, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			err := recoveredError(r)
			b.logger.Error().Str("service", s.service).Str("topic", evt.Topic).
				Interface("panic", r).Msg("bus: handler panic recovered")
			if s.onError != nil {
				s.onError(err)
			}
		}
	}()
	s.handler(evt)
}

// DroppedCount returns how many events have been dropped for sub.
func (b *Bus) DroppedCount(sub Subscription) int64 {
	b.mu.RLock()
	s, ok := b.subsByID[sub.id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.dropped.Load()
}

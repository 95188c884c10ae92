package inproc

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"agentloom/internal/domain"
)

var (
	ErrQueueFull = errors.New("event bus queue is full")
	ErrClosed    = errors.New("event bus is closed")
)

const DefaultCapacity = 1000

type Handler func(domain.Event)

// Subscription receives matching events in publish order on its own
// goroutine.
type Subscription struct {
	pattern string
	handler Handler
	ch      chan domain.Event
	done    chan struct{}
	closed  bool
}

func (s *Subscription) Pattern() string {
	return s.pattern
}

// Bus is an in-process pub/sub over a bounded central queue. It is a
// convenience for live observers; the event log remains the source of truth.
type Bus struct {
	mu       sync.RWMutex
	subs     []*Subscription
	queue    chan domain.Event
	buffer   int
	logger   *log.Logger
	dropped  atomic.Int64
	started  bool
	closed   bool
	stop     chan struct{}
	stopped  chan struct{}
	startMux sync.Mutex
}

func New(buffer int, logger *log.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultCapacity
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		queue:   make(chan domain.Event, buffer),
		buffer:  buffer,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (b *Bus) Start(ctx context.Context) {
	b.startMux.Lock()
	defer b.startMux.Unlock()
	if b.started {
		return
	}
	b.started = true
	go b.dispatch(ctx)
}

func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case ev := <-b.queue:
			b.fanOut(ev)
		case <-ctx.Done():
			b.drain()
			return
		case <-b.stop:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case ev := <-b.queue:
			b.fanOut(ev)
		default:
			return
		}
	}
}

func (b *Bus) fanOut(ev domain.Event) {
	topic := ev.Topic()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.closed || !Match(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Printf("bus drop subscriber_full pattern=%s topic=%s event_id=%d", sub.pattern, topic, ev.ID)
		}
	}
}

// Publish enqueues ev. When the queue is full the newest event (ev) is
// dropped and ErrQueueFull is returned.
func (b *Bus) Publish(ev domain.Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		b.dropped.Add(1)
		b.logger.Printf("bus drop queue_full capacity=%d topic=%s event_id=%d", b.buffer, ev.Topic(), ev.ID)
		return ErrQueueFull
	}
}

func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = "*"
	}
	sub := &Subscription{
		pattern: pattern,
		handler: handler,
		ch:      make(chan domain.Event, b.buffer),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	go b.consume(sub)
	return sub
}

func (b *Bus) consume(sub *Subscription) {
	defer close(sub.done)
	for ev := range sub.ch {
		b.invoke(sub, ev)
	}
}

func (b *Bus) invoke(sub *Subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Printf("bus handler panic pattern=%s topic=%s event_id=%d panic=%v", sub.pattern, ev.Topic(), ev.ID, r)
		}
	}()
	sub.handler(ev)
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if sub.closed {
		b.mu.Unlock()
		return
	}
	sub.closed = true
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	close(sub.ch)
	b.mu.Unlock()
	<-sub.done
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close delivers what is already queued, then stops every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.startMux.Lock()
	started := b.started
	b.startMux.Unlock()
	if started {
		close(b.stop)
		<-b.stopped
	} else {
		b.drain()
	}

	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	for _, sub := range subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		<-sub.done
	}
}

// Match reports whether topic ("category:action") satisfies pattern. Supported
// patterns are "*", "category:*" and an exact "category:action".
func Match(pattern, topic string) bool {
	if pattern == "*" || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		category, _, _ := strings.Cut(topic, ":")
		return category == prefix
	}
	return false
}

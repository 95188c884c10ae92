package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"agentloom/internal/domain"
	"agentloom/internal/store/sqlite"
)

const DefaultRetries = sqlite.DefaultRetries

type Filter = sqlite.EventFilter

type Store interface {
	AppendEvent(ctx context.Context, ev domain.Event) (int64, error)
	QueryEvents(ctx context.Context, f sqlite.EventFilter) ([]domain.Event, error)
}

type Publisher interface {
	Publish(ev domain.Event) error
}

type Options struct {
	Retries    int
	RetryDelay time.Duration
	Logger     *log.Logger
}

// Log is the append-only event log. Transient store errors are retried a
// bounded number of times before surfacing as domain.ErrTransientIO.
type Log struct {
	store  Store
	bus    Publisher
	retry  sqlite.RetryPolicy
	logger *log.Logger
	now    func() time.Time
}

func New(store Store, bus Publisher, opts Options) *Log {
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = sqlite.DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	logger := opts.Logger
	return &Log{
		store: store,
		bus:   bus,
		retry: sqlite.RetryPolicy{
			Attempts: opts.Retries,
			Delay:    opts.RetryDelay,
			OnBusy: func(attempt int, err error) {
				logger.Printf("eventlog store busy attempt=%d err=%v", attempt, err)
			},
		},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Log) Append(ctx context.Context, ev domain.Event) (int64, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	var id int64
	err := l.do(ctx, "append", func() error {
		var appendErr error
		id, appendErr = l.store.AppendEvent(ctx, ev)
		return appendErr
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (l *Log) Query(ctx context.Context, f Filter) ([]domain.Event, error) {
	var events []domain.Event
	err := l.do(ctx, "query", func() error {
		var queryErr error
		events, queryErr = l.store.QueryEvents(ctx, f)
		return queryErr
	})
	return events, err
}

func (l *Log) Emit(ctx context.Context, ev domain.Event) (domain.Event, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	id, err := l.Append(ctx, ev)
	if err != nil {
		return domain.Event{}, err
	}
	ev.ID = id
	if len(ev.Payload) == 0 {
		ev.Payload = json.RawMessage(`{}`)
	}
	if l.bus != nil {
		if err := l.bus.Publish(ev); err != nil {
			l.logger.Printf("eventlog publish failed event_id=%d topic=%s err=%v", id, ev.Topic(), err)
		}
	}
	return ev, nil
}

func (l *Log) do(ctx context.Context, op string, fn func() error) error {
	if err := l.retry.Do(ctx, fn); err != nil {
		return fmt.Errorf("eventlog %s: %w", op, err)
	}
	return nil
}

func Payload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

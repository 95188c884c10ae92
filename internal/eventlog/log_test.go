package eventlog

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentloom/internal/domain"
	"agentloom/internal/store/sqlite"
)

type flakyStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	events   []domain.Event
}

func (f *flakyStore) AppendEvent(_ context.Context, ev domain.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("database is locked (5) (SQLITE_BUSY)")
	}
	ev.ID = int64(len(f.events) + 1)
	f.events = append(f.events, ev)
	return ev.ID, nil
}

func (f *flakyStore) QueryEvents(context.Context, sqlite.EventFilter) ([]domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Event(nil), f.events...), nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingBus) Publish(ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestAppendRetriesTransientErrors(t *testing.T) {
	store := &flakyStore{failures: 2}
	l := New(store, nil, Options{Retries: 3, RetryDelay: time.Millisecond, Logger: quiet()})

	id, err := l.Append(context.Background(), domain.Event{Category: domain.CategoryAgent, Action: domain.ActionMessage})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, 3, store.calls)
}

func TestAppendSurfacesExhaustedRetriesAsTransient(t *testing.T) {
	store := &flakyStore{failures: 10}
	l := New(store, nil, Options{Retries: 3, RetryDelay: time.Millisecond, Logger: quiet()})

	_, err := l.Append(context.Background(), domain.Event{Category: domain.CategoryAgent, Action: domain.ActionMessage})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, 3, store.calls)
}

func TestEmitPublishesStoredEvent(t *testing.T) {
	store := &flakyStore{}
	bus := &recordingBus{}
	l := New(store, bus, Options{Logger: quiet()})

	ev, err := l.Emit(context.Background(), domain.Event{Category: domain.CategoryAgent, Action: domain.ActionCompleted, FromAgent: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)
	require.Len(t, bus.events, 1)
	assert.Equal(t, ev.ID, bus.events[0].ID)
	assert.Equal(t, "agent:completed", bus.events[0].Topic())
	assert.JSONEq(t, `{}`, string(bus.events[0].Payload))
}

func TestReplayIsDeterministicOverSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Migrate(ctx))

	l := New(store, nil, Options{Logger: quiet()})
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, domain.Event{
			Category:  domain.CategoryAgent,
			Action:    domain.ActionMessage,
			FromAgent: "a",
			ToAgent:   "find:b",
			Payload:   Payload(map[string]int{"i": i}),
		})
		require.NoError(t, err)
	}

	first, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	second, err := l.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	require.Len(t, first, 5)
	assert.Equal(t, "find:b", first[4].ToAgent)
}

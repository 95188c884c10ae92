package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentloom/internal/domain"
	"agentloom/internal/store/sqlite"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}}
}

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) List(_ context.Context, prefix string) ([]domain.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.KVEntry
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.KVEntry{Key: k, Value: v})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type memEmitter struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memEmitter) Emit(_ context.Context, ev domain.Event) (domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *memEmitter) topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Topic())
	}
	return out
}

func quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestAskTimesOutWithinDeadlinePlusOnePoll(t *testing.T) {
	kv := newMemKV()
	asker := NewAsker(kv, AskerOptions{Logger: quiet()})

	start := time.Now()
	_, err := asker.Ask(context.Background(), AskRequest{
		MsgID:    "m1",
		AgentID:  "a",
		Question: "proceed?",
		Timeout:  50 * time.Millisecond,
		Interval: 20 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, elapsed, 50*time.Millisecond+20*time.Millisecond+200*time.Millisecond)

	q, err := GetQuestion(context.Background(), kv, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusTimeout, q.Status)
}

func TestAskNeverSleepsPastDeadline(t *testing.T) {
	kv := newMemKV()
	asker := NewAsker(kv, AskerOptions{Logger: quiet()})

	start := time.Now()
	_, err := asker.Ask(context.Background(), AskRequest{
		AgentID:  "a",
		Question: "slow poll",
		Timeout:  50 * time.Millisecond,
		Interval: 10 * time.Second,
	})
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAskReturnsAnswerFromRespond(t *testing.T) {
	kv := newMemKV()
	events := &memEmitter{}
	asker := NewAsker(kv, AskerOptions{Logger: quiet()})
	coord := NewCoordinator(kv, events, Options{PollInterval: 10 * time.Millisecond, Logger: quiet()})

	type outcome struct {
		answer string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		answer, err := asker.Ask(context.Background(), AskRequest{
			MsgID:    "m2",
			AgentID:  "a",
			Question: "pick one",
			Options:  []string{"x", "y"},
			Timeout:  5 * time.Second,
			Interval: 10 * time.Millisecond,
		})
		done <- outcome{answer, err}
	}()

	require.Eventually(t, func() bool {
		_, err := GetQuestion(context.Background(), kv, "m2")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	res, err := coord.Respond(context.Background(), "a", "m2", "y")
	require.NoError(t, err)
	assert.False(t, res.Stale)
	assert.NotZero(t, res.ResumeEventID)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "y", out.answer)
	case <-time.After(3 * time.Second):
		t.Fatal("ask did not return after respond")
	}

	q, err := GetQuestion(context.Background(), kv, "m2")
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusAnswered, q.Status)
	assert.Contains(t, events.topics(), "agent:resumed")
}

func TestScanAnnouncesEachQuestionOnce(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	events := &memEmitter{}
	coord := NewCoordinator(kv, events, Options{Logger: quiet()})

	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{MsgID: "m1", AgentID: "a", Question: "q1", Status: domain.QuestionStatusPending, CreatedAt: time.Now().UTC()}))
	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{MsgID: "m2", AgentID: "b", Question: "q2", Status: domain.QuestionStatusAnswered, CreatedAt: time.Now().UTC()}))
	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{MsgID: "m3", AgentID: "c", Question: "q3", Status: domain.QuestionStatusPending, Announced: true, CreatedAt: time.Now().UTC()}))

	n, err := coord.Scan(ctx, "default", kv)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = coord.Scan(ctx, "default", kv)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, events.events, 1)
	blocked := events.events[0]
	assert.Equal(t, "agent:blocked", blocked.Topic())
	assert.Equal(t, "a", blocked.FromAgent)
	assert.JSONEq(t, `{"msg_id":"m1","question":"q1","options":null}`, string(blocked.Payload))
}

func TestScanExpiresTurnLevelQuestions(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	events := &memEmitter{}
	coord := NewCoordinator(kv, events, Options{Logger: quiet()})

	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{
		MsgID:     "m1",
		AgentID:   "a",
		Status:    domain.QuestionStatusPending,
		Announced: true,
		CreatedAt: time.Now().UTC().Add(-time.Minute),
		Timeout:   time.Second,
	}))

	_, err := coord.Scan(ctx, "default", kv)
	require.NoError(t, err)

	q, err := GetQuestion(ctx, kv, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusTimeout, q.Status)
	assert.Equal(t, []string{"agent:failed"}, events.topics())

	res, err := coord.Respond(ctx, "a", "m1", "late")
	require.NoError(t, err)
	assert.True(t, res.Stale)
}

func TestRespondValidatesOwnership(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	events := &memEmitter{}
	coord := NewCoordinator(kv, events, Options{Logger: quiet()})

	_, err := coord.Respond(ctx, "a", "missing", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{MsgID: "m1", AgentID: "a", Status: domain.QuestionStatusPending}))
	_, err = coord.Respond(ctx, "b", "m1", "x")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	first, err := coord.Respond(ctx, "a", "m1", "x")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := coord.Respond(ctx, "a", "m1", "y")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, "x", second.Answer)
	assert.Equal(t, []string{"agent:resumed"}, events.topics())
}

func TestRunStopsOnCancel(t *testing.T) {
	kv := newMemKV()
	coord := NewCoordinator(kv, &memEmitter{}, Options{PollInterval: 5 * time.Millisecond, Logger: quiet()})
	coord.Observe("secondary", newMemKV())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- coord.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

// busyKV fails the first putFailures writes the way a locked SQLite database does.
type busyKV struct {
	*memKV
	mu          sync.Mutex
	putFailures int
	puts        int
}

func (b *busyKV) Put(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	b.puts++
	if b.putFailures > 0 {
		b.putFailures--
		b.mu.Unlock()
		return errors.New("database is locked (5) (SQLITE_BUSY)")
	}
	b.mu.Unlock()
	return b.memKV.Put(ctx, key, value)
}

func fastRetry(attempts int) sqlite.RetryPolicy {
	return sqlite.RetryPolicy{Attempts: attempts, Delay: time.Millisecond}
}

func TestAskRetriesBusyQuestionWrite(t *testing.T) {
	ctx := context.Background()
	kv := &busyKV{memKV: newMemKV(), putFailures: 1}
	raw, err := json.Marshal(domain.Response{MsgID: "m1", Answer: "ok"})
	require.NoError(t, err)
	require.NoError(t, kv.memKV.Put(ctx, domain.ResponseKey("m1"), raw))

	asker := NewAsker(kv, AskerOptions{Retry: fastRetry(3), Logger: quiet()})
	answer, err := asker.Ask(ctx, AskRequest{MsgID: "m1", AgentID: "a", Question: "q", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "ok", answer)
	assert.GreaterOrEqual(t, kv.puts, 2)
}

func TestAskSurfacesExhaustedBusyWritesAsTransient(t *testing.T) {
	kv := &busyKV{memKV: newMemKV(), putFailures: 100}
	asker := NewAsker(kv, AskerOptions{Retry: fastRetry(3), Logger: quiet()})

	_, err := asker.Ask(context.Background(), AskRequest{MsgID: "m1", AgentID: "a", Question: "q", Timeout: time.Second})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, 3, kv.puts)
}

func TestRespondRetriesBusyResponseWrite(t *testing.T) {
	ctx := context.Background()
	kv := &busyKV{memKV: newMemKV()}
	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{MsgID: "m1", AgentID: "a", Status: domain.QuestionStatusPending}))
	kv.putFailures = 2
	coord := NewCoordinator(kv, &memEmitter{}, Options{Retry: fastRetry(5), Logger: quiet()})

	res, err := coord.Respond(ctx, "a", "m1", "yes")
	require.NoError(t, err)
	assert.NotZero(t, res.ResumeEventID)
	resp, ok, err := GetResponse(ctx, kv, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "yes", resp.Answer)
}

func TestRespondAfterTimeoutIsStaleAndSilent(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	events := &memEmitter{}
	coord := NewCoordinator(kv, events, Options{Logger: quiet()})
	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{MsgID: "m1", AgentID: "a", Status: domain.QuestionStatusPending}))

	prior, err := transitionQuestion(ctx, kv, "m1", domain.QuestionStatusTimeout)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusPending, prior)

	res, err := coord.Respond(ctx, "a", "m1", "late")
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Zero(t, res.ResumeEventID)
	assert.Empty(t, events.topics())

	q, err := GetQuestion(ctx, kv, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusTimeout, q.Status)
	_, ok, err := GetResponse(ctx, kv, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTimeoutDoesNotOverwriteAnswer(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	require.NoError(t, PutQuestion(ctx, kv, domain.PendingQuestion{MsgID: "m1", AgentID: "a", Status: domain.QuestionStatusPending}))

	prior, stored, err := answerQuestion(ctx, kv, domain.Response{MsgID: "m1", Answer: "yes"})
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusPending, prior)
	assert.Equal(t, "yes", stored.Answer)

	prior, err = transitionQuestion(ctx, kv, "m1", domain.QuestionStatusTimeout)
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusAnswered, prior)
	q, err := GetQuestion(ctx, kv, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.QuestionStatusAnswered, q.Status)
}

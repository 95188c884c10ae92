package runner

import (
	"context"
	"encoding/json"
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
	"agentloom/internal/eventlog"
	"agentloom/internal/interaction"
	"agentloom/internal/route"
	"agentloom/internal/store/sqlite"
)

type harness struct {
	store  *sqlite.Store
	events *eventlog.Log
	logger *log.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	logger := log.New(io.Discard, "", 0)
	return &harness{
		store:  store,
		events: eventlog.New(store, nil, eventlog.Options{Logger: logger}),
		logger: logger,
	}
}

func (h *harness) runner(worker Worker, policy route.MissPolicy) *Runner {
	return New(h.store, h.events, h.store, worker, Options{MissPolicy: policy, Logger: h.logger})
}

func (h *harness) agent(t *testing.T, id, name, parent string) {
	t.Helper()
	require.NoError(t, h.store.SaveState(context.Background(), domain.NewAgentState(domain.AgentIdentity{
		ID: id, Name: name, Kind: "file", ParentID: parent,
	}, "")))
}

func (h *harness) topics(t *testing.T, f eventlog.Filter) []string {
	t.Helper()
	events, err := h.events.Query(context.Background(), f)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Topic())
	}
	return out
}

func manual() domain.Trigger {
	return domain.Trigger{Kind: domain.TriggerManual}
}

func TestBroadcastReachesChildrenOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "p", "pkg", "")
	h.agent(t, "c1", "a.go", "p")
	h.agent(t, "c2", "b.go", "p")
	h.agent(t, "u", "other", "")

	inboxes := map[string]int{}
	worker := WorkerFunc(func(_ context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
		inboxes[in.Agent.Identity.ID] = len(in.Inbox)
		if in.Agent.Identity.ID == "p" {
			return domain.TurnOutput{Messages: []domain.OutgoingMessage{{
				To:      "broadcast:children",
				Payload: json.RawMessage(`{"text":"hello children"}`),
			}}}, nil
		}
		return domain.TurnOutput{}, nil
	})
	r := h.runner(worker, route.MissDrop)

	res, err := r.RunTurn(ctx, "p", manual())
	require.NoError(t, err)
	require.Equal(t, domain.TurnStatusCompleted, res.Status)
	require.Len(t, res.Emitted, 1)

	for _, id := range []string{"c1", "c2", "u"} {
		_, err := r.RunTurn(ctx, id, domain.Trigger{Kind: domain.TriggerMessageReceived})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inboxes["c1"])
	assert.Equal(t, 1, inboxes["c2"])
	assert.Equal(t, 0, inboxes["u"])

	events, err := h.events.Query(ctx, eventlog.Filter{ToAgent: "c2", Category: domain.CategoryAgent})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "broadcast:children", events[0].ToAgent)

	res, err = r.RunTurn(ctx, "c1", domain.Trigger{Kind: domain.TriggerMessageReceived})
	require.NoError(t, err)
	assert.Zero(t, res.InboxCount)
	assert.Equal(t, 0, inboxes["c1"])
}

func TestWorkerFailureLeavesCursorAndTrail(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "a", "a", "")
	_, err := h.events.Append(ctx, domain.Event{Category: domain.CategoryUser, Action: domain.ActionChat, FromAgent: "user", ToAgent: "a"})
	require.NoError(t, err)

	r := h.runner(WorkerFunc(func(context.Context, domain.TurnInput) (domain.TurnOutput, error) {
		return domain.TurnOutput{}, errors.New("model unavailable")
	}), route.MissDrop)

	res, err := r.RunTurn(ctx, "a", manual())
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusFailed, res.Status)
	assert.Contains(t, res.Error, "model unavailable")

	state, err := h.store.LoadState(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, state.LastSeenEventID)
	assert.Equal(t, domain.TurnStatusFailed, state.LastStatus)
	assert.Contains(t, h.topics(t, eventlog.Filter{Category: domain.CategoryAgent}), "agent:failed")
}

func TestUnknownAndOrphanedAgentsDoNotRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	ran := false
	r := h.runner(WorkerFunc(func(context.Context, domain.TurnInput) (domain.TurnOutput, error) {
		ran = true
		return domain.TurnOutput{}, nil
	}), route.MissDrop)

	_, err := r.RunTurn(ctx, "ghost", manual())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	state := domain.NewAgentState(domain.AgentIdentity{ID: "o", Name: "o"}, "")
	state.Orphaned = true
	require.NoError(t, h.store.SaveState(ctx, state))
	_, err = r.RunTurn(ctx, "o", manual())
	assert.ErrorIs(t, err, domain.ErrOrphaned)

	assert.False(t, ran)
	assert.Empty(t, h.topics(t, eventlog.Filter{}))
}

func TestBlockedTurnResumesWithResponse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "a", "a", "")

	var lastResponses []domain.Response
	r := h.runner(WorkerFunc(func(_ context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
		lastResponses = in.Responses
		if len(in.Responses) == 0 {
			return domain.TurnOutput{Question: &domain.QuestionRequest{Question: "deploy?", Options: []string{"yes", "no"}}}, nil
		}
		return domain.TurnOutput{Reply: "answer was " + in.Responses[0].Answer}, nil
	}), route.MissDrop)

	res, err := r.RunTurn(ctx, "a", manual())
	require.NoError(t, err)
	require.Equal(t, domain.TurnStatusBlocked, res.Status)
	require.NotEmpty(t, res.QuestionID)

	q, err := interaction.GetQuestion(ctx, h.store, res.QuestionID)
	require.NoError(t, err)
	assert.True(t, q.Announced)
	assert.Equal(t, domain.QuestionStatusPending, q.Status)

	state, err := h.store.LoadState(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{res.QuestionID}, state.PendingQuestions)

	coord := interaction.NewCoordinator(h.store, h.events, interaction.Options{Logger: h.logger})
	announced, err := coord.Scan(ctx, "default", h.store)
	require.NoError(t, err)
	assert.Zero(t, announced)

	_, err = coord.Respond(ctx, "a", res.QuestionID, "yes")
	require.NoError(t, err)

	res, err = r.RunTurn(ctx, "a", domain.Trigger{Kind: domain.TriggerMessageReceived})
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCompleted, res.Status)
	assert.Equal(t, "answer was yes", res.Reply)
	require.Len(t, lastResponses, 1)

	state, err = h.store.LoadState(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, state.PendingQuestions)
}

func TestFindMissPolicies(t *testing.T) {
	ctx := context.Background()
	send := WorkerFunc(func(_ context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
		if in.Trigger.Kind == domain.TriggerManual {
			return domain.TurnOutput{Messages: []domain.OutgoingMessage{{To: "find:cache"}}}, nil
		}
		return domain.TurnOutput{}, nil
	})

	h := newHarness(t)
	h.agent(t, "root", "root", "")
	h.agent(t, "a", "a", "root")
	r := h.runner(send, route.MissDrop)
	res, err := r.RunTurn(ctx, "a", manual())
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCompleted, res.Status)
	assert.Empty(t, res.Emitted)
	assert.Contains(t, h.topics(t, eventlog.Filter{}), "agent:route_dropped")

	h = newHarness(t)
	h.agent(t, "root", "root", "")
	h.agent(t, "a", "a", "root")
	r = h.runner(send, route.MissNotify)
	_, err = r.RunTurn(ctx, "a", manual())
	require.NoError(t, err)
	assert.Equal(t, []string{"agent:route_not_found"}, h.topics(t, eventlog.Filter{ToAgent: "a"}))
}

func TestFindResolvesThroughParentConnections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := domain.NewAgentState(domain.AgentIdentity{ID: "root", Name: "root"}, "")
	root.Connections["db"] = "db-agent"
	require.NoError(t, h.store.SaveState(ctx, root))
	h.agent(t, "a", "a", "root")
	h.agent(t, "db-agent", "db", "")

	r := h.runner(WorkerFunc(func(_ context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
		if in.Agent.Identity.ID == "a" {
			return domain.TurnOutput{Messages: []domain.OutgoingMessage{{To: "find:db", Payload: json.RawMessage(`{"q":1}`)}}}, nil
		}
		return domain.TurnOutput{}, nil
	}), route.MissDrop)

	_, err := r.RunTurn(ctx, "a", manual())
	require.NoError(t, err)
	res, err := r.RunTurn(ctx, "db-agent", domain.Trigger{Kind: domain.TriggerMessageReceived})
	require.NoError(t, err)
	assert.Equal(t, 1, res.InboxCount)
}

func TestCancelledTurnSavesState(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "a", "a", "")

	ctx, cancel := context.WithCancel(context.Background())
	r := h.runner(WorkerFunc(func(ctx context.Context, _ domain.TurnInput) (domain.TurnOutput, error) {
		cancel()
		return domain.TurnOutput{}, ctx.Err()
	}), route.MissDrop)

	res, err := r.RunTurn(ctx, "a", manual())
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCancelled, res.Status)

	state, err := h.store.LoadState(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCancelled, state.LastStatus)
	assert.Contains(t, h.topics(t, eventlog.Filter{}), "agent:cancelled")
}

func TestChatAndFileChangedUpdateState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "a", "a", "")
	r := h.runner(WorkerFunc(func(_ context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
		if in.Trigger.Kind == domain.TriggerUserChat {
			return domain.TurnOutput{Reply: "hi", Connections: map[string]string{"peer": "b"}}, nil
		}
		return domain.TurnOutput{}, nil
	}), route.MissDrop)

	_, err := r.RunTurn(ctx, "a", domain.Trigger{Kind: domain.TriggerUserChat, Text: "hello"})
	require.NoError(t, err)
	_, err = r.RunTurn(ctx, "a", domain.Trigger{Kind: domain.TriggerFileChanged, ContentHash: "h2"})
	require.NoError(t, err)

	state, err := h.store.LoadState(ctx, "a")
	require.NoError(t, err)
	require.Len(t, state.ChatHistory, 2)
	assert.Equal(t, domain.RoleUser, state.ChatHistory[0].Role)
	assert.Equal(t, "hi", state.ChatHistory[1].Content)
	assert.Equal(t, "b", state.Connections["peer"])
	assert.Equal(t, "h2", state.ContentHash)
	assert.NotNil(t, state.LastActivated)
}

// cancelAfterFirstMessage cancels the turn once one agent:message is stored.
type cancelAfterFirstMessage struct {
	*eventlog.Log
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelAfterFirstMessage) Emit(ctx context.Context, ev domain.Event) (domain.Event, error) {
	stored, err := c.Log.Emit(ctx, ev)
	if err == nil && ev.Action == domain.ActionMessage {
		c.once.Do(c.cancel)
	}
	return stored, err
}

func TestPartialSendAdvancesCursorOnCancel(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "a", "a", "")
	h.agent(t, "b", "b", "")
	_, err := h.events.Append(context.Background(), domain.Event{Category: domain.CategoryUser, Action: domain.ActionChat, FromAgent: "user", ToAgent: "a"})
	require.NoError(t, err)

	var inboxes []int
	worker := WorkerFunc(func(_ context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
		inboxes = append(inboxes, len(in.Inbox))
		if len(in.Inbox) == 0 {
			return domain.TurnOutput{}, nil
		}
		return domain.TurnOutput{Messages: []domain.OutgoingMessage{
			{To: "b", Payload: json.RawMessage(`{"text":"one"}`)},
			{To: "b", Payload: json.RawMessage(`{"text":"two"}`)},
		}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := &cancelAfterFirstMessage{Log: h.events, cancel: cancel}
	r := New(h.store, events, h.store, worker, Options{Logger: h.logger})

	res, err := r.RunTurn(ctx, "a", manual())
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCancelled, res.Status)
	require.Len(t, res.Emitted, 1)

	res, err = h.runner(worker, route.MissDrop).RunTurn(context.Background(), "a", manual())
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCompleted, res.Status)
	assert.Empty(t, res.Emitted)
	assert.Equal(t, []int{1, 0}, inboxes)

	toB, err := h.events.Query(context.Background(), eventlog.Filter{ToAgent: "b", Category: domain.CategoryAgent})
	require.NoError(t, err)
	assert.Len(t, toB, 1)
}

// busyStates fails the first failures saves the way a locked SQLite database does.
type busyStates struct {
	*sqlite.Store
	mu       sync.Mutex
	failures int
	saves    int
}

func (b *busyStates) SaveState(ctx context.Context, state domain.AgentState) error {
	b.mu.Lock()
	b.saves++
	if b.failures > 0 {
		b.failures--
		b.mu.Unlock()
		return errors.New("save state: database is locked (5) (SQLITE_BUSY)")
	}
	b.mu.Unlock()
	return b.Store.SaveState(ctx, state)
}

func TestSaveStateRetriesBusyStore(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "a", "a", "")
	states := &busyStates{Store: h.store, failures: 2}
	r := New(states, h.events, h.store, WorkerFunc(func(context.Context, domain.TurnInput) (domain.TurnOutput, error) {
		return domain.TurnOutput{Reply: "saved"}, nil
	}), Options{Retry: sqlite.RetryPolicy{Attempts: 3, Delay: time.Millisecond}, Logger: h.logger})

	res, err := r.RunTurn(context.Background(), "a", manual())
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCompleted, res.Status)
	assert.Equal(t, 3, states.saves)

	state, err := h.store.LoadState(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusCompleted, state.LastStatus)
}

func TestExhaustedBusySaveFailsTurnAsTransient(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "a", "a", "")
	states := &busyStates{Store: h.store, failures: 100}
	r := New(states, h.events, h.store, WorkerFunc(func(context.Context, domain.TurnInput) (domain.TurnOutput, error) {
		return domain.TurnOutput{}, nil
	}), Options{Retry: sqlite.RetryPolicy{Attempts: 2, Delay: time.Millisecond}, Logger: h.logger})

	res, err := r.RunTurn(context.Background(), "a", manual())
	require.NoError(t, err)
	assert.Equal(t, domain.TurnStatusFailed, res.Status)
	assert.Contains(t, res.Error, domain.ErrTransientIO.Error())
	assert.Contains(t, h.topics(t, eventlog.Filter{}), "agent:failed")
}

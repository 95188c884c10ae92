package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"agentloom/internal/domain"
)

func TestAppendEventIsMonotonicAndReplayable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	var ids []int64
	for i, to := range []string{"agent-b", "broadcast:children", "find:db", "parent"} {
		id, err := store.AppendEvent(ctx, domain.Event{
			Category:  domain.CategoryAgent,
			Action:    domain.ActionMessage,
			FromAgent: "agent-a",
			ToAgent:   to,
			Payload:   json.RawMessage(`{"n":` + string(rune('0'+i)) + `}`),
		})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not monotonic: %v", ids)
		}
	}

	first, err := store.QueryEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	second, err := store.QueryEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("query events again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay differs:\n%+v\n%+v", first, second)
	}
	if first[1].ToAgent != "broadcast:children" || first[2].ToAgent != "find:db" {
		t.Fatalf("routing strings not stored verbatim: %q %q", first[1].ToAgent, first[2].ToAgent)
	}

	tail, err := store.QueryEvents(ctx, EventFilter{SinceID: ids[1]})
	if err != nil {
		t.Fatalf("query since: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != ids[2] {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	last, err := store.LastEventID(ctx)
	if err != nil {
		t.Fatalf("last event id: %v", err)
	}
	if last != ids[len(ids)-1] {
		t.Fatalf("last event id=%d want=%d", last, ids[len(ids)-1])
	}
}

func TestQueryEventsMatchesResolvedRecipients(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, err := store.AppendEvent(ctx, domain.Event{
		Category:   domain.CategoryAgent,
		Action:     domain.ActionMessage,
		FromAgent:  "root",
		ToAgent:    "broadcast:children",
		Recipients: []string{"child-2", "child-1", "child-1"},
	}); err != nil {
		t.Fatalf("append broadcast: %v", err)
	}
	if _, err := store.AppendEvent(ctx, domain.Event{
		Category:  domain.CategoryUser,
		Action:    domain.ActionChat,
		FromAgent: "user",
		ToAgent:   "child-1",
	}); err != nil {
		t.Fatalf("append chat: %v", err)
	}

	inbox, err := store.QueryEvents(ctx, EventFilter{ToAgent: "child-1"})
	if err != nil {
		t.Fatalf("query inbox: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("inbox size=%d want=2", len(inbox))
	}
	if !reflect.DeepEqual(inbox[0].Recipients, []string{"child-1", "child-2"}) {
		t.Fatalf("unexpected recipients: %v", inbox[0].Recipients)
	}

	agentOnly, err := store.QueryEvents(ctx, EventFilter{ToAgent: "child-1", Category: domain.CategoryAgent})
	if err != nil {
		t.Fatalf("query by category: %v", err)
	}
	if len(agentOnly) != 1 {
		t.Fatalf("category filter size=%d want=1", len(agentOnly))
	}

	none, err := store.QueryEvents(ctx, EventFilter{ToAgent: "child-3"})
	if err != nil {
		t.Fatalf("query unrelated inbox: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty inbox, got %d", len(none))
	}
}

func TestSaveStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	activated := time.Now().UTC().Truncate(time.Millisecond)
	state := domain.NewAgentState(domain.AgentIdentity{
		ID:       uuid.NewString(),
		Name:     "parser.go",
		Kind:     "file",
		ParentID: "dir-1",
		Path:     "src/parser.go",
	}, "abc123")
	state.Connections["db"] = "agent-db"
	state.ChatHistory = []domain.ChatMessage{{Role: domain.RoleUser, Content: "hello", EventID: 7, CreatedAt: activated}}
	state.LastSeenEventID = 42
	state.LastActivated = &activated
	state.PendingQuestions = []string{"q-1"}
	state.LastStatus = domain.TurnStatusCompleted

	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("save state: %v", err)
	}
	loaded, err := store.LoadState(ctx, state.Identity.ID)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if !reflect.DeepEqual(loaded, state) {
		t.Fatalf("round trip mismatch:\n got=%+v\nwant=%+v", loaded, state)
	}

	state.Orphaned = true
	state.LastSeenEventID = 50
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("overwrite state: %v", err)
	}
	loaded, err = store.LoadState(ctx, state.Identity.ID)
	if err != nil {
		t.Fatalf("reload state: %v", err)
	}
	if !loaded.Orphaned || loaded.LastSeenEventID != 50 {
		t.Fatalf("overwrite not applied: %+v", loaded)
	}
}

func TestLoadStateNotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.LoadState(context.Background(), "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadStateUpgradesV1Record(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	identity := domain.AgentIdentity{ID: "legacy", Name: "legacy", Kind: "file"}
	raw := []byte(`{"schema_version":1,"id":"legacy","name":"legacy","kind":"file","history":["a","b"],"last_seen":9}`)
	if err := store.PutRawState(ctx, identity, 1, raw); err != nil {
		t.Fatalf("put raw state: %v", err)
	}
	state, err := store.LoadState(ctx, "legacy")
	if err != nil {
		t.Fatalf("load legacy state: %v", err)
	}
	if state.SchemaVersion != domain.StateSchemaVersion {
		t.Fatalf("schema version=%d want=%d", state.SchemaVersion, domain.StateSchemaVersion)
	}
	if state.LastSeenEventID != 9 || len(state.ChatHistory) != 2 {
		t.Fatalf("unexpected upgraded state: %+v", state)
	}
}

func TestListChildrenAndFindByName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	for _, identity := range []domain.AgentIdentity{
		{ID: "root", Name: "root", Kind: "dir"},
		{ID: "a", Name: "a.go", Kind: "file", ParentID: "root"},
		{ID: "b", Name: "b.go", Kind: "file", ParentID: "root"},
		{ID: "c", Name: "a.go", Kind: "file", ParentID: "b"},
	} {
		if err := store.SaveState(ctx, domain.NewAgentState(identity, "")); err != nil {
			t.Fatalf("save %s: %v", identity.ID, err)
		}
	}

	children, err := store.ListChildren(ctx, "root")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != 2 || children[0].Identity.ID != "a" || children[1].Identity.ID != "b" {
		t.Fatalf("unexpected children: %+v", children)
	}

	named, err := store.FindByName(ctx, "a.go")
	if err != nil {
		t.Fatalf("find by name: %v", err)
	}
	if len(named) != 2 {
		t.Fatalf("find by name size=%d want=2", len(named))
	}

	all, err := store.ListStates(ctx)
	if err != nil {
		t.Fatalf("list states: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("list states size=%d want=4", len(all))
	}
}

func TestKVPutGetList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	if _, ok, err := store.Get(ctx, domain.ResponseKey("m1")); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	for _, key := range []string{domain.QuestionKey("m2"), domain.QuestionKey("m1"), domain.ResponseKey("m1")} {
		if err := store.Put(ctx, key, []byte(`{"k":"`+key+`"}`)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := store.Put(ctx, domain.QuestionKey("m1"), []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	value, ok, err := store.Get(ctx, domain.QuestionKey("m1"))
	if err != nil || !ok {
		t.Fatalf("get question: ok=%v err=%v", ok, err)
	}
	if string(value) != `{"v":2}` {
		t.Fatalf("unexpected value %s", value)
	}

	entries, err := store.List(ctx, domain.QuestionKeyPrefix)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != domain.QuestionKey("m1") || entries[1].Key != domain.QuestionKey("m2") {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

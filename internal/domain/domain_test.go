package domain

import (
	"testing"
)

func TestParseDestination(t *testing.T) {
	tests := []struct {
		raw  string
		want Destination
	}{
		{raw: "agent-1", want: Direct("agent-1")},
		{raw: "parent", want: Parent()},
		{raw: "broadcast:children", want: Broadcast(BroadcastChildren)},
		{raw: "broadcast:*", want: Broadcast(BroadcastAll)},
		{raw: "find:reviewer", want: Find("reviewer")},
	}
	for _, tc := range tests {
		got, err := ParseDestination(tc.raw)
		if err != nil {
			t.Fatalf("ParseDestination(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseDestination(%q)=%+v want=%+v", tc.raw, got, tc.want)
		}
	}

	for _, raw := range []string{"", "find:", "broadcast:cousins"} {
		if _, err := ParseDestination(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestDestinationStringRoundTrip(t *testing.T) {
	for _, raw := range []string{"abc", "parent", "broadcast:children", "broadcast:siblings", "find:docs"} {
		d, err := ParseDestination(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if d.String() != raw {
			t.Fatalf("String()=%q want=%q", d.String(), raw)
		}
	}
}

func TestUpgradeStateFromV1(t *testing.T) {
	raw := []byte(`{"id":"a1","name":"main.go","kind":"file","parent_id":"d1","history":["hello","world"],"last_seen":42,"connections":{"docs":"a9"}}`)
	state, err := UpgradeState(raw)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if state.SchemaVersion != StateSchemaVersion {
		t.Fatalf("schema_version=%d want=%d", state.SchemaVersion, StateSchemaVersion)
	}
	if state.Identity.ID != "a1" || state.Identity.ParentID != "d1" {
		t.Fatalf("identity not carried over: %+v", state.Identity)
	}
	if state.LastSeenEventID != 42 {
		t.Fatalf("last_seen_event_id=%d want=42", state.LastSeenEventID)
	}
	if len(state.ChatHistory) != 2 || state.ChatHistory[1].Content != "world" {
		t.Fatalf("unexpected chat history: %+v", state.ChatHistory)
	}
	if state.Connections["docs"] != "a9" {
		t.Fatalf("connections not carried over: %+v", state.Connections)
	}
}

func TestUpgradeStateRejectsFutureVersion(t *testing.T) {
	if _, err := UpgradeState([]byte(`{"schema_version":99}`)); err == nil {
		t.Fatalf("expected error for unknown schema version")
	}
}

func TestTurnStatusTerminal(t *testing.T) {
	if TurnStatusRunning.Terminal() || TurnStatusQueued.Terminal() || TurnStatusPending.Terminal() {
		t.Fatalf("in-flight statuses must not be terminal")
	}
	if !TurnStatusBlocked.Terminal() || !TurnStatusSkipped.Terminal() {
		t.Fatalf("blocked and skipped are terminal")
	}
}

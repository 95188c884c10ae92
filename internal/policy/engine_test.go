package policy

import (
	"testing"

	"agentloom/internal/domain"
)

func TestParse(t *testing.T) {
	cases := map[string]ErrorPolicy{
		"":                StopGraph,
		"stop_graph":      StopGraph,
		"SKIP_DOWNSTREAM": SkipDownstream,
		" continue ":      Continue,
	}
	for raw, want := range cases {
		got, err := Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q=%s want=%s", raw, got, want)
		}
	}
	if _, err := Parse("retry"); !domain.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestGate(t *testing.T) {
	completed := domain.TurnStatusCompleted
	failed := domain.TurnStatusFailed
	blocked := domain.TurnStatusBlocked
	skipped := domain.TurnStatusSkipped

	cases := []struct {
		name     string
		policy   ErrorPolicy
		upstream []domain.TurnStatus
		want     Decision
	}{
		{"root node", StopGraph, nil, Run},
		{"all completed", StopGraph, []domain.TurnStatus{completed, completed}, Run},
		{"stop on failure", StopGraph, []domain.TurnStatus{completed, failed}, Wait},
		{"skip on failure", SkipDownstream, []domain.TurnStatus{failed}, Skip},
		{"skip propagates", SkipDownstream, []domain.TurnStatus{skipped}, Skip},
		{"continue past failure", Continue, []domain.TurnStatus{failed, completed}, Run},
		{"blocked waits under continue", Continue, []domain.TurnStatus{blocked}, Wait},
		{"blocked waits under skip", SkipDownstream, []domain.TurnStatus{failed, blocked}, Wait},
		{"running waits", StopGraph, []domain.TurnStatus{domain.TurnStatusRunning}, Wait},
	}
	for _, tc := range cases {
		got := New(tc.policy).Gate(tc.upstream)
		if got != tc.want {
			t.Fatalf("%s: gate=%s want=%s", tc.name, got, tc.want)
		}
	}
}

package policy

import (
	"fmt"
	"strings"

	"agentloom/internal/domain"
)

// ErrorPolicy selects how one node's failure affects the rest of a graph
// execution.
type ErrorPolicy string

const (
	StopGraph      ErrorPolicy = "STOP_GRAPH"
	SkipDownstream ErrorPolicy = "SKIP_DOWNSTREAM"
	Continue       ErrorPolicy = "CONTINUE"
)

func Parse(raw string) (ErrorPolicy, error) {
	switch ErrorPolicy(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", StopGraph:
		return StopGraph, nil
	case SkipDownstream:
		return SkipDownstream, nil
	case Continue:
		return Continue, nil
	default:
		return "", &domain.ConfigurationError{Reason: fmt.Sprintf("unknown error policy %q", raw)}
	}
}

type Decision int

const (
	// Wait leaves the node PENDING.
	Wait Decision = iota
	Run
	Skip
)

func (d Decision) String() string {
	switch d {
	case Run:
		return "run"
	case Skip:
		return "skip"
	default:
		return "wait"
	}
}

type Engine struct {
	policy ErrorPolicy
}

func New(policy ErrorPolicy) *Engine {
	if policy == "" {
		policy = StopGraph
	}
	return &Engine{policy: policy}
}

func (e *Engine) Policy() ErrorPolicy {
	return e.policy
}

// HaltsOnFailure reports whether a FAILED node stops every batch after the
// current one.
func (e *Engine) HaltsOnFailure() bool {
	return e.policy == StopGraph
}

// Gate decides whether a node may start given the statuses of its direct
// upstream nodes. BLOCKED or unfinished upstreams always mean Wait.
func (e *Engine) Gate(upstream []domain.TurnStatus) Decision {
	decision := Run
	for _, status := range upstream {
		switch status {
		case domain.TurnStatusCompleted:
		case domain.TurnStatusFailed:
			switch e.policy {
			case Continue:
			case SkipDownstream:
				decision = Skip
			default:
				return Wait
			}
		case domain.TurnStatusSkipped:
			switch e.policy {
			case Continue:
			case SkipDownstream:
				decision = Skip
			default:
				return Wait
			}
		default:
			return Wait
		}
	}
	return decision
}

package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"agentloom/internal/domain"
	"agentloom/internal/eventlog"
	"agentloom/internal/graph"
	"agentloom/internal/policy"
)

const DefaultMaxConcurrency = 4

type TurnRunner interface {
	RunTurn(ctx context.Context, agentID string, trigger domain.Trigger) (domain.TurnResult, error)
}

type Emitter interface {
	Emit(ctx context.Context, ev domain.Event) (domain.Event, error)
}

// Executor runs graphs batch by batch. One semaphore bounds running turns
// across every execution and every RunOne call.
type Executor struct {
	runner TurnRunner
	events Emitter
	sem    *semaphore.Weighted
	limit  int
	logger *log.Logger
}

func New(runner TurnRunner, events Emitter, maxConcurrency int, logger *log.Logger) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		runner: runner,
		events: events,
		sem:    semaphore.NewWeighted(int64(maxConcurrency)),
		limit:  maxConcurrency,
		logger: logger,
	}
}

func (e *Executor) MaxConcurrency() int {
	return e.limit
}

func (e *Executor) RunOne(ctx context.Context, agentID string, trigger domain.Trigger) (domain.TurnResult, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return domain.TurnResult{
			AgentID: agentID,
			Trigger: trigger,
			Status:  domain.TurnStatusCancelled,
			Error:   domain.ErrCancelled.Error(),
		}, fmt.Errorf("acquire turn slot: %w", domain.ErrCancelled)
	}
	defer e.sem.Release(1)
	return e.runner.RunTurn(ctx, agentID, trigger)
}

type ExecOptions struct {
	Policy  policy.ErrorPolicy
	Trigger domain.Trigger
}

type Report struct {
	ExecutionID string                       `json:"execution_id"`
	Policy      policy.ErrorPolicy           `json:"policy"`
	Batches     [][]string                   `json:"batches"`
	Statuses    map[string]domain.TurnStatus `json:"statuses"`
	Results     map[string]domain.TurnResult `json:"results,omitempty"`
	Halted      bool                         `json:"halted,omitempty"`
	Cancelled   bool                         `json:"cancelled,omitempty"`
	StartedAt   time.Time                    `json:"started_at"`
	FinishedAt  time.Time                    `json:"finished_at"`
}

type execution struct {
	id       string
	g        *graph.Graph
	engine   *policy.Engine
	mu       sync.Mutex
	statuses map[string]domain.TurnStatus
	results  map[string]domain.TurnResult
}

func (x *execution) status(name string) domain.TurnStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.statuses[name]
}

func (x *execution) set(name string, status domain.TurnStatus) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.statuses[name] = status
}

// Execute runs g to completion or until the error policy or ctx stops it.
// Only a nil graph is an error; per-node failures are reported in Report.
func (e *Executor) Execute(ctx context.Context, g *graph.Graph, opts ExecOptions) (Report, error) {
	if g == nil {
		return Report{}, &domain.ConfigurationError{Reason: "nil graph"}
	}
	if opts.Policy == "" {
		opts.Policy = policy.StopGraph
	}
	if opts.Trigger.Kind == "" {
		opts.Trigger.Kind = domain.TriggerManual
	}
	x := &execution{
		id:       uuid.NewString(),
		g:        g,
		engine:   policy.New(opts.Policy),
		statuses: make(map[string]domain.TurnStatus, g.Len()),
		results:  make(map[string]domain.TurnResult, g.Len()),
	}
	for _, name := range g.Names() {
		x.statuses[name] = domain.TurnStatusPending
	}
	report := Report{
		ExecutionID: x.id,
		Policy:      opts.Policy,
		Batches:     g.Batches(),
		StartedAt:   time.Now().UTC(),
	}
	e.emit(ctx, x, domain.ActionGraphStarted, map[string]any{
		"execution_id":    x.id,
		"policy":          opts.Policy,
		"batches":         report.Batches,
		"max_concurrency": e.limit,
	})
	e.logger.Printf("graph execution start id=%s nodes=%d batches=%d policy=%s", x.id, g.Len(), len(report.Batches), opts.Policy)

	for i, batch := range report.Batches {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		failed := e.runBatch(ctx, x, batch, opts.Trigger)
		e.logger.Printf("graph batch done id=%s batch=%d size=%d failed=%d", x.id, i, len(batch), failed)
		if failed > 0 && x.engine.HaltsOnFailure() {
			report.Halted = true
			break
		}
	}
	if ctx.Err() != nil {
		report.Cancelled = true
		for _, name := range g.Names() {
			switch x.status(name) {
			case domain.TurnStatusPending, domain.TurnStatusQueued:
				e.transition(ctx, x, name, domain.TurnStatusCancelled)
			}
		}
	}

	x.mu.Lock()
	report.Statuses = make(map[string]domain.TurnStatus, len(x.statuses))
	for k, v := range x.statuses {
		report.Statuses[k] = v
	}
	report.Results = x.results
	x.mu.Unlock()
	report.FinishedAt = time.Now().UTC()

	e.emit(ctx, x, domain.ActionGraphDone, map[string]any{
		"execution_id": x.id,
		"statuses":     report.Statuses,
		"halted":       report.Halted,
		"cancelled":    report.Cancelled,
	})
	e.logger.Printf("graph execution done id=%s halted=%t cancelled=%t", x.id, report.Halted, report.Cancelled)
	return report, nil
}

// runBatch starts every eligible member and returns once all of them are
// terminal. It reports how many members failed.
func (e *Executor) runBatch(ctx context.Context, x *execution, batch []string, trigger domain.Trigger) int {
	var runnable []string
	for _, name := range batch {
		node, _ := x.g.Node(name)
		upstream := make([]domain.TurnStatus, 0, len(node.Upstream))
		for _, up := range node.Upstream {
			upstream = append(upstream, x.status(up))
		}
		switch x.engine.Gate(upstream) {
		case policy.Run:
			e.transition(ctx, x, name, domain.TurnStatusQueued)
			runnable = append(runnable, name)
		case policy.Skip:
			e.transition(ctx, x, name, domain.TurnStatusSkipped)
		}
	}

	var wg sync.WaitGroup
	for _, name := range runnable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runNode(ctx, x, name, trigger)
		}()
	}
	wg.Wait()

	failed := 0
	for _, name := range runnable {
		if x.status(name) == domain.TurnStatusFailed {
			failed++
		}
	}
	return failed
}

func (e *Executor) runNode(ctx context.Context, x *execution, name string, trigger domain.Trigger) {
	node, _ := x.g.Node(name)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		e.transition(ctx, x, name, domain.TurnStatusCancelled)
		return
	}
	defer e.sem.Release(1)
	if ctx.Err() != nil {
		e.transition(ctx, x, name, domain.TurnStatusCancelled)
		return
	}

	e.transition(ctx, x, name, domain.TurnStatusRunning)
	result, err := e.runner.RunTurn(ctx, node.Identity.ID, trigger)
	status := result.Status
	if err != nil || !status.Terminal() {
		if err != nil {
			result.Error = err.Error()
			e.logger.Printf("graph node error node=%s agent=%s err=%v", name, node.Identity.ID, err)
		}
		status = domain.TurnStatusFailed
	}
	x.mu.Lock()
	x.results[name] = result
	x.mu.Unlock()
	e.transition(ctx, x, name, status)
}

func (e *Executor) transition(ctx context.Context, x *execution, name string, status domain.TurnStatus) {
	x.set(name, status)
	node, _ := x.g.Node(name)
	e.emit(ctx, x, domain.ActionNodeStatus, map[string]any{
		"execution_id": x.id,
		"node":         name,
		"agent_id":     node.Identity.ID,
		"status":       status,
	})
}

func (e *Executor) emit(ctx context.Context, x *execution, action string, payload map[string]any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Emit(context.WithoutCancel(ctx), domain.Event{
		Category:      domain.CategoryGraph,
		Action:        action,
		FromAgent:     "scheduler",
		CorrelationID: x.id,
		Payload:       eventlog.Payload(payload),
	}); err != nil {
		e.logger.Printf("graph emit failed id=%s action=%s err=%v", x.id, action, err)
	}
}

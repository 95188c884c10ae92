package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentloom/internal/domain"
	"agentloom/internal/eventlog"
	"agentloom/internal/interaction"
	"agentloom/internal/route"
	"agentloom/internal/store/sqlite"
)

type Worker interface {
	Run(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error)
}

type WorkerFunc func(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error)

func (f WorkerFunc) Run(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
	return f(ctx, in)
}

type StateStore interface {
	route.Directory
	SaveState(ctx context.Context, state domain.AgentState) error
}

type EventLog interface {
	Emit(ctx context.Context, ev domain.Event) (domain.Event, error)
	Query(ctx context.Context, f eventlog.Filter) ([]domain.Event, error)
}

type Options struct {
	MissPolicy      route.MissPolicy
	// MaxHistory caps stored chat history; zero keeps everything.
	MaxHistory      int
	// QuestionTimeout applies to questions raised without their own timeout.
	QuestionTimeout time.Duration
	// Retry covers state and question-store writes.
	Retry           sqlite.RetryPolicy
	Logger          *log.Logger
}

// Runner executes single turns. Turns for the same agent are serialised.
type Runner struct {
	states     StateStore
	events     EventLog
	kv         interaction.KV
	worker     Worker
	missPolicy route.MissPolicy
	maxHistory int
	askTimeout time.Duration
	retry      sqlite.RetryPolicy
	logger     *log.Logger
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(states StateStore, events EventLog, kv interaction.KV, worker Worker, opts Options) *Runner {
	if opts.MissPolicy == "" {
		opts.MissPolicy = route.MissDrop
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Runner{
		states:     states,
		events:     events,
		kv:         interaction.Retrying(kv, opts.Retry),
		worker:     worker,
		missPolicy: opts.MissPolicy,
		maxHistory: opts.MaxHistory,
		askTimeout: opts.QuestionTimeout,
		retry:      opts.Retry,
		logger:     opts.Logger,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      make(map[string]*sync.Mutex),
	}
}

func (r *Runner) agentLock(agentID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	mu, ok := r.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[agentID] = mu
	}
	return mu
}

type turn struct {
	state    domain.AgentState
	trigger  domain.Trigger
	result   domain.TurnResult
	cursor   int64
	consumed bool
	answered map[string]bool
}

// RunTurn loads the agent, gathers its inbox, delegates to the worker, sends
// its outgoing messages, saves state and emits the terminal status event.
// Unknown and orphaned agents return an error without running; every other
// failure is reported through the returned TurnResult.
func (r *Runner) RunTurn(ctx context.Context, agentID string, trigger domain.Trigger) (domain.TurnResult, error) {
	mu := r.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	trigger.AgentID = agentID
	result := domain.TurnResult{AgentID: agentID, Trigger: trigger, Status: domain.TurnStatusRunning, StartedAt: r.now()}

	if err := ctx.Err(); err != nil {
		result.Status = domain.TurnStatusCancelled
		result.Error = domain.ErrCancelled.Error()
		result.FinishedAt = r.now()
		return result, nil
	}

	state, err := r.states.LoadState(ctx, agentID)
	if err != nil {
		result.Status = domain.TurnStatusFailed
		result.Error = err.Error()
		result.FinishedAt = r.now()
		return result, err
	}
	if state.Orphaned {
		result.Status = domain.TurnStatusFailed
		result.Error = domain.ErrOrphaned.Error()
		result.FinishedAt = r.now()
		return result, fmt.Errorf("run turn %s: %w", agentID, domain.ErrOrphaned)
	}

	t := &turn{state: state, trigger: trigger, result: result, cursor: state.LastSeenEventID, answered: map[string]bool{}}
	r.logger.Printf("runner turn start agent=%s trigger=%s last_seen=%d", agentID, trigger.Kind, state.LastSeenEventID)

	input, err := r.gather(ctx, t)
	if err != nil {
		return r.fail(ctx, t, err), nil
	}
	if ctx.Err() != nil {
		return r.cancel(ctx, t), nil
	}

	workCtx := domain.WithProgress(ctx, func(text string) {
		r.progress(ctx, agentID, text)
	})
	out, err := r.worker.Run(workCtx, input)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx, t), nil
		}
		return r.fail(ctx, t, fmt.Errorf("worker: %w", err)), nil
	}
	if ctx.Err() != nil {
		return r.cancel(ctx, t), nil
	}

	if err := r.send(ctx, t, out.Messages); err != nil {
		if ctx.Err() != nil {
			return r.cancel(ctx, t), nil
		}
		return r.fail(ctx, t, err), nil
	}

	status := domain.TurnStatusCompleted
	if out.Question != nil {
		msgID, err := r.block(ctx, t, *out.Question)
		if err != nil {
			return r.fail(ctx, t, err), nil
		}
		t.result.QuestionID = msgID
		status = domain.TurnStatusBlocked
	}

	r.apply(t, out, status)
	if err := r.save(ctx, t.state); err != nil {
		return r.fail(ctx, t, fmt.Errorf("save state: %w", err)), nil
	}

	t.result.Status = status
	t.result.Reply = out.Reply
	t.result.FinishedAt = r.now()
	// A blocked turn was already announced by block.
	if status == domain.TurnStatusCompleted {
		if _, err := r.events.Emit(ctx, r.statusEvent(t, domain.ActionCompleted, "")); err != nil {
			r.logger.Printf("runner emit status failed agent=%s err=%v", agentID, err)
		}
	}
	r.logger.Printf("runner turn done agent=%s status=%s inbox=%d emitted=%d", agentID, status, t.result.InboxCount, len(t.result.Emitted))
	return t.result, nil
}

func (r *Runner) gather(ctx context.Context, t *turn) (domain.TurnInput, error) {
	agentID := t.state.Identity.ID
	inbox, err := r.events.Query(ctx, eventlog.Filter{ToAgent: agentID, SinceID: t.state.LastSeenEventID})
	if err != nil {
		return domain.TurnInput{}, fmt.Errorf("query inbox: %w", err)
	}
	filtered := inbox[:0]
	for _, ev := range inbox {
		if ev.ID > t.cursor {
			t.cursor = ev.ID
		}
		if ev.FromAgent == agentID && ev.ToAgent != agentID {
			continue
		}
		filtered = append(filtered, ev)
	}
	t.result.InboxCount = len(filtered)

	var responses []domain.Response
	for _, msgID := range t.state.PendingQuestions {
		resp, ok, err := interaction.GetResponse(ctx, r.kv, msgID)
		if err != nil {
			return domain.TurnInput{}, err
		}
		if ok {
			responses = append(responses, resp)
			t.answered[msgID] = true
			continue
		}
		q, err := interaction.GetQuestion(ctx, r.kv, msgID)
		if errors.Is(err, domain.ErrNotFound) {
			t.answered[msgID] = true
			continue
		}
		if err != nil {
			return domain.TurnInput{}, err
		}
		if q.Status == domain.QuestionStatusTimeout {
			t.answered[msgID] = true
		}
	}

	return domain.TurnInput{
		Agent:     t.state,
		Trigger:   t.trigger,
		Inbox:     filtered,
		Responses: responses,
	}, nil
}

// send appends each outgoing message with its routing string verbatim and its
// recipients resolved now.
func (r *Runner) send(ctx context.Context, t *turn, messages []domain.OutgoingMessage) error {
	agentID := t.state.Identity.ID
	for _, msg := range messages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		dest, err := domain.ParseDestination(msg.To)
		if err != nil {
			if err := r.routeMiss(ctx, t, msg, err); err != nil {
				return err
			}
			continue
		}
		recipients, err := route.Resolve(ctx, r.states, t.state, dest)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("resolve %s: %w", msg.To, err)
			}
			if err := r.routeMiss(ctx, t, msg, err); err != nil {
				return err
			}
			continue
		}
		action := msg.Action
		if action == "" {
			action = domain.ActionMessage
		}
		ev, err := r.events.Emit(ctx, domain.Event{
			Category:      domain.CategoryAgent,
			Action:        action,
			FromAgent:     agentID,
			ToAgent:       msg.To,
			CorrelationID: msg.CorrelationID,
			Payload:       msg.Payload,
			Recipients:    recipients,
		})
		if err != nil {
			return fmt.Errorf("send to %s: %w", msg.To, err)
		}
		t.result.Emitted = append(t.result.Emitted, ev.ID)
		t.consumed = true
	}
	t.consumed = true
	return nil
}

func (r *Runner) save(ctx context.Context, state domain.AgentState) error {
	return r.retry.Do(ctx, func() error {
		return r.states.SaveState(ctx, state)
	})
}

func (r *Runner) routeMiss(ctx context.Context, t *turn, msg domain.OutgoingMessage, cause error) error {
	agentID := t.state.Identity.ID
	r.logger.Printf("runner route miss agent=%s to=%s policy=%s err=%v", agentID, msg.To, r.missPolicy, cause)
	ev := domain.Event{
		Category:      domain.CategoryAgent,
		Action:        domain.ActionRouteDropped,
		FromAgent:     agentID,
		CorrelationID: msg.CorrelationID,
		Payload: eventlog.Payload(map[string]any{
			"to":     msg.To,
			"reason": cause.Error(),
		}),
	}
	if r.missPolicy == route.MissNotify {
		ev.Action = domain.ActionRouteNotFound
		ev.FromAgent = "scheduler"
		ev.ToAgent = agentID
		ev.Recipients = []string{agentID}
	}
	if _, err := r.events.Emit(ctx, ev); err != nil {
		return fmt.Errorf("record route miss %s: %w", msg.To, err)
	}
	t.consumed = true
	return nil
}

func (r *Runner) block(ctx context.Context, t *turn, req domain.QuestionRequest) (string, error) {
	if req.Timeout <= 0 {
		req.Timeout = r.askTimeout
	}
	q := domain.PendingQuestion{
		MsgID:     uuid.NewString(),
		AgentID:   t.state.Identity.ID,
		Question:  req.Question,
		Options:   req.Options,
		Status:    domain.QuestionStatusPending,
		CreatedAt: r.now(),
		Timeout:   req.Timeout,
		Announced: true,
	}
	if err := interaction.PutQuestion(ctx, r.kv, q); err != nil {
		return "", err
	}
	if _, err := r.events.Emit(ctx, interaction.BlockedEvent(q)); err != nil {
		return "", fmt.Errorf("announce block: %w", err)
	}
	t.state.PendingQuestions = append(t.state.PendingQuestions, q.MsgID)
	return q.MsgID, nil
}

func (r *Runner) apply(t *turn, out domain.TurnOutput, status domain.TurnStatus) {
	now := r.now()
	s := &t.state
	s.LastSeenEventID = t.cursor
	s.LastActivated = &now
	s.LastStatus = status
	s.LastError = ""
	if s.Connections == nil {
		s.Connections = map[string]string{}
	}
	for name, id := range out.Connections {
		if id == "" {
			delete(s.Connections, name)
			continue
		}
		s.Connections[name] = id
	}
	if t.trigger.Kind == domain.TriggerUserChat && t.trigger.Text != "" {
		s.ChatHistory = append(s.ChatHistory, domain.ChatMessage{Role: domain.RoleUser, Content: t.trigger.Text, CreatedAt: now})
	}
	if out.Reply != "" {
		s.ChatHistory = append(s.ChatHistory, domain.ChatMessage{Role: domain.RoleAssistant, Content: out.Reply, CreatedAt: now})
	}
	if r.maxHistory > 0 && len(s.ChatHistory) > r.maxHistory {
		s.ChatHistory = append([]domain.ChatMessage(nil), s.ChatHistory[len(s.ChatHistory)-r.maxHistory:]...)
	}
	if t.trigger.Kind == domain.TriggerFileChanged && t.trigger.ContentHash != "" {
		s.ContentHash = t.trigger.ContentHash
	}
	r.dropAnswered(t)
}

func (r *Runner) dropAnswered(t *turn) {
	if len(t.answered) == 0 {
		return
	}
	kept := t.state.PendingQuestions[:0]
	for _, id := range t.state.PendingQuestions {
		if !t.answered[id] {
			kept = append(kept, id)
		}
	}
	t.state.PendingQuestions = kept
}

// fail records a FAILED turn. The cursor is not advanced so the inbox is
// seen again on the next turn.
func (r *Runner) fail(ctx context.Context, t *turn, cause error) domain.TurnResult {
	agentID := t.state.Identity.ID
	r.logger.Printf("runner turn failed agent=%s err=%v", agentID, cause)
	saveCtx := context.WithoutCancel(ctx)

	t.state.LastStatus = domain.TurnStatusFailed
	t.state.LastError = cause.Error()
	if t.consumed {
		t.state.LastSeenEventID = t.cursor
	}
	if err := r.save(saveCtx, t.state); err != nil {
		r.logger.Printf("runner save failed state agent=%s err=%v", agentID, err)
	}
	t.result.Status = domain.TurnStatusFailed
	t.result.Error = cause.Error()
	t.result.FinishedAt = r.now()
	if _, err := r.events.Emit(saveCtx, r.statusEvent(t, domain.ActionFailed, cause.Error())); err != nil {
		r.logger.Printf("runner emit failed agent=%s err=%v", agentID, err)
	}
	return t.result
}

func (r *Runner) cancel(ctx context.Context, t *turn) domain.TurnResult {
	agentID := t.state.Identity.ID
	r.logger.Printf("runner turn cancelled agent=%s consumed=%t", agentID, t.consumed)
	saveCtx := context.WithoutCancel(ctx)

	t.state.LastStatus = domain.TurnStatusCancelled
	t.state.LastError = domain.ErrCancelled.Error()
	if t.consumed {
		t.state.LastSeenEventID = t.cursor
	}
	if err := r.save(saveCtx, t.state); err != nil {
		r.logger.Printf("runner save cancelled state agent=%s err=%v", agentID, err)
	}
	t.result.Status = domain.TurnStatusCancelled
	t.result.Error = domain.ErrCancelled.Error()
	t.result.FinishedAt = r.now()
	if _, err := r.events.Emit(saveCtx, r.statusEvent(t, domain.ActionCancelled, domain.ErrCancelled.Error())); err != nil {
		r.logger.Printf("runner emit cancelled agent=%s err=%v", agentID, err)
	}
	return t.result
}

func (r *Runner) statusEvent(t *turn, action, errText string) domain.Event {
	payload := map[string]any{
		"trigger":     t.trigger.Kind,
		"inbox_count": t.result.InboxCount,
		"emitted":     len(t.result.Emitted),
	}
	if errText != "" {
		payload["error"] = errText
	}
	if t.result.Reply != "" {
		payload["reply"] = trimText(t.result.Reply, 400)
	}
	return domain.Event{
		Category:  domain.CategoryAgent,
		Action:    action,
		FromAgent: t.state.Identity.ID,
		Payload:   eventlog.Payload(payload),
	}
}

func (r *Runner) progress(ctx context.Context, agentID, text string) {
	if _, err := r.events.Emit(ctx, domain.Event{
		Category:  domain.CategoryAgent,
		Action:    domain.ActionProgress,
		FromAgent: agentID,
		Payload:   eventlog.Payload(map[string]any{"text": trimText(text, 400)}),
	}); err != nil {
		r.logger.Printf("runner progress emit failed agent=%s err=%v", agentID, err)
	}
}

func trimText(v string, limit int) string {
	if limit <= 0 || len(v) <= limit {
		return v
	}
	return v[:limit] + "...(truncated)"
}

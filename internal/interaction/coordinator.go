package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"agentloom/internal/domain"
	"agentloom/internal/store/sqlite"
)

type Emitter interface {
	Emit(ctx context.Context, ev domain.Event) (domain.Event, error)
}

type Options struct {
	PollInterval time.Duration
	Retry        sqlite.RetryPolicy
	Logger       *log.Logger
}

// Coordinator announces pending questions found in observed KVs and accepts
// responses to them.
type Coordinator struct {
	kv       KV
	events   Emitter
	interval time.Duration
	retry    sqlite.RetryPolicy
	logger   *log.Logger

	mu       sync.Mutex
	observed map[string]KV
	seen     map[string]struct{}
}

func NewCoordinator(kv KV, events Emitter, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultAskInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	kv = Retrying(kv, opts.Retry)
	c := &Coordinator{
		kv:       kv,
		events:   events,
		interval: opts.PollInterval,
		retry:    opts.Retry,
		logger:   opts.Logger,
		observed: make(map[string]KV),
		seen:     make(map[string]struct{}),
	}
	c.observed["default"] = kv
	return c
}

func (c *Coordinator) Observe(name string, kv KV) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed[name] = Retrying(kv, c.retry)
}

func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	observed := make(map[string]KV, len(c.observed))
	for name, kv := range c.observed {
		observed[name] = kv
	}
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, kv := range observed {
		g.Go(func() error {
			return c.Watch(gctx, name, kv)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Watch polls kv for pending questions until ctx is done. Poll errors are
// logged and retried on the next tick.
func (c *Coordinator) Watch(ctx context.Context, name string, kv KV) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if _, err := c.Scan(ctx, name, kv); err != nil && ctx.Err() == nil {
			c.logger.Printf("coordinator scan failed kv=%s err=%v", name, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) Scan(ctx context.Context, name string, kv KV) (int, error) {
	questions, err := ListQuestions(ctx, kv)
	if err != nil {
		return 0, err
	}
	announced := 0
	now := time.Now().UTC()
	for _, q := range questions {
		if q.Status != domain.QuestionStatusPending {
			continue
		}
		if q.Announced {
			if q.Timeout > 0 && now.After(q.CreatedAt.Add(q.Timeout)) {
				c.expire(ctx, kv, q)
			}
			continue
		}
		key := name + "|" + q.MsgID
		c.mu.Lock()
		_, dup := c.seen[key]
		if !dup {
			c.seen[key] = struct{}{}
		}
		c.mu.Unlock()
		if dup {
			continue
		}
		if _, err := c.events.Emit(ctx, BlockedEvent(q)); err != nil {
			c.mu.Lock()
			delete(c.seen, key)
			c.mu.Unlock()
			return announced, fmt.Errorf("announce question %s: %w", q.MsgID, err)
		}
		c.logger.Printf("coordinator announced agent=%s msg_id=%s kv=%s", q.AgentID, q.MsgID, name)
		announced++
	}
	return announced, nil
}

func (c *Coordinator) expire(ctx context.Context, kv KV, q domain.PendingQuestion) {
	prior, err := transitionQuestion(ctx, kv, q.MsgID, domain.QuestionStatusTimeout)
	if err != nil {
		c.logger.Printf("coordinator expire failed msg_id=%s err=%v", q.MsgID, err)
		return
	}
	if prior != domain.QuestionStatusPending {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"msg_id": q.MsgID,
		"error":  domain.ErrTimeout.Error(),
	})
	if _, err := c.events.Emit(ctx, domain.Event{
		Category:      domain.CategoryAgent,
		Action:        domain.ActionFailed,
		FromAgent:     q.AgentID,
		CorrelationID: q.MsgID,
		Payload:       payload,
	}); err != nil {
		c.logger.Printf("coordinator expire emit failed msg_id=%s err=%v", q.MsgID, err)
	}
	c.logger.Printf("coordinator expired agent=%s msg_id=%s", q.AgentID, q.MsgID)
}

func BlockedEvent(q domain.PendingQuestion) domain.Event {
	payload, _ := json.Marshal(map[string]any{
		"msg_id":   q.MsgID,
		"question": q.Question,
		"options":  q.Options,
	})
	return domain.Event{
		Category:      domain.CategoryAgent,
		Action:        domain.ActionBlocked,
		FromAgent:     q.AgentID,
		CorrelationID: q.MsgID,
		Payload:       payload,
	}
}

type RespondResult struct {
	MsgID   string `json:"msg_id"`
	AgentID string `json:"agent_id"`
	Answer  string `json:"answer"`
	// Stale is set when the question had already timed out.
	Stale bool `json:"stale,omitempty"`
	// Duplicate is set when an answer was already recorded; Answer then holds
	// the recorded one.
	Duplicate     bool  `json:"duplicate,omitempty"`
	ResumeEventID int64 `json:"resume_event_id,omitempty"`
	// TurnBlocked is set for questions raised by a finished turn rather than
	// a live Ask call.
	TurnBlocked bool `json:"turn_blocked,omitempty"`
}

// Respond records answer for msgID. It wraps domain.ErrNotFound when the
// question is unknown or belongs to a different agent.
func (c *Coordinator) Respond(ctx context.Context, agentID, msgID, answer string) (RespondResult, error) {
	q, err := GetQuestion(ctx, c.kv, msgID)
	if err != nil {
		return RespondResult{}, err
	}
	if q.AgentID != agentID {
		return RespondResult{}, fmt.Errorf("question %s for agent %s: %w", msgID, agentID, domain.ErrNotFound)
	}
	result := RespondResult{MsgID: msgID, AgentID: agentID, Answer: answer, TurnBlocked: q.Announced}

	prior, stored, err := answerQuestion(ctx, c.kv, domain.Response{MsgID: msgID, Answer: answer, RespondedAt: time.Now().UTC()})
	if err != nil {
		return RespondResult{}, err
	}
	switch prior {
	case domain.QuestionStatusTimeout:
		result.Stale = true
		c.logger.Printf("coordinator stale response agent=%s msg_id=%s", agentID, msgID)
		return result, nil
	case domain.QuestionStatusAnswered:
		result.Answer = stored.Answer
		result.Duplicate = true
		return result, nil
	}

	payload, _ := json.Marshal(map[string]any{"msg_id": msgID, "answer": result.Answer})
	ev, err := c.events.Emit(ctx, domain.Event{
		Category:      domain.CategoryAgent,
		Action:        domain.ActionResumed,
		FromAgent:     "user",
		ToAgent:       agentID,
		CorrelationID: msgID,
		Payload:       payload,
	})
	if err != nil {
		return RespondResult{}, fmt.Errorf("emit resumed %s: %w", msgID, err)
	}
	result.ResumeEventID = ev.ID
	c.logger.Printf("coordinator responded agent=%s msg_id=%s", agentID, msgID)
	return result, nil
}

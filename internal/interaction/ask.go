package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentloom/internal/domain"
	"agentloom/internal/store/sqlite"
)

const (
	DefaultAskTimeout  = 300 * time.Second
	DefaultAskInterval = 500 * time.Millisecond
	DefaultMaxInterval = 5 * time.Second
)

type AskRequest struct {
	MsgID       string
	AgentID     string
	Question    string
	Options     []string
	Timeout     time.Duration
	Interval    time.Duration
	MaxInterval time.Duration
}

type Asker struct {
	kv          KV
	interval    time.Duration
	maxInterval time.Duration
	timeout     time.Duration
	logger      *log.Logger
}

type AskerOptions struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
	Retry       sqlite.RetryPolicy
	Logger      *log.Logger
}

func NewAsker(kv KV, opts AskerOptions) *Asker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultAskInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	if opts.MaxInterval < opts.Interval {
		opts.MaxInterval = opts.Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultAskTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Asker{
		kv:          Retrying(kv, opts.Retry),
		interval:    opts.Interval,
		maxInterval: opts.MaxInterval,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
}

// Ask writes a pending question and polls for its answer with exponential
// backoff. It never sleeps past the deadline and returns domain.ErrTimeout
// once the deadline passes without an answer.
func (a *Asker) Ask(ctx context.Context, req AskRequest) (string, error) {
	if req.AgentID == "" {
		return "", fmt.Errorf("ask: empty agent id")
	}
	if req.MsgID == "" {
		req.MsgID = uuid.NewString()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.timeout
	}
	interval := req.Interval
	if interval <= 0 {
		interval = a.interval
	}
	maxInterval := req.MaxInterval
	if maxInterval <= 0 {
		maxInterval = a.maxInterval
	}
	if maxInterval < interval {
		maxInterval = interval
	}

	q := domain.PendingQuestion{
		MsgID:     req.MsgID,
		AgentID:   req.AgentID,
		Question:  req.Question,
		Options:   req.Options,
		Status:    domain.QuestionStatusPending,
		CreatedAt: time.Now().UTC(),
		Timeout:   timeout,
	}
	if err := PutQuestion(ctx, a.kv, q); err != nil {
		return "", err
	}
	a.logger.Printf("ask pending agent=%s msg_id=%s timeout=%s", req.AgentID, req.MsgID, timeout)

	deadline := time.Now().Add(timeout)
	for {
		resp, ok, err := GetResponse(ctx, a.kv, req.MsgID)
		if err != nil {
			return "", err
		}
		if ok {
			if _, err := transitionQuestion(ctx, a.kv, req.MsgID, domain.QuestionStatusAnswered); err != nil {
				return "", err
			}
			return resp.Answer, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("ask %s: %w", req.MsgID, ctx.Err())
		case <-timer.C:
		}
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}

	prior, err := transitionQuestion(ctx, a.kv, req.MsgID, domain.QuestionStatusTimeout)
	if err != nil {
		return "", err
	}
	if prior == domain.QuestionStatusAnswered {
		// answered between the last poll and the deadline
		resp, ok, err := GetResponse(ctx, a.kv, req.MsgID)
		if err != nil {
			return "", err
		}
		if ok {
			return resp.Answer, nil
		}
	}
	a.logger.Printf("ask timeout agent=%s msg_id=%s", req.AgentID, req.MsgID)
	return "", fmt.Errorf("ask %s: %w", req.MsgID, domain.ErrTimeout)
}

func PutQuestion(ctx context.Context, kv KV, q domain.PendingQuestion) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal question %s: %w", q.MsgID, err)
	}
	if err := kv.Put(ctx, domain.QuestionKey(q.MsgID), raw); err != nil {
		return fmt.Errorf("write question %s: %w", q.MsgID, err)
	}
	return nil
}

// GetQuestion wraps domain.ErrNotFound when the question does not exist.
func GetQuestion(ctx context.Context, kv KV, msgID string) (domain.PendingQuestion, error) {
	raw, ok, err := kv.Get(ctx, domain.QuestionKey(msgID))
	if err != nil {
		return domain.PendingQuestion{}, fmt.Errorf("read question %s: %w", msgID, err)
	}
	if !ok {
		return domain.PendingQuestion{}, fmt.Errorf("question %s: %w", msgID, domain.ErrNotFound)
	}
	var q domain.PendingQuestion
	if err := json.Unmarshal(raw, &q); err != nil {
		return domain.PendingQuestion{}, fmt.Errorf("decode question %s: %w", msgID, err)
	}
	return q, nil
}

// GetResponse treats a missing response as "not yet", never as an error.
func GetResponse(ctx context.Context, kv KV, msgID string) (domain.Response, bool, error) {
	raw, ok, err := kv.Get(ctx, domain.ResponseKey(msgID))
	if err != nil {
		return domain.Response{}, false, fmt.Errorf("read response %s: %w", msgID, err)
	}
	if !ok {
		return domain.Response{}, false, nil
	}
	var resp domain.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.Response{}, false, fmt.Errorf("decode response %s: %w", msgID, err)
	}
	return resp, true, nil
}

func ListQuestions(ctx context.Context, kv KV) ([]domain.PendingQuestion, error) {
	entries, err := kv.List(ctx, domain.QuestionKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	out := make([]domain.PendingQuestion, 0, len(entries))
	for _, entry := range entries {
		var q domain.PendingQuestion
		if err := json.Unmarshal(entry.Value, &q); err != nil {
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

// questionMu makes status transitions and answer writes atomic with respect
// to each other within the process.
var questionMu sync.Mutex

// transitionQuestion moves a pending question to status and returns the
// status it had before. Questions that already left pending are not touched.
func transitionQuestion(ctx context.Context, kv KV, msgID string, status domain.QuestionStatus) (domain.QuestionStatus, error) {
	questionMu.Lock()
	defer questionMu.Unlock()
	q, err := GetQuestion(ctx, kv, msgID)
	if err != nil {
		return "", err
	}
	if q.Status != domain.QuestionStatusPending {
		return q.Status, nil
	}
	q.Status = status
	if err := PutQuestion(ctx, kv, q); err != nil {
		return "", err
	}
	return domain.QuestionStatusPending, nil
}

// answerQuestion records resp and marks the question answered, but only while
// it is still pending. It returns the prior status and the stored response,
// which differs from resp when an earlier answer won.
func answerQuestion(ctx context.Context, kv KV, resp domain.Response) (domain.QuestionStatus, domain.Response, error) {
	questionMu.Lock()
	defer questionMu.Unlock()
	q, err := GetQuestion(ctx, kv, resp.MsgID)
	if err != nil {
		return "", domain.Response{}, err
	}
	existing, ok, err := GetResponse(ctx, kv, resp.MsgID)
	if err != nil {
		return "", domain.Response{}, err
	}
	if q.Status != domain.QuestionStatusPending {
		if ok {
			return q.Status, existing, nil
		}
		return q.Status, resp, nil
	}
	if ok {
		resp = existing
	} else {
		raw, err := json.Marshal(resp)
		if err != nil {
			return "", domain.Response{}, fmt.Errorf("marshal response %s: %w", resp.MsgID, err)
		}
		if err := kv.Put(ctx, domain.ResponseKey(resp.MsgID), raw); err != nil {
			return "", domain.Response{}, fmt.Errorf("write response %s: %w", resp.MsgID, err)
		}
	}
	q.Status = domain.QuestionStatusAnswered
	if err := PutQuestion(ctx, kv, q); err != nil {
		return "", domain.Response{}, err
	}
	if ok {
		return domain.QuestionStatusAnswered, resp, nil
	}
	return domain.QuestionStatusPending, resp, nil
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentloom/internal/domain"
)

const (
	defaultReasoningEffort = "medium"
	defaultHTTPRetries     = 2
	defaultHTTPBackoff     = 1500 * time.Millisecond
	defaultHTTPTimeout     = 8 * time.Minute
	defaultMaxOutputBytes  = 8 * 1024 * 1024
	defaultMaxOutputTokens = 8000
	maxErrorBody           = 64 * 1024
)

type HTTPConfig struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Logger          *log.Logger
	Client          *http.Client
}

type HTTP struct {
	endpoint        string
	model           string
	reasoningEffort string
	authToken       string
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	logger          *log.Logger
	client          *http.Client
}

func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultHTTPRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultHTTPBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &HTTP{
		endpoint:        endpoint,
		model:           model,
		reasoningEffort: reasoningEffort(cfg.ReasoningEffort),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		logger:          cfg.Logger,
		client:          client,
	}, nil
}

func (h *HTTP) Run(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
	var lastErr error
	for attempt := 1; attempt <= h.retries+1; attempt++ {
		out, err := h.runOnce(ctx, in)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) || attempt == h.retries+1 {
			break
		}
		wait := time.Duration(attempt) * h.retryBackoff
		h.logger.Printf("http worker retry agent=%s attempt=%d wait=%s reason=%v", in.Agent.Identity.ID, attempt, wait, err)
		domain.ReportProgress(ctx, fmt.Sprintf("retrying model call (attempt %d): %v", attempt+1, err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.TurnOutput{}, ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("model call failed without error")
	}
	return domain.TurnOutput{}, lastErr
}

func (h *HTTP) runOnce(ctx context.Context, in domain.TurnInput) (domain.TurnOutput, error) {
	body, err := json.Marshal(modelRequest{
		Model:        h.model,
		Instructions: turnInstructions,
		Stream:       true,
		Reasoning:    &reasoningParam{Effort: h.reasoningEffort},
		Input: []inputMessage{{
			Role:    "user",
			Content: []inputPart{{Type: "input_text", Text: buildTurnPrompt(in)}},
		}},
		MaxOutputTokens: h.maxOutputTokens,
	})
	if err != nil {
		return domain.TurnOutput{}, fmt.Errorf("marshal model request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.TurnOutput{}, fmt.Errorf("create model request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return domain.TurnOutput{}, fmt.Errorf("post turn: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.TurnOutput{}, statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	raw, err := readStream(resp.Body, h.maxOutputBytes)
	if err != nil {
		return domain.TurnOutput{}, fmt.Errorf("read model stream: %w", err)
	}
	return parseTurnOutput([]byte(raw), true)
}

func reasoningEffort(value string) string {
	switch effort := strings.ToLower(strings.TrimSpace(value)); effort {
	case "none", "low", "medium", "high":
		return effort
	}
	return defaultReasoningEffort
}

// retryable reports whether a failed call may succeed when repeated:
// throttling, server errors, and dropped or timed out connections.
func retryable(err error) bool {
	var se statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}

const turnInstructions = `You are one agent in a team of agents that talk through an event log.
You receive your state, the trigger for this turn and your unread inbox.
Return only valid JSON. Do not wrap output in markdown fences.
Required top-level JSON shape:
{
  "reply": "text shown to the user",
  "messages": [
    {"to": "agent id | parent | broadcast:children | broadcast:siblings | broadcast:all | find:<name>", "payload": {}}
  ],
  "connections": {"name": "agent id"},
  "question": {"question": "text", "options": ["a", "b"]}
}
Every field is optional. Set "question" only when you cannot continue without an answer.`

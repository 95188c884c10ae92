package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"agentloom/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

type respondOutcome struct {
	MsgID     string             `json:"msg_id"`
	Answer    string             `json:"answer"`
	Stale     bool               `json:"stale"`
	Duplicate bool               `json:"duplicate"`
	Turn      *domain.TurnResult `json:"turn"`
}

type graphReport struct {
	ExecutionID string                       `json:"execution_id"`
	Statuses    map[string]domain.TurnStatus `json:"statuses"`
	Halted      bool                         `json:"halted"`
	Cancelled   bool                         `json:"cancelled"`
}

type reconcileReport struct {
	Spawned  []string `json:"spawned"`
	Orphaned []string `json:"orphaned"`
	Restored []string `json:"restored"`
	Total    int      `json:"total"`
}

func (c *client) health() error {
	var out map[string]any
	return c.getJSON("/healthz", &out)
}

func (c *client) listAgents() ([]domain.AgentState, error) {
	var out []domain.AgentState
	if err := c.getJSON("/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listEvents(agentID string, since int64, limit int) ([]domain.Event, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("to", agentID)
	}
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	q.Set("limit", strconv.Itoa(limit))
	var out []domain.Event
	if err := c.getJSON("/events?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listQuestions() ([]domain.PendingQuestion, error) {
	var out []domain.PendingQuestion
	if err := c.getJSON("/questions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) chat(agentID, text string) (domain.TurnResult, error) {
	var out domain.TurnResult
	err := c.postJSON("/agents/"+url.PathEscape(agentID)+"/chat", map[string]string{"text": text}, &out)
	return out, err
}

func (c *client) trigger(agentID string) (domain.TurnResult, error) {
	var out domain.TurnResult
	err := c.postJSON("/agents/"+url.PathEscape(agentID)+"/trigger", nil, &out)
	return out, err
}

func (c *client) respond(agentID, msgID, answer string) (respondOutcome, error) {
	var out respondOutcome
	err := c.postJSON("/agents/"+url.PathEscape(agentID)+"/respond", map[string]string{"msg_id": msgID, "answer": answer}, &out)
	return out, err
}

func (c *client) executeGraph() (graphReport, error) {
	var out graphReport
	err := c.postJSON("/graph/execute", nil, &out)
	return out, err
}

func (c *client) reconcile() (reconcileReport, error) {
	var out reconcileReport
	err := c.postJSON("/reconcile", nil, &out)
	return out, err
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}

package domain

import (
	"encoding/json"
	"time"
)

type Category string

const (
	CategoryAgent Category = "agent"
	CategoryTool  Category = "tool"
	CategoryModel Category = "model"
	CategoryUser  Category = "user"
	CategoryGraph Category = "graph"
)

const (
	ActionMessage       = "message"
	ActionCompleted     = "completed"
	ActionFailed        = "failed"
	ActionBlocked       = "blocked"
	ActionResumed       = "resumed"
	ActionCancelled     = "cancelled"
	ActionProgress      = "progress"
	ActionRouteDropped  = "route_dropped"
	ActionRouteNotFound = "route_not_found"
	ActionChat          = "chat"

	ActionAgentSpawned  = "agent_spawned"
	ActionAgentOrphaned = "agent_orphaned"
	ActionAgentRestored = "agent_restored"
	ActionGraphStarted  = "started"
	ActionGraphDone     = "completed"
	ActionNodeStatus    = "node_status"
)

// Event is one immutable row of the append-only log. ToAgent holds the routing
// string exactly as the sender wrote it; Recipients is the delivery set the
// scheduler resolved when the event was appended.
type Event struct {
	ID            int64           `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Category      Category        `json:"category"`
	Action        string          `json:"action"`
	FromAgent     string          `json:"from_agent"`
	ToAgent       string          `json:"to_agent,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Recipients    []string        `json:"recipients,omitempty"`
}

func (e Event) Topic() string {
	return string(e.Category) + ":" + e.Action
}

type AgentIdentity struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       string   `json:"kind"`
	ParentID   string   `json:"parent_id,omitempty"`
	Path       string   `json:"path,omitempty"`
	Upstream   []string `json:"upstream,omitempty"`
	Downstream []string `json:"downstream,omitempty"`
}

type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	EventID   int64     `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type TurnStatus string

const (
	TurnStatusPending   TurnStatus = "PENDING"
	TurnStatusQueued    TurnStatus = "QUEUED"
	TurnStatusRunning   TurnStatus = "RUNNING"
	TurnStatusBlocked   TurnStatus = "BLOCKED"
	TurnStatusCompleted TurnStatus = "COMPLETED"
	TurnStatusFailed    TurnStatus = "FAILED"
	TurnStatusCancelled TurnStatus = "CANCELLED"
	TurnStatusSkipped   TurnStatus = "SKIPPED"
)

// Terminal reports whether a turn in this status has finished for the purpose
// of batch gating. BLOCKED is terminal for the turn but does not satisfy
// dependents.
func (s TurnStatus) Terminal() bool {
	switch s {
	case TurnStatusBlocked, TurnStatusCompleted, TurnStatusFailed, TurnStatusCancelled, TurnStatusSkipped:
		return true
	}
	return false
}

type AgentState struct {
	SchemaVersion    int               `json:"schema_version"`
	Identity         AgentIdentity     `json:"identity"`
	Connections      map[string]string `json:"connections,omitempty"`
	ChatHistory      []ChatMessage     `json:"chat_history,omitempty"`
	LastSeenEventID  int64             `json:"last_seen_event_id"`
	LastActivated    *time.Time        `json:"last_activated,omitempty"`
	ContentHash      string            `json:"content_hash,omitempty"`
	Orphaned         bool              `json:"orphaned,omitempty"`
	OrphanedAt       *time.Time        `json:"orphaned_at,omitempty"`
	PendingQuestions []string          `json:"pending_questions,omitempty"`
	LastStatus       TurnStatus        `json:"last_status,omitempty"`
	LastError        string            `json:"last_error,omitempty"`
}

func NewAgentState(identity AgentIdentity, contentHash string) AgentState {
	return AgentState{
		SchemaVersion: StateSchemaVersion,
		Identity:      identity,
		Connections:   map[string]string{},
		ContentHash:   contentHash,
	}
}

type QuestionStatus string

const (
	QuestionStatusPending  QuestionStatus = "pending"
	QuestionStatusAnswered QuestionStatus = "answered"
	QuestionStatusTimeout  QuestionStatus = "timeout"
)

type PendingQuestion struct {
	MsgID     string         `json:"msg_id"`
	AgentID   string         `json:"agent_id"`
	Question  string         `json:"question"`
	Options   []string       `json:"options,omitempty"`
	Status    QuestionStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	Timeout   time.Duration  `json:"timeout"`
	// Announced is set by a writer that already published agent:blocked for
	// this question, so watchers do not announce it twice.
	Announced bool `json:"announced,omitempty"`
}

type Response struct {
	MsgID       string    `json:"msg_id"`
	Answer      string    `json:"answer"`
	RespondedAt time.Time `json:"responded_at"`
}

const (
	QuestionKeyPrefix = "outbox:question:"
	ResponseKeyPrefix = "inbox:response:"
)

func QuestionKey(msgID string) string {
	return QuestionKeyPrefix + msgID
}

func ResponseKey(msgID string) string {
	return ResponseKeyPrefix + msgID
}

type GraphNode struct {
	Identity   AgentIdentity `json:"identity"`
	Status     TurnStatus    `json:"status"`
	Upstream   []string      `json:"upstream,omitempty"`
	Downstream []string      `json:"downstream,omitempty"`
}

type TriggerKind string

const (
	TriggerFileChanged     TriggerKind = "file_changed"
	TriggerMessageReceived TriggerKind = "message_received"
	TriggerUserChat        TriggerKind = "user_chat"
	TriggerManual          TriggerKind = "manual_trigger"
)

type Trigger struct {
	Kind        TriggerKind `json:"kind"`
	AgentID     string      `json:"agent_id"`
	Path        string      `json:"path,omitempty"`
	Text        string      `json:"text,omitempty"`
	ContentHash string      `json:"content_hash,omitempty"`
}

// OutgoingMessage is what a worker asks the runner to send. To is a routing
// string parsed with ParseDestination.
type OutgoingMessage struct {
	To            string          `json:"to"`
	Action        string          `json:"action,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type QuestionRequest struct {
	Question string        `json:"question"`
	Options  []string      `json:"options,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

type TurnInput struct {
	Agent     AgentState `json:"agent"`
	Trigger   Trigger    `json:"trigger"`
	Inbox     []Event    `json:"inbox,omitempty"`
	Responses []Response `json:"responses,omitempty"`
}

type TurnOutput struct {
	Reply       string            `json:"reply,omitempty"`
	Messages    []OutgoingMessage `json:"messages,omitempty"`
	Connections map[string]string `json:"connections,omitempty"`
	// Question ends the turn BLOCKED until a respondent answers it.
	Question *QuestionRequest `json:"question,omitempty"`
}

type TurnResult struct {
	AgentID    string     `json:"agent_id"`
	Trigger    Trigger    `json:"trigger"`
	Status     TurnStatus `json:"status"`
	Reply      string     `json:"reply,omitempty"`
	Error      string     `json:"error,omitempty"`
	InboxCount int        `json:"inbox_count"`
	Emitted    []int64    `json:"emitted,omitempty"`
	QuestionID string     `json:"question_id,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

type KVEntry struct {
	Key   string
	Value []byte
}

package persistence

import (
	"encoding/json"
	"time"

	"github.com/loomhq/loom/internal/id"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskStatusSubmitted     TaskStatus = "submitted"
	TaskStatusWorking       TaskStatus = "working"
	TaskStatusInputRequired TaskStatus = "input-required"
	TaskStatusAuthRequired  TaskStatus = "auth-required"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusCanceled      TaskStatus = "canceled"
	TaskStatusFailed        TaskStatus = "failed"
	TaskStatusRejected      TaskStatus = "rejected"
)

// allowedTransitions encodes the task state machine. Terminal states have no
// outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusSubmitted: {
		TaskStatusWorking:      {},
		TaskStatusAuthRequired: {},
		TaskStatusCanceled:     {},
		TaskStatusRejected:     {},
		TaskStatusFailed:       {},
	},
	TaskStatusWorking: {
		TaskStatusCompleted:     {},
		TaskStatusFailed:        {},
		TaskStatusRejected:      {},
		TaskStatusCanceled:      {},
		TaskStatusInputRequired: {},
	},
	TaskStatusInputRequired: {
		TaskStatusWorking:  {},
		TaskStatusCanceled: {},
		TaskStatusFailed:   {},
	},
	TaskStatusAuthRequired: {
		TaskStatusWorking:  {},
		TaskStatusCanceled: {},
		TaskStatusRejected: {},
	},
}

// IsTerminal reports whether a status is a sink state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusCanceled, TaskStatusFailed, TaskStatusRejected:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Context is a conversation thread grouping tasks for a user.
type Context struct {
	ID           id.ContextID `json:"id"`
	UserID       id.UserID    `json:"user_id"`
	SessionID    id.SessionID `json:"session_id,omitempty"`
	Name         string       `json:"name"`
	MessageCount int          `json:"message_count"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Task is one request/response turn inside a context.
type Task struct {
	ID              id.TaskID       `json:"id"`
	ContextID       id.ContextID    `json:"context_id"`
	Status          TaskStatus      `json:"status"`
	StatusMessage   string          `json:"status_message,omitempty"`
	StatusTimestamp time.Time       `json:"status_timestamp"`
	AgentName       string          `json:"agent_name,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs *int64          `json:"execution_time_ms,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// MessageRole is the author of a message.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleAgent MessageRole = "agent"
)

// Message is one utterance within a task.
type Message struct {
	ID               id.MessageID  `json:"id"`
	TaskID           id.TaskID     `json:"task_id"`
	ContextID        id.ContextID  `json:"context_id"`
	Role             MessageRole   `json:"role"`
	SequenceNumber   int           `json:"sequence_number"`
	UserID           id.UserID     `json:"user_id,omitempty"`
	SessionID        id.SessionID  `json:"session_id,omitempty"`
	TraceID          id.TraceID    `json:"trace_id,omitempty"`
	ClientMessageID  string        `json:"client_message_id,omitempty"`
	ReferenceTaskIDs []string      `json:"reference_task_ids,omitempty"`
	Parts            []MessagePart `json:"parts,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// PartKind discriminates message/artifact part payloads.
type PartKind string

const (
	PartText PartKind = "text"
	PartFile PartKind = "file"
	PartData PartKind = "data"
)

// MessagePart is one ordered chunk of a message.
type MessagePart struct {
	ID             string          `json:"id"`
	MessageID      id.MessageID    `json:"message_id"`
	SequenceNumber int             `json:"sequence_number"`
	Kind           PartKind        `json:"kind"`
	Content        string          `json:"content,omitempty"`
	MimeType       string          `json:"mime_type,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Artifact is structured output attached to a task.
type Artifact struct {
	ID             id.ArtifactID   `json:"id"`
	TaskID         id.TaskID       `json:"task_id"`
	ContextID      id.ContextID    `json:"context_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	ArtifactType   string          `json:"artifact_type"`
	Source         string          `json:"source,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	McpExecutionID string          `json:"mcp_execution_id,omitempty"`
	Fingerprint    string          `json:"fingerprint,omitempty"`
	SkillID        string          `json:"skill_id,omitempty"`
	SkillName      string          `json:"skill_name,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Parts          []ArtifactPart  `json:"parts,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ArtifactPart is one ordered chunk of an artifact.
type ArtifactPart struct {
	ID             string          `json:"id"`
	ArtifactID     id.ArtifactID   `json:"artifact_id"`
	SequenceNumber int             `json:"sequence_number"`
	Kind           PartKind        `json:"kind"`
	Content        string          `json:"content,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ExecutionStep is one audited sub-step of a task.
type ExecutionStep struct {
	StepID       id.StepID       `json:"step_id"`
	TaskID       id.TaskID       `json:"task_id"`
	Status       string          `json:"status"`
	Content      json.RawMessage `json:"content,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   *int64          `json:"duration_ms,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// AiRequestStatus is the lifecycle of one provider call.
type AiRequestStatus string

const (
	AiRequestPending   AiRequestStatus = "pending"
	AiRequestCompleted AiRequestStatus = "completed"
	AiRequestFailed    AiRequestStatus = "failed"
)

// AiRequest records one call to an LLM provider. Pricing is snapshotted into
// the row at response time so later table edits cannot rewrite history.
type AiRequest struct {
	RequestID        id.RequestID    `json:"request_id"`
	Provider         string          `json:"provider"`
	Model            string          `json:"model"`
	InputTokens      int             `json:"input_tokens"`
	OutputTokens     int             `json:"output_tokens"`
	CostMicrodollars int64           `json:"cost_microdollars"`
	InputPricePer1K  float64         `json:"input_price_per_1k"`
	OutputPricePer1K float64         `json:"output_price_per_1k"`
	LatencyMs        int64           `json:"latency_ms"`
	Status           AiRequestStatus `json:"status"`
	TaskID           id.TaskID       `json:"task_id,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// AiRequestMessage is one prompt message recorded against an AiRequest.
type AiRequestMessage struct {
	RequestID      id.RequestID `json:"request_id"`
	SequenceNumber int          `json:"sequence_number"`
	Role           string       `json:"role"`
	Content        string       `json:"content"`
}

// AiRequestToolCall is one tool call the provider planned. McpExecutionID is
// linked once the tool runs; linking is monotonic and never cleared.
type AiRequestToolCall struct {
	AiToolCallID   id.AiToolCallID `json:"ai_tool_call_id"`
	RequestID      id.RequestID    `json:"request_id"`
	SequenceNumber int             `json:"sequence_number"`
	ToolName       string          `json:"tool_name"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	McpExecutionID string          `json:"mcp_execution_id,omitempty"`
}

// ServiceStatus is the supervised tool-server state.
type ServiceStatus string

const (
	ServiceRunning ServiceStatus = "running"
	ServiceStopped ServiceStatus = "stopped"
	ServiceError   ServiceStatus = "error"
)

// McpService is the persisted row for a supervised tool-server process.
type McpService struct {
	RowID           int64         `json:"row_id"`
	Name            string        `json:"name"`
	Port            int           `json:"port"`
	PID             int           `json:"pid"`
	Status          ServiceStatus `json:"status"`
	LastHealthCheck *time.Time    `json:"last_health_check,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Notification is an inbound sub-agent JSON-RPC notification.
type Notification struct {
	ID          string          `json:"id"`
	ContextID   id.ContextID    `json:"context_id"`
	Method      string          `json:"method"`
	Params      json.RawMessage `json:"params,omitempty"`
	Processed   bool            `json:"processed"`
	Broadcasted bool            `json:"broadcasted"`
	CreatedAt   time.Time       `json:"created_at"`
}

// TaskBundle is a fully hydrated task view.
type TaskBundle struct {
	Task      Task            `json:"task"`
	Messages  []Message       `json:"messages"`
	Artifacts []Artifact      `json:"artifacts"`
	Steps     []ExecutionStep `json:"execution_steps"`
}

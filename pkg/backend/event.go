package backend

import (
	"encoding/json"
	"time"
)

// EventType discriminates OutputEvent variants.
type EventType string

const (
	EventTypeText       EventType = "text"
	EventTypeToolUse    EventType = "tool_use"
	EventTypeToolResult EventType = "tool_result"
	EventTypeUsage      EventType = "usage"
	EventTypeComplete   EventType = "complete"
)

// OutputEvent is one item on a task's output stream. Type selects which
// variant field is populated. A stream ends with exactly one complete
// event carrying the final result.
type OutputEvent struct {
	Type       EventType        `json:"type"`
	Timestamp  time.Time        `json:"timestamp"`
	Text       string           `json:"text,omitempty"`
	ToolUse    *ToolUseEvent    `json:"tool_use,omitempty"`
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`
	Usage      *TokenUsage      `json:"usage,omitempty"`
	Result     *Result          `json:"result,omitempty"`
}

// ToolUseEvent reports that the model requested a tool invocation.
type ToolUseEvent struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolResultEvent reports the outcome of a tool invocation.
type ToolResultEvent struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Output    string `json:"output"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TokenUsage counts tokens consumed by LLM turns.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another turn's usage.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ResultStatus is the terminal disposition of a task.
type ResultStatus string

const (
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusFailed    ResultStatus = "failed"
	ResultStatusCancelled ResultStatus = "cancelled"
)

// FileChange records one file the task created, modified, or deleted.
type FileChange struct {
	Path   string `json:"path"`
	Action string `json:"action"`
}

// Result is the final outcome of a task execution.
type Result struct {
	Status      ResultStatus `json:"status"`
	ExitCode    int          `json:"exit_code"`
	Summary     string       `json:"summary,omitempty"`
	Stdout      string       `json:"stdout,omitempty"`
	TokenUsage  TokenUsage   `json:"token_usage"`
	FileChanges []FileChange `json:"file_changes,omitempty"`
	Error       *TaskError   `json:"error,omitempty"`
}

// NewTextEvent wraps a streamed text fragment.
func NewTextEvent(text string) OutputEvent {
	return OutputEvent{Type: EventTypeText, Timestamp: time.Now(), Text: text}
}

// NewToolUseEvent wraps a tool invocation request.
func NewToolUseEvent(id, name string, args json.RawMessage) OutputEvent {
	return OutputEvent{
		Type:      EventTypeToolUse,
		Timestamp: time.Now(),
		ToolUse:   &ToolUseEvent{ID: id, Name: name, Args: args},
	}
}

// NewToolResultEvent wraps a tool invocation outcome.
func NewToolResultEvent(toolUseID, name, output string, isError bool) OutputEvent {
	return OutputEvent{
		Type:       EventTypeToolResult,
		Timestamp:  time.Now(),
		ToolResult: &ToolResultEvent{ToolUseID: toolUseID, Name: name, Output: output, IsError: isError},
	}
}

// NewUsageEvent wraps accumulated token usage.
func NewUsageEvent(usage TokenUsage) OutputEvent {
	u := usage
	return OutputEvent{Type: EventTypeUsage, Timestamp: time.Now(), Usage: &u}
}

// NewCompleteEvent wraps the terminal result. Every stream carries
// exactly one.
func NewCompleteEvent(result *Result) OutputEvent {
	return OutputEvent{Type: EventTypeComplete, Timestamp: time.Now(), Result: result}
}

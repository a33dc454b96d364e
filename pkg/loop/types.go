// Package loop implements the provider-agnostic agentic execution
// loop: repeated LLM turns with tool execution in between, bounded by
// the task's turn budget.
package loop

import (
	"context"
	"encoding/json"

	"github.com/codeready-toolchain/warden/pkg/backend"
)

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleTool carries one tool invocation's output back to the model.
	RoleTool Role = "tool"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is one entry of the neutral conversation transcript. Provider
// clients translate it into their own wire shapes.
type Message struct {
	Role    Role
	Content string
	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolCallID and ToolName are set on RoleTool messages.
	ToolCallID string
	ToolName   string
	IsError    bool
}

// ToolDefinition advertises one tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is one model turn. A nil Tools slice means the request
// carries no tools parameter at all.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolDefinition
	MaxTokens int
}

// ChunkType discriminates streamed chunk variants.
type ChunkType string

const (
	ChunkTypeText     ChunkType = "text"
	ChunkTypeToolCall ChunkType = "tool_call"
	ChunkTypeUsage    ChunkType = "usage"
	ChunkTypeDone     ChunkType = "done"
	ChunkTypeError    ChunkType = "error"
)

// Chunk is one streamed item of a model turn. Type selects which field
// is populated.
type Chunk struct {
	Type       ChunkType
	TextDelta  string
	ToolCall   *ToolCall
	Usage      *backend.TokenUsage
	StopReason string
	Err        error
}

// LLMClient opens streaming model turns. Implementations close the
// returned channel after yielding a done or error chunk, and on context
// cancellation.
type LLMClient interface {
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Package backend defines the execution backend abstraction: the task
// and output event types, the Backend interface every provider
// implements, and the registry/router pair that picks a provider for
// each task under circuit breaker protection.
package backend

import (
	"encoding/json"
	"time"
)

// GoalType is the coarse category of work a task asks for. Backends
// advertise which goal types they can serve.
type GoalType string

const (
	// GoalGeneral covers free-form instructions with no special needs.
	GoalGeneral GoalType = "general"
	// GoalCode covers code reading, writing, and review tasks.
	GoalCode GoalType = "code"
	// GoalResearch covers investigation and summarization tasks.
	GoalResearch GoalType = "research"
)

// Instruction is what the task should accomplish.
type Instruction struct {
	Prompt   string   `json:"prompt"`
	GoalType GoalType `json:"goal_type,omitempty"`
}

// TaskContext carries the environment a task executes against.
type TaskContext struct {
	WorkspacePath string            `json:"workspace_path,omitempty"`
	SystemPrompt  string            `json:"system_prompt,omitempty"`
	Memories      []string          `json:"memories,omitempty"`
	RelevantFiles []string          `json:"relevant_files,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// Constraints bound a task's execution. Timeout comes from the job row,
// not the payload, so it is excluded from payload decoding.
type Constraints struct {
	Timeout       time.Duration `json:"-"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	Model         string        `json:"model,omitempty"`
	AllowedTools  []string      `json:"allowed_tools,omitempty"`
	DeniedTools   []string      `json:"denied_tools,omitempty"`
	MaxTurns      int           `json:"max_turns,omitempty"`
	NetworkAccess bool          `json:"network_access,omitempty"`
	ShellAccess   bool          `json:"shell_access,omitempty"`
}

// Task is one unit of work handed to an execution backend. Checkpoint,
// when present, carries opaque resume state from a prior attempt.
type Task struct {
	ID          string
	JobID       string
	AgentID     string
	Attempt     int
	Instruction Instruction
	Context     TaskContext
	Constraints Constraints
	Checkpoint  json.RawMessage
}

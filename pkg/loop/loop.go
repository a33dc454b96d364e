package loop

import (
	"context"
	"errors"
	"strings"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/tools"
)

// Run drives the agentic loop for one task: up to MaxTurns model calls
// with at most MaxTurns-1 tool rounds between them. Intermediate events
// flow through emit; the returned result is terminal and never nil.
//
// The loop never aborts on a bad tool request: unknown tools and tool
// execution failures become error-flagged tool results the model sees
// on its next turn.
func Run(ctx context.Context, client LLMClient, registry *tools.Registry, task backend.Task, emit func(backend.OutputEvent)) *backend.Result {
	maxTurns := task.Constraints.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	toolset := registry.Resolve(task.Constraints.AllowedTools, task.Constraints.DeniedTools)
	byName := make(map[string]tools.Tool, len(toolset))
	defs := make([]ToolDefinition, 0, len(toolset))
	for _, t := range toolset {
		byName[t.Name()] = t
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}

	system := buildSystem(task)
	messages := []Message{{Role: RoleUser, Content: task.Instruction.Prompt}}

	var total backend.TokenUsage
	var finalText string

	for turn := 1; turn <= maxTurns; turn++ {
		req := Request{
			Model:     task.Constraints.Model,
			System:    system,
			Messages:  messages,
			MaxTokens: task.Constraints.MaxTokens,
		}
		if len(defs) > 0 {
			req.Tools = defs
		}

		turnText, toolCalls, err := runTurn(ctx, client, req, &total, emit)
		if err != nil {
			return failureResult(ctx, err, finalText, total)
		}
		if turnText != "" {
			finalText = turnText
		}

		if len(toolCalls) == 0 || turn == maxTurns {
			// Done, or turn budget exhausted with tool requests pending;
			// pending requests are not executed.
			break
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: turnText, ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			emit(backend.NewToolUseEvent(tc.ID, tc.Name, tc.Args))
			output, isError := executeTool(ctx, byName, tc)
			emit(backend.NewToolResultEvent(tc.ID, tc.Name, output, isError))
			messages = append(messages, Message{
				Role:       RoleTool,
				Content:    output,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
				IsError:    isError,
			})
			if ctx.Err() != nil {
				return failureResult(ctx, ctx.Err(), finalText, total)
			}
		}
	}

	emit(backend.NewUsageEvent(total))
	return &backend.Result{
		Status:     backend.ResultStatusCompleted,
		ExitCode:   0,
		Summary:    finalText,
		TokenUsage: total,
	}
}

// runTurn streams one model call, forwarding text deltas and collecting
// tool calls and usage.
func runTurn(ctx context.Context, client LLMClient, req Request, total *backend.TokenUsage, emit func(backend.OutputEvent)) (string, []ToolCall, error) {
	ch, err := client.Stream(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var calls []ToolCall
	for chunk := range ch {
		switch chunk.Type {
		case ChunkTypeText:
			text.WriteString(chunk.TextDelta)
			emit(backend.NewTextEvent(chunk.TextDelta))
		case ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case ChunkTypeUsage:
			if chunk.Usage != nil {
				total.Add(*chunk.Usage)
			}
		case ChunkTypeError:
			return text.String(), calls, chunk.Err
		case ChunkTypeDone:
			// Stop reason is informational; the presence or absence of
			// tool calls decides the next step.
		}
	}
	if ctx.Err() != nil {
		return text.String(), calls, ctx.Err()
	}
	return text.String(), calls, nil
}

// executeTool runs one tool call. Failures never propagate; they come
// back as error-flagged output for the model.
func executeTool(ctx context.Context, byName map[string]tools.Tool, tc ToolCall) (string, bool) {
	tool, ok := byName[tc.Name]
	if !ok {
		return "Unknown tool: " + tc.Name, true
	}
	output, err := tool.Execute(ctx, tc.Args)
	if err != nil {
		return "error: " + err.Error(), true
	}
	return output, false
}

// buildSystem assembles the system prompt from the task context plus a
// resume note when the task carries checkpoint state.
func buildSystem(task backend.Task) string {
	var sb strings.Builder
	sb.WriteString(task.Context.SystemPrompt)
	if len(task.Context.Memories) > 0 {
		sb.WriteString("\n\nRelevant memories:")
		for _, m := range task.Context.Memories {
			sb.WriteString("\n- " + m)
		}
	}
	if len(task.Context.RelevantFiles) > 0 {
		sb.WriteString("\n\nFiles of interest:")
		for _, f := range task.Context.RelevantFiles {
			sb.WriteString("\n- " + f)
		}
	}
	if len(task.Checkpoint) > 0 {
		sb.WriteString("\n\nThis task resumes a prior attempt. Checkpoint state:\n")
		sb.Write(task.Checkpoint)
	}
	return strings.TrimSpace(sb.String())
}

// failureResult maps an execution error to a terminal result:
// cancellation keeps its reason, everything else carries a classified
// task error.
func failureResult(ctx context.Context, err error, partial string, usage backend.TokenUsage) *backend.Result {
	cause := err
	if c := context.Cause(ctx); c != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		cause = c
	}

	var cancelled *backend.CancelledError
	if errors.As(cause, &cancelled) {
		return &backend.Result{
			Status:     backend.ResultStatusCancelled,
			ExitCode:   130,
			Summary:    "cancelled: " + cancelled.Reason,
			TokenUsage: usage,
		}
	}

	var taskErr *backend.TaskError
	if !errors.As(cause, &taskErr) {
		if errors.Is(cause, context.DeadlineExceeded) {
			taskErr = backend.TransientError("task deadline exceeded")
		} else {
			taskErr = backend.NewTaskError(backend.Classify(cause), "%v", cause)
		}
	}
	return &backend.Result{
		Status:     backend.ResultStatusFailed,
		ExitCode:   1,
		Summary:    partial,
		TokenUsage: usage,
		Error:      taskErr,
	}
}

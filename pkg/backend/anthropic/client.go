// Package anthropic implements an execution backend on the Anthropic
// Messages API. It translates the neutral loop conversation into
// streaming Messages calls and adapts SDK stream events back into loop
// chunks, buffering tool input JSON fragments until each block closes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/loop"
)

// MessagesClient is the subset of the Anthropic SDK client this backend
// uses. *sdk.MessageService satisfies it; tests substitute scripted
// streams.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// defaultMaxTokens caps a turn when neither the task nor the provider
// configuration supplies one.
const defaultMaxTokens = 4096

// llmClient adapts MessagesClient to loop.LLMClient.
type llmClient struct {
	msg          MessagesClient
	defaultModel string
}

func newLLMClient(msg MessagesClient, defaultModel string) *llmClient {
	return &llmClient{msg: msg, defaultModel: defaultModel}
}

// Stream implements loop.LLMClient.
func (c *llmClient) Stream(ctx context.Context, req loop.Request) (<-chan loop.Chunk, error) {
	params, err := encodeRequest(req, c.defaultModel)
	if err != nil {
		return nil, backend.PermanentError("anthropic request: %v", err)
	}

	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, backend.TransientError("anthropic stream open: %v", err)
	}

	ch := make(chan loop.Chunk, 32)
	go pumpStream(ctx, stream, ch)
	return ch, nil
}

// pumpStream translates SDK stream events into loop chunks. Tool input
// arrives as JSON fragments per content block; a tool_call chunk is
// emitted only when its block stops.
func pumpStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], ch chan<- loop.Chunk) {
	defer close(ch)
	defer func() { _ = stream.Close() }()

	emit := func(chunk loop.Chunk) bool {
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	toolBlocks := make(map[int]*toolBuffer)
	var usage backend.TokenUsage
	var stopReason string

	for stream.Next() {
		if ctx.Err() != nil {
			return
		}
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			toolBlocks = make(map[int]*toolBuffer)
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(loop.Chunk{Type: loop.ChunkTypeText, TextDelta: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			tb := toolBlocks[int(ev.Index)]
			if tb == nil {
				continue
			}
			delete(toolBlocks, int(ev.Index))
			call := &loop.ToolCall{ID: tb.id, Name: tb.name, Args: json.RawMessage(tb.finalInput())}
			if !emit(loop.Chunk{Type: loop.ChunkTypeToolCall, ToolCall: call}) {
				return
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage = backend.TokenUsage{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
			}
		case sdk.MessageStopEvent:
			u := usage
			if !emit(loop.Chunk{Type: loop.ChunkTypeUsage, Usage: &u}) {
				return
			}
			emit(loop.Chunk{Type: loop.ChunkTypeDone, StopReason: stopReason})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(loop.Chunk{Type: loop.ChunkTypeError, Err: backend.TransientError("anthropic stream: %v", err)})
	}
}

// toolBuffer accumulates one tool_use block's input JSON fragments.
type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

func encodeRequest(req loop.Request, defaultModel string) (*sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(model),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return &params, nil
}

// encodeMessages maps the neutral transcript onto Anthropic's message
// shapes. Consecutive tool result messages collapse into a single user
// message of tool_result blocks, as the API requires.
func encodeMessages(msgs []loop.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	var pendingResults []sdk.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case loop.RoleTool:
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))
		case loop.RoleUser:
			flush()
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case loop.RoleAssistant:
			flush()
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	flush()
	if len(out) == 0 {
		return nil, errors.New("at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []loop.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

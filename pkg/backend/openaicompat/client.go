// Package openaicompat implements the execution backend contract over
// the OpenAI chat-completions wire format. Any endpoint speaking that
// surface works: OpenAI itself, OpenRouter, Groq, vLLM, Ollama.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/loop"
)

// maxErrorBodyBytes bounds how much of an error response body is kept
// for the failure message.
const maxErrorBodyBytes = 2048

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Tools     []chatTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// chatMessage is one conversation entry. Tool results use role "tool"
// with the originating call id.
type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// wireToolCall carries function arguments as a JSON string, per the
// chat-completions format.
type wireToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

type choiceMessage struct {
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// llmClient talks to a chat-completions endpoint without streaming:
// each model call is one POST answered with one batch of chunks.
type llmClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func newLLMClient(httpClient *http.Client, baseURL, apiKey, model string) *llmClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &llmClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

var _ loop.LLMClient = (*llmClient)(nil)

// Stream satisfies loop.LLMClient. The response arrives whole, so the
// returned channel comes back already loaded and closed.
func (c *llmClient) Stream(ctx context.Context, req loop.Request) (<-chan loop.Chunk, error) {
	body, err := c.encodeRequest(req)
	if err != nil {
		return nil, backend.PermanentError("encode chat request: %v", err)
	}
	resp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}

	chunks := responseChunks(resp)
	ch := make(chan loop.Chunk, len(chunks))
	for _, chunk := range chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (c *llmClient) encodeRequest(req loop.Request) (*chatRequest, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, errors.New("model identifier is required")
	}

	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case loop.RoleUser:
			msgs = append(msgs, chatMessage{Role: "user", Content: m.Content})
		case loop.RoleAssistant:
			msg := chatMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: functionCall{Name: tc.Name, Arguments: args},
				})
			}
			msgs = append(msgs, msg)
		case loop.RoleTool:
			msgs = append(msgs, chatMessage{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			return nil, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return nil, errors.New("conversation is empty")
	}

	out := &chatRequest{Model: model, Messages: msgs, MaxTokens: req.MaxTokens}
	for _, t := range req.Tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out.Tools = append(out.Tools, chatTool{
			Type:     "function",
			Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out, nil
}

// send posts the request and decodes the response. Network failures are
// transient unless the context is already done, in which case the raw
// error propagates so the caller sees the cancellation. Non-200
// statuses are classified by code.
func (c *llmClient) send(ctx context.Context, body *chatRequest) (*chatResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, backend.PermanentError("encode chat request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, backend.PermanentError("build chat request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, backend.TransientError("chat request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, backend.NewTaskError(backend.ClassifyHTTPStatus(resp.StatusCode),
			"chat endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backend.TransientError("decode chat response: %v", err)
	}
	return &out, nil
}

// responseChunks flattens one chat response into loop chunks: text,
// tool calls, usage, then done.
func responseChunks(resp *chatResponse) []loop.Chunk {
	var chunks []loop.Chunk
	var finish string
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		finish = choice.FinishReason
		if msg := choice.Message; msg != nil {
			if msg.Content != "" {
				chunks = append(chunks, loop.Chunk{Type: loop.ChunkTypeText, TextDelta: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := json.RawMessage(tc.Function.Arguments)
				if len(args) == 0 || !json.Valid(args) {
					args = json.RawMessage("{}")
				}
				chunks = append(chunks, loop.Chunk{Type: loop.ChunkTypeToolCall, ToolCall: &loop.ToolCall{
					ID:   tc.ID,
					Name: tc.Function.Name,
					Args: args,
				}})
			}
		}
	}
	if resp.Usage != nil {
		chunks = append(chunks, loop.Chunk{Type: loop.ChunkTypeUsage, Usage: &backend.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}})
	}
	chunks = append(chunks, loop.Chunk{Type: loop.ChunkTypeDone, StopReason: finish})
	return chunks
}

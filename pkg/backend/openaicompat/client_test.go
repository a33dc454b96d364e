package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/warden/pkg/backend"
	"github.com/codeready-toolchain/warden/pkg/config"
	"github.com/codeready-toolchain/warden/pkg/loop"
	"github.com/codeready-toolchain/warden/pkg/models"
	"github.com/codeready-toolchain/warden/pkg/tools"
)

func chatServer(t *testing.T, handler func(t *testing.T, req chatRequest) chatResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(handler(t, req)))
	}))
}

func collect(t *testing.T, ch <-chan loop.Chunk) []loop.Chunk {
	t.Helper()
	var chunks []loop.Chunk
	for chunk := range ch {
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestStreamTextResponse(t *testing.T) {
	srv := chatServer(t, func(t *testing.T, req chatRequest) chatResponse {
		assert.Equal(t, "gpt-test", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		return chatResponse{
			ID: "chatcmpl-1",
			Choices: []chatChoice{{
				Message:      &choiceMessage{Role: "assistant", Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: &chatUsage{PromptTokens: 5, CompletionTokens: 2},
		}
	})
	defer srv.Close()

	client := newLLMClient(nil, srv.URL, "test-key", "gpt-test")
	ch, err := client.Stream(context.Background(), loop.Request{
		System:   "be brief",
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, loop.ChunkTypeText, chunks[0].Type)
	assert.Equal(t, "Hello!", chunks[0].TextDelta)
	assert.Equal(t, loop.ChunkTypeUsage, chunks[1].Type)
	assert.Equal(t, 5, chunks[1].Usage.InputTokens)
	assert.Equal(t, 2, chunks[1].Usage.OutputTokens)
	assert.Equal(t, loop.ChunkTypeDone, chunks[2].Type)
	assert.Equal(t, "stop", chunks[2].StopReason)
}

func TestStreamToolCallResponse(t *testing.T) {
	srv := chatServer(t, func(t *testing.T, req chatRequest) chatResponse {
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "function", req.Tools[0].Type)
		assert.Equal(t, "echo", req.Tools[0].Function.Name)
		return chatResponse{
			Choices: []chatChoice{{
				Message: &choiceMessage{
					Role: "assistant",
					ToolCalls: []wireToolCall{{
						ID:       "call-1",
						Type:     "function",
						Function: functionCall{Name: "echo", Arguments: `{"text":"hi"}`},
					}},
				},
				FinishReason: "tool_calls",
			}},
		}
	})
	defer srv.Close()

	client := newLLMClient(nil, srv.URL, "", "gpt-test")
	ch, err := client.Stream(context.Background(), loop.Request{
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
		Tools: []loop.ToolDefinition{
			{Name: "echo", Description: "echo it", InputSchema: map[string]any{"type": "object"}},
		},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Len(t, chunks, 2)
	require.Equal(t, loop.ChunkTypeToolCall, chunks[0].Type)
	assert.Equal(t, "call-1", chunks[0].ToolCall.ID)
	assert.Equal(t, "echo", chunks[0].ToolCall.Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(chunks[0].ToolCall.Args))
	assert.Equal(t, loop.ChunkTypeDone, chunks[1].Type)
	assert.Equal(t, "tool_calls", chunks[1].StopReason)
}

func TestStreamInvalidToolArgsBecomeEmptyObject(t *testing.T) {
	srv := chatServer(t, func(t *testing.T, req chatRequest) chatResponse {
		return chatResponse{
			Choices: []chatChoice{{
				Message: &choiceMessage{
					ToolCalls: []wireToolCall{{
						ID:       "call-1",
						Function: functionCall{Name: "echo", Arguments: `{"broken`},
					}},
				},
			}},
		}
	})
	defer srv.Close()

	client := newLLMClient(nil, srv.URL, "", "gpt-test")
	ch, err := client.Stream(context.Background(), loop.Request{
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	chunks := collect(t, ch)
	require.Equal(t, loop.ChunkTypeToolCall, chunks[0].Type)
	assert.Equal(t, "{}", string(chunks[0].ToolCall.Args))
}

func TestStreamForwardsConversation(t *testing.T) {
	seen := make(chan chatRequest, 1)
	srv := chatServer(t, func(t *testing.T, req chatRequest) chatResponse {
		seen <- req
		return chatResponse{Choices: []chatChoice{{Message: &choiceMessage{Content: "done"}}}}
	})
	defer srv.Close()

	client := newLLMClient(nil, srv.URL, "", "gpt-test")
	ch, err := client.Stream(context.Background(), loop.Request{
		Messages: []loop.Message{
			{Role: loop.RoleUser, Content: "start"},
			{Role: loop.RoleAssistant, ToolCalls: []loop.ToolCall{
				{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"text":"a"}`)},
			}},
			{Role: loop.RoleTool, ToolCallID: "call-1", ToolName: "echo", Content: "a"},
		},
	})
	require.NoError(t, err)
	collect(t, ch)

	got := <-seen
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	require.Len(t, got.Messages[1].ToolCalls, 1)
	assert.Equal(t, "call-1", got.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, `{"text":"a"}`, got.Messages[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "tool", got.Messages[2].Role)
	assert.Equal(t, "call-1", got.Messages[2].ToolCallID)
}

func TestStreamAuthHeaderOnlyWithKey(t *testing.T) {
	headers := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{})
	}))
	defer srv.Close()

	client := newLLMClient(nil, srv.URL, "", "gpt-test")
	ch, err := client.Stream(context.Background(), loop.Request{
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	collect(t, ch)
	assert.Empty(t, <-headers)

	client = newLLMClient(nil, srv.URL, "sekrit", "gpt-test")
	ch, err = client.Stream(context.Background(), loop.Request{
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	collect(t, ch)
	assert.Equal(t, "Bearer sekrit", <-headers)
}

func TestStreamClassifiesHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   models.ErrorClassification
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, want: models.ClassificationTransient},
		{name: "server error", status: http.StatusBadGateway, want: models.ClassificationTransient},
		{name: "bad request", status: http.StatusBadRequest, want: models.ClassificationPermanent},
		{name: "unauthorized", status: http.StatusUnauthorized, want: models.ClassificationPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			client := newLLMClient(nil, srv.URL, "", "gpt-test")
			_, err := client.Stream(context.Background(), loop.Request{
				Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
			})
			require.Error(t, err)
			var taskErr *backend.TaskError
			require.ErrorAs(t, err, &taskErr)
			assert.Equal(t, tt.want, taskErr.Classification)
		})
	}
}

func TestStreamNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	client := newLLMClient(nil, srv.URL, "", "gpt-test")
	_, err := client.Stream(context.Background(), loop.Request{
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	var taskErr *backend.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, models.ClassificationTransient, taskErr.Classification)
}

func TestStreamCancelledContextPropagates(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	client := newLLMClient(nil, srv.URL, "", "gpt-test")
	_, err := client.Stream(ctx, loop.Request{
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeRequestRequiresModel(t *testing.T) {
	client := newLLMClient(nil, "http://unused", "", "")
	_, err := client.Stream(context.Background(), loop.Request{
		Messages: []loop.Message{{Role: loop.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model identifier")
}

func TestBackendStartRequiresBaseURL(t *testing.T) {
	b := New("local-vllm", tools.NewRegistry())
	err := b.Start(context.Background(), &config.ProviderConfig{
		Type: config.ProviderTypeOpenAICompat,
	})
	require.Error(t, err)
	var taskErr *backend.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, models.ClassificationConfiguration, taskErr.Classification)
}

func TestBackendStartMissingKeyEnvFails(t *testing.T) {
	t.Setenv("WARDEN_TEST_COMPAT_KEY", "")
	b := New("local-vllm", tools.NewRegistry())
	err := b.Start(context.Background(), &config.ProviderConfig{
		Type:      config.ProviderTypeOpenAICompat,
		BaseURL:   "http://localhost:8000/v1",
		APIKeyEnv: "WARDEN_TEST_COMPAT_KEY",
	})
	require.Error(t, err)
}

func TestExecuteTaskRunsLoop(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, func(t *testing.T, req chatRequest) chatResponse {
		if calls.Add(1) == 1 {
			return chatResponse{
				Choices: []chatChoice{{
					Message: &choiceMessage{
						ToolCalls: []wireToolCall{{
							ID:       "call-1",
							Type:     "function",
							Function: functionCall{Name: "echo", Arguments: `{"text":"hi"}`},
						}},
					},
					FinishReason: "tool_calls",
				}},
				Usage: &chatUsage{PromptTokens: 10, CompletionTokens: 4},
			}
		}
		return chatResponse{
			Choices: []chatChoice{{
				Message:      &choiceMessage{Content: "all done"},
				FinishReason: "stop",
			}},
			Usage: &chatUsage{PromptTokens: 14, CompletionTokens: 3},
		}
	})
	defer srv.Close()

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.EchoTool{}))

	b := New("local-vllm", reg)
	require.NoError(t, b.Start(context.Background(), &config.ProviderConfig{
		Type:    config.ProviderTypeOpenAICompat,
		BaseURL: srv.URL,
		Model:   "gpt-test",
	}))

	h, err := b.ExecuteTask(context.Background(), backend.Task{
		ID:          "task-1",
		Instruction: backend.Instruction{Prompt: "go"},
		Constraints: backend.Constraints{MaxTurns: 3, AllowedTools: []string{"echo"}},
	})
	require.NoError(t, err)

	var types []backend.EventType
	for ev := range h.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, backend.EventTypeComplete, types[len(types)-1])

	res, err := h.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, backend.ResultStatusCompleted, res.Status)
	assert.Equal(t, "all done", res.Summary)
	assert.Equal(t, 24, res.TokenUsage.InputTokens)
	assert.Equal(t, 7, res.TokenUsage.OutputTokens)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCapabilitiesUseConfiguredContextWindow(t *testing.T) {
	b := New("local-vllm", tools.NewRegistry())
	require.NoError(t, b.Start(context.Background(), &config.ProviderConfig{
		Type:             config.ProviderTypeOpenAICompat,
		BaseURL:          "http://localhost:8000/v1",
		Model:            "gpt-test",
		MaxContextTokens: 32000,
	}))
	caps := b.Capabilities()
	assert.Equal(t, 32000, caps.MaxContextTokens)
	assert.True(t, caps.SupportsCancellation)
	assert.False(t, caps.SupportsShellExecution)
}

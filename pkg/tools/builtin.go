package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxReadFileBytes caps read_file output so a single tool result cannot
// blow up the model context.
const maxReadFileBytes = 64 * 1024

// EchoTool returns its input verbatim. Useful for wiring checks and as
// the canonical fixture in loop tests.
type EchoTool struct{}

func (EchoTool) Name() string        { return "echo" }
func (EchoTool) Description() string { return "Echo the provided text back unchanged." }

func (EchoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{
				"type":        "string",
				"description": "Text to echo back.",
			},
		},
		"required": []string{"text"},
	}
}

func (EchoTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid echo arguments: %w", err)
	}
	return in.Text, nil
}

// ReadFileTool reads files from the agent workspace. Paths are resolved
// relative to the configured root and may not escape it.
type ReadFileTool struct {
	root string
}

// NewReadFileTool builds a read_file tool rooted at the given directory.
func NewReadFileTool(root string) *ReadFileTool {
	return &ReadFileTool{root: filepath.Clean(root)}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file from the agent workspace. Paths are relative to the workspace root."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Workspace-relative path of the file to read.",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid read_file arguments: %w", err)
	}
	if in.Path == "" {
		return "", fmt.Errorf("path is required")
	}

	full := filepath.Join(t.root, filepath.Clean("/"+in.Path))
	rel, err := filepath.Rel(t.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", in.Path)
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", in.Path, err)
	}
	if len(data) > maxReadFileBytes {
		return string(data[:maxReadFileBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

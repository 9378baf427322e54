package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSConfig controls the filesystem tool defaults.
type FSConfig struct {
	Workspace    string
	MaxReadBytes int
}

// Resolver resolves and validates workspace-relative paths.
type Resolver struct {
	Root string
}

// Resolve returns an absolute, cleaned path within the workspace root.
func (r Resolver) Resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.Root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return targetAbs, nil
}

type readFileInput struct {
	Path     string `json:"path" jsonschema:"required,description=Path to the file relative to the workspace"`
	Offset   int    `json:"offset,omitempty" jsonschema:"description=Byte offset to start reading from,minimum=0"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read,minimum=0"`
}

// ReadFileTool reads workspace files with a byte cap.
type ReadFileTool struct {
	resolver Resolver
	maxBytes int
}

// NewReadFileTool creates a read tool scoped to the workspace.
func NewReadFileTool(cfg FSConfig) *ReadFileTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ReadFileTool{resolver: Resolver{Root: cfg.Workspace}, maxBytes: limit}
}

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *ReadFileTool) Schema() json.RawMessage {
	return MustSchema[readFileInput]()
}

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	args, err := decodeInput[readFileInput](input)
	if err != nil {
		return nil, err
	}
	path, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return nil, &ToolError{Type: ErrorInvalidInput, Message: err.Error(), Cause: err}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if args.Offset > 0 {
		if args.Offset >= len(data) {
			return "", nil
		}
		data = data[args.Offset:]
	}
	limit := t.maxBytes
	if args.MaxBytes > 0 && args.MaxBytes < limit {
		limit = args.MaxBytes
	}
	if len(data) > limit {
		return string(data[:limit]) + "\n[truncated]", nil
	}
	return string(data), nil
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"required,description=Path to write relative to the workspace"`
	Content string `json:"content" jsonschema:"required,description=File contents to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

// WriteFileTool writes files within the workspace.
type WriteFileTool struct {
	resolver Resolver
}

// NewWriteFileTool creates a write tool scoped to the workspace.
func NewWriteFileTool(cfg FSConfig) *WriteFileTool {
	return &WriteFileTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file in the workspace (overwrites by default)."
}

func (t *WriteFileTool) Schema() json.RawMessage {
	return MustSchema[writeFileInput]()
}

// MutatedPaths returns the target path so it can be captured before the write.
func (t *WriteFileTool) MutatedPaths(input map[string]any) []string {
	raw, _ := input["path"].(string)
	path, err := t.resolver.Resolve(raw)
	if err != nil {
		return nil
	}
	return []string{path}
}

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	args, err := decodeInput[writeFileInput](input)
	if err != nil {
		return nil, err
	}
	path, err := t.resolver.Resolve(args.Path)
	if err != nil {
		return nil, &ToolError{Type: ErrorInvalidInput, Message: err.Error(), Cause: err}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if args.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(args.Content); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}

// decodeInput converts a validated input map into a typed argument struct.
func decodeInput[T any](input map[string]any) (T, error) {
	var args T
	data, err := json.Marshal(input)
	if err != nil {
		return args, &ToolError{Type: ErrorInvalidInput, Message: err.Error(), Cause: err}
	}
	if err := json.Unmarshal(data, &args); err != nil {
		return args, &ToolError{Type: ErrorInvalidInput, Message: err.Error(), Cause: err}
	}
	return args, nil
}

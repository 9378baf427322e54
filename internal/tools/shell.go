package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

type shellInput struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds,minimum=1,maximum=600"`
}

// ShellTool runs a shell command in the workspace directory.
type ShellTool struct {
	workdir        string
	defaultTimeout time.Duration
	maxOutput      int
}

// NewShellTool creates a shell tool rooted at the workspace.
func NewShellTool(workdir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellTool{workdir: workdir, defaultTimeout: timeout, maxOutput: 100000}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and return combined output."
}

func (t *ShellTool) Schema() json.RawMessage {
	return MustSchema[shellInput]()
}

// Commands whose first words indicate irreversible filesystem or VCS damage.
var destructiveCommands = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"dd":       true,
	"mkfs":     true,
	"truncate": true,
	"shred":    true,
}

// Destructive flags commands that delete or irreversibly rewrite state.
func (t *ShellTool) Destructive(input map[string]any) bool {
	command, _ := input["command"].(string)
	for _, segment := range strings.FieldsFunc(command, func(r rune) bool {
		return r == ';' || r == '|' || r == '&'
	}) {
		fields := strings.Fields(segment)
		if len(fields) == 0 {
			continue
		}
		head := fields[0]
		if head == "sudo" && len(fields) > 1 {
			head = fields[1]
		}
		if destructiveCommands[head] {
			return true
		}
		if head == "git" && len(fields) > 2 && fields[1] == "reset" && fields[2] == "--hard" {
			return true
		}
	}
	return false
}

func (t *ShellTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	args, err := decodeInput[shellInput](input)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, &ToolError{Type: ErrorInvalidInput, Message: "command is required"}
	}

	timeout := t.defaultTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", args.Command)
	cmd.Dir = t.workdir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	runErr := cmd.Run()
	output := buf.String()
	if len(output) > t.maxOutput {
		output = output[:t.maxOutput] + "\n[truncated]"
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return nil, &ToolError{
			Type:    ErrorTimeout,
			Message: fmt.Sprintf("command timed out after %s", timeout),
			Cause:   ErrToolTimeout,
		}
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &ToolError{
				Type:    ErrorExecution,
				Message: fmt.Sprintf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(output)),
				Cause:   runErr,
			}
		}
		return nil, runErr
	}
	return output, nil
}

// ExecuteStream runs the command and emits combined output line by line as
// it appears. A failure arrives as the terminal chunk.
func (t *ShellTool) ExecuteStream(ctx context.Context, input map[string]any) (<-chan StreamChunk, error) {
	args, err := decodeInput[shellInput](input)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, &ToolError{Type: ErrorInvalidInput, Message: "command is required"}
	}

	timeout := t.defaultTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(execCtx, "sh", "-c", args.Command)
	cmd.Dir = t.workdir
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		cancel()
		pw.Close()
		pr.Close()
		return nil, err
	}

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer cancel()

		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64<<10), 64<<10)
		written := 0
		for scanner.Scan() {
			if written >= t.maxOutput {
				continue
			}
			line := scanner.Text() + "\n"
			if written+len(line) > t.maxOutput {
				line = line[:t.maxOutput-written] + "\n[truncated]\n"
				written = t.maxOutput
			} else {
				written += len(line)
			}
			select {
			case out <- StreamChunk{Text: line}:
			case <-execCtx.Done():
			}
		}
		pr.Close()

		runErr := <-waitErr
		if execCtx.Err() == context.DeadlineExceeded {
			out <- StreamChunk{Err: &ToolError{
				Type:    ErrorTimeout,
				Message: fmt.Sprintf("command timed out after %s", timeout),
				Cause:   ErrToolTimeout,
			}}
			return
		}
		if runErr != nil {
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				out <- StreamChunk{Err: &ToolError{
					Type:    ErrorExecution,
					Message: fmt.Sprintf("exit status %d", exitErr.ExitCode()),
					Cause:   runErr,
				}}
				return
			}
			out <- StreamChunk{Err: runErr}
		}
	}()
	return out, nil
}

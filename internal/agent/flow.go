// Package agent contains the execution core: the tool dispatch flow, the
// plan and HITL handlers, and the executor that drives the
// react-validate-reflect loop with backtracking.
package agent

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/arc/internal/backoff"
	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/events"
	"github.com/haasonsaas/arc/internal/observability"
	"github.com/haasonsaas/arc/internal/state"
	"github.com/haasonsaas/arc/internal/tools"
	"github.com/haasonsaas/arc/pkg/models"
)

// retryAttempts bounds in-place retries of infrastructure failures.
const retryAttempts = 3

// FlowContext carries per-session identity into tool dispatch.
type FlowContext struct {
	SessionID string
	TaskID    string
	Runtime   *models.RuntimeContext
}

// ToolHandler intercepts dispatch for one tool name. Handlers run serially
// and own their result entirely; the registry is not consulted.
type ToolHandler interface {
	Handle(ctx context.Context, fc *FlowContext, call models.ToolCall) models.ToolExecutionResult
}

// Flow executes the tool calls of one assistant turn and produces results in
// declaration order. Errors never propagate as Go errors to the caller; they
// become ToolExecutionResult data.
type Flow struct {
	cfg         config.ToolsConfig
	registry    *tools.Registry
	stateMgr    *state.Manager
	broadcaster *events.Broadcaster
	logger      *observability.Logger

	handlers   map[string]ToolHandler
	serialOnly map[string]struct{}
	tracer     *observability.Tracer
}

// SetTracer enables spans around tool executions. A nil tracer is a no-op.
func (f *Flow) SetTracer(t *observability.Tracer) { f.tracer = t }

// NewFlow creates a dispatch flow. stateMgr and broadcaster may be nil; side
// effect capture and event emission are then skipped.
func NewFlow(cfg config.ToolsConfig, registry *tools.Registry, stateMgr *state.Manager, broadcaster *events.Broadcaster, logger *observability.Logger) *Flow {
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 5
	}
	serial := make(map[string]struct{}, len(cfg.SerialOnly))
	for _, name := range cfg.SerialOnly {
		serial[name] = struct{}{}
	}
	return &Flow{
		cfg:         cfg,
		registry:    registry,
		stateMgr:    stateMgr,
		broadcaster: broadcaster,
		logger:      logger,
		handlers:    make(map[string]ToolHandler),
		serialOnly:  serial,
	}
}

// RegisterHandler installs a special handler for one tool name. Handled
// tools always dispatch serially.
func (f *Flow) RegisterHandler(name string, h ToolHandler) {
	f.handlers[name] = h
}

// isSerialOnly reports whether a call must run sequentially.
func (f *Flow) isSerialOnly(name string) bool {
	if _, ok := f.handlers[name]; ok {
		return true
	}
	_, ok := f.serialOnly[name]
	return ok
}

// ExecuteSingle runs one tool call to completion.
func (f *Flow) ExecuteSingle(ctx context.Context, fc *FlowContext, call models.ToolCall) models.ToolExecutionResult {
	if h, ok := f.handlers[call.Name]; ok {
		return h.Handle(ctx, fc, call)
	}

	f.captureSideEffects(fc, call)

	var span trace.Span
	if f.tracer != nil {
		ctx, span = f.tracer.StartToolSpan(ctx, call.Name, call.ID)
	}

	attempt := func() (any, error) {
		execCtx := ctx
		if f.cfg.ExecTimeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, f.cfg.ExecTimeout)
			defer cancel()
		}
		if f.registry.SupportsStream(call.Name) {
			return f.consumeStream(execCtx, call)
		}
		return f.registry.Execute(execCtx, call.Name, call.Input)
	}

	value, err := attempt()
	if err != nil && tools.IsInfrastructureError(err) {
		// Infrastructure faults get in-place retries before anyone hears
		// about them; business errors go straight to the caller.
		value, err = backoff.Retry(ctx, backoff.DefaultPolicy(), retryAttempts-1,
			func(int) (any, error) { return attempt() })
	}

	result := models.ToolExecutionResult{
		ToolID:    call.ID,
		ToolName:  call.Name,
		ToolInput: call.Input,
		Result:    value,
	}
	if err != nil {
		result.IsError = true
		result.ErrorMsg = err.Error()
		result.Err = err
		result.Result = err.Error()
	}
	if span != nil {
		observability.EndSpan(span, err)
	}

	f.recordSideEffects(fc, call)
	return result
}

// consumeStream folds a streaming tool's chunks into the final result text.
// Partial output before a failure is preserved in the error message so the
// model sees what the tool got done.
func (f *Flow) consumeStream(ctx context.Context, call models.ToolCall) (any, error) {
	chunks, err := f.registry.ExecuteStream(ctx, call.Name, call.Input)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			if partial := strings.TrimSpace(sb.String()); partial != "" {
				if toolErr, ok := tools.AsToolError(chunk.Err); ok {
					toolErr.Message = toolErr.Message + ": " + partial
					return nil, toolErr
				}
			}
			return nil, chunk.Err
		}
		sb.WriteString(chunk.Text)
	}
	return sb.String(), nil
}

// Execute runs a turn's tool calls and returns results in declaration
// order. Parallel-eligible calls up to the configured cap run concurrently;
// the overflow and all serial-only calls run sequentially afterward.
func (f *Flow) Execute(ctx context.Context, fc *FlowContext, calls []models.ToolCall) []models.ToolExecutionResult {
	results := make([]models.ToolExecutionResult, len(calls))
	done := f.dispatch(ctx, fc, calls, results)
	for _, ch := range done {
		<-ch
	}
	return results
}

// ExecuteStream is Execute plus per-tool event emission: each tool_result
// event is published as soon as the result and all its predecessors are
// available, so event order always matches declaration order.
func (f *Flow) ExecuteStream(ctx context.Context, fc *FlowContext, calls []models.ToolCall) []models.ToolExecutionResult {
	results := make([]models.ToolExecutionResult, len(calls))
	done := f.dispatch(ctx, fc, calls, results)
	for i, ch := range done {
		<-ch
		if f.broadcaster != nil {
			if err := f.broadcaster.EmitBlock(ctx, fc.SessionID, results[i].ResultBlock()); err != nil {
				f.logger.Warn(ctx, "tool result emission failed",
					"tool", results[i].ToolName, "error", err)
			}
		}
	}
	return results
}

// dispatch starts execution of every call and returns one done channel per
// call, closed when its slot in results is filled.
func (f *Flow) dispatch(ctx context.Context, fc *FlowContext, calls []models.ToolCall, results []models.ToolExecutionResult) []chan struct{} {
	done := make([]chan struct{}, len(calls))
	for i := range done {
		done[i] = make(chan struct{})
	}

	var parallel []int
	var serial []int
	for i, call := range calls {
		switch {
		case f.cfg.AllowParallel && !f.isSerialOnly(call.Name) && len(parallel) < f.cfg.MaxParallel:
			parallel = append(parallel, i)
		default:
			serial = append(serial, i)
		}
	}

	var wg sync.WaitGroup
	for _, i := range parallel {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.ExecuteSingle(ctx, fc, calls[i])
			close(done[i])
		}(i)
	}

	go func() {
		// Serial calls wait for the parallel batch so handler state never
		// races concurrent executions.
		wg.Wait()
		for _, i := range serial {
			results[i] = f.ExecuteSingle(ctx, fc, calls[i])
			close(done[i])
		}
	}()

	return done
}

// Shell commands whose targets get captured before execution. rm-family
// entries invert to file_delete, mv to file_rename, the rest to file_write.
var captureCommands = map[string]state.OperationAction{
	"rm":       state.ActionFileDelete,
	"rmdir":    state.ActionFileDelete,
	"unlink":   state.ActionFileDelete,
	"shred":    state.ActionFileDelete,
	"mv":       state.ActionFileRename,
	"chmod":    state.ActionFileWrite,
	"chown":    state.ActionFileWrite,
	"truncate": state.ActionFileWrite,
	"cp":       state.ActionFileWrite,
	"tee":      state.ActionFileWrite,
	"dd":       state.ActionFileWrite,
	"install":  state.ActionFileWrite,
	"sed":      state.ActionFileWrite,
	"awk":      state.ActionFileWrite,
	"patch":    state.ActionFileWrite,
}

const (
	captureMaxFiles = 200
	captureMaxBytes = 50 << 20
)

// captureSideEffects snapshots files a call is about to touch: paths from
// FileMutator tools, plus absolute paths referenced by shell-style inputs
// whose command is in the capture set.
func (f *Flow) captureSideEffects(fc *FlowContext, call models.ToolCall) {
	if f.stateMgr == nil || fc.TaskID == "" {
		return
	}

	for _, path := range f.affectedPaths(call) {
		f.stateMgr.EnsureFileCaptured(fc.TaskID, path)
	}
}

// recordSideEffects appends operation records after execution so rollback
// can reverse what the call did.
func (f *Flow) recordSideEffects(fc *FlowContext, call models.ToolCall) {
	if f.stateMgr == nil || fc.TaskID == "" {
		return
	}

	action, targets := f.inferOperation(call)
	if action == "" {
		return
	}
	for _, target := range targets {
		f.stateMgr.RecordOperation(fc.TaskID, state.OperationRecord{
			Action: action,
			Target: target,
		})
	}
}

// affectedPaths collects the files a call references: FileMutator-declared
// paths, absolute paths in shell commands, and absolute paths in plain
// string inputs. Directories targeted by delete-family commands expand to
// their files, bounded by the capture limits.
func (f *Flow) affectedPaths(call models.ToolCall) []string {
	var paths []string

	if tool, ok := f.registry.Get(call.Name); ok {
		if mut, ok := tool.(tools.FileMutator); ok {
			paths = append(paths, mut.MutatedPaths(call.Input)...)
		}
	}

	if command, ok := commandString(call.Input); ok {
		action, destructive := captureCommands[commandName(command)]
		for _, p := range absolutePaths(command) {
			if destructive && action == state.ActionFileDelete {
				paths = append(paths, expandDir(p)...)
			} else {
				paths = append(paths, p)
			}
		}
	} else {
		for _, v := range call.Input {
			if s, ok := v.(string); ok && filepath.IsAbs(s) {
				paths = append(paths, s)
			}
		}
	}
	return paths
}

// expandDir returns the files under a directory target, capped at the
// capture limits. A regular file returns itself.
func expandDir(path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		return []string{path}
	}

	var files []string
	var total int64
	filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if len(files) >= captureMaxFiles || total+fi.Size() > captureMaxBytes {
			return fs.SkipAll
		}
		files = append(files, p)
		total += fi.Size()
		return nil
	})
	return files
}

// inferOperation maps a call to the operation-log action it implies.
func (f *Flow) inferOperation(call models.ToolCall) (state.OperationAction, []string) {
	if tool, ok := f.registry.Get(call.Name); ok {
		if mut, ok := tool.(tools.FileMutator); ok {
			if paths := mut.MutatedPaths(call.Input); len(paths) > 0 {
				return state.ActionFileWrite, paths
			}
		}
	}

	command, ok := commandString(call.Input)
	if !ok {
		return "", nil
	}
	action, captures := captureCommands[commandName(command)]
	if !captures {
		return "", nil
	}
	return action, absolutePaths(command)
}

func commandString(input map[string]any) (string, bool) {
	v, ok := input["command"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// commandName extracts the executable name, skipping a sudo prefix.
func commandName(command string) string {
	fields := strings.Fields(command)
	for _, field := range fields {
		if field == "sudo" || strings.Contains(field, "=") {
			continue
		}
		return filepath.Base(field)
	}
	return ""
}

func absolutePaths(command string) []string {
	var paths []string
	for _, field := range strings.Fields(command) {
		field = strings.Trim(field, `"'`)
		if filepath.IsAbs(field) {
			paths = append(paths, field)
		}
	}
	return paths
}

// ErrorResult builds a flow-shaped error result without executing anything.
func ErrorResult(call models.ToolCall, err error) models.ToolExecutionResult {
	return models.ToolExecutionResult{
		ToolID:    call.ID,
		ToolName:  call.Name,
		ToolInput: call.Input,
		Result:    err.Error(),
		IsError:   true,
		ErrorMsg:  err.Error(),
		Err:       err,
	}
}

// Package state provides transaction-like semantics over local files and a
// small set of process-level states (cwd, clipboard) for the duration of one
// task. A task gets a pre-execution snapshot; on failure the snapshot rolls
// the filesystem back, on success it is committed away.
package state

import (
	"fmt"
	"os"
	"time"
)

// OperationAction classifies an entry in a task's operation log.
type OperationAction string

const (
	ActionFileWrite  OperationAction = "file_write"
	ActionFileCreate OperationAction = "file_create"
	ActionFileDelete OperationAction = "file_delete"
	ActionFileRename OperationAction = "file_rename"
)

// OperationRecord is one logged side effect. Inverse, when set, overrides
// the derived inverse action during rollback.
type OperationRecord struct {
	ID          string            `json:"id"`
	Action      OperationAction   `json:"action"`
	Target      string            `json:"target"`
	BeforeState map[string]string `json:"before_state,omitempty"`
	At          time.Time         `json:"at"`

	Inverse func() error `json:"-"`
}

// inverse returns the closure to undo this record: the explicit one if set,
// otherwise one derived from the action and before-state.
func (r OperationRecord) inverse() (func() error, bool) {
	if r.Inverse != nil {
		return r.Inverse, true
	}
	switch r.Action {
	case ActionFileWrite:
		content, ok := r.BeforeState["content"]
		if !ok {
			return nil, false
		}
		target := r.Target
		return func() error {
			return os.WriteFile(target, []byte(content), 0o644)
		}, true
	case ActionFileCreate:
		target := r.Target
		return func() error {
			err := os.Remove(target)
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}, true
	case ActionFileDelete:
		content, ok := r.BeforeState["content"]
		if !ok {
			return nil, false
		}
		target := r.Target
		return func() error {
			return os.WriteFile(target, []byte(content), 0o644)
		}, true
	case ActionFileRename:
		original, ok := r.BeforeState["original_path"]
		if !ok {
			return nil, false
		}
		target := r.Target
		return func() error {
			return os.Rename(target, original)
		}, true
	}
	return nil, false
}

// PreTaskResult reports whether the environment can support the task.
type PreTaskResult struct {
	Passed bool
	Issues []string
}

// PostTaskResult reports output verification after a task completes.
type PostTaskResult struct {
	Passed          bool
	MissingFiles    []string
	IntegrityErrors []string
}

// RollbackStatus is the human-readable outcome of one restore step.
type RollbackStatus string

func statusf(format string, args ...any) RollbackStatus {
	return RollbackStatus(fmt.Sprintf(format, args...))
}

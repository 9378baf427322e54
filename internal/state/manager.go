package state

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/arc/internal/clipboard"
	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/observability"
)

const (
	// minFreeDiskBytes is the free space floor for PreTaskCheck.
	minFreeDiskBytes = 100 << 20

	metadataFile = "metadata.json"
	manifestFile = "file_manifest.json"
	filesDir     = "files"
)

// snapshotMeta is the on-disk snapshot header.
type snapshotMeta struct {
	SnapshotID   string    `json:"snapshot_id"`
	TaskID       string    `json:"task_id"`
	CreatedAt    time.Time `json:"created_at"`
	Cwd          string    `json:"cwd,omitempty"`
	Clipboard    string    `json:"clipboard,omitempty"`
	ClipboardSet bool      `json:"clipboard_set"`
}

// manifestEntry maps an original path to its backup file in files/.
type manifestEntry struct {
	Path   string `json:"path"`
	Backup string `json:"backup"`
	Size   int64  `json:"size"`
}

type taskState struct {
	meta     snapshotMeta
	dir      string
	captured map[string]string // original path -> backup name
	manifest []manifestEntry
	log      []OperationRecord
	sizeUsed int64
}

// Manager owns snapshots and operation logs for in-flight tasks.
type Manager struct {
	cfg    config.SnapshotConfig
	rb     config.RollbackConfig
	logger *observability.Logger

	mu     sync.Mutex
	tasks  map[string]*taskState // by task id
	byShot map[string]string     // snapshot id -> task id

	cron *cron.Cron
}

// NewManager creates a manager rooted at cfg.StoragePath. Expired and orphan
// snapshots left by previous runs are purged at construction, and a cron job
// re-runs the purge hourly while the manager is open.
func NewManager(cfg config.SnapshotConfig, rb config.RollbackConfig, logger *observability.Logger) (*Manager, error) {
	if logger == nil {
		logger = observability.Nop()
	}
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot root: %w", err)
	}
	m := &Manager{
		cfg:    cfg,
		rb:     rb,
		logger: logger,
		tasks:  make(map[string]*taskState),
		byShot: make(map[string]string),
		cron:   cron.New(),
	}
	m.purgeExpired()
	if _, err := m.cron.AddFunc("@hourly", m.purgeExpired); err != nil {
		return nil, fmt.Errorf("scheduling retention purge: %w", err)
	}
	m.cron.Start()
	return m, nil
}

// Close stops the retention purge job.
func (m *Manager) Close() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// PreTaskCheck verifies free disk space and write permission for each
// affected file (or its parent for files that do not exist yet). Failures
// are advisory: the caller may warn and continue.
func (m *Manager) PreTaskCheck(affectedFiles []string) PreTaskResult {
	res := PreTaskResult{Passed: true}

	free, err := freeDisk(m.cfg.StoragePath)
	if err != nil {
		res.Passed = false
		res.Issues = append(res.Issues, fmt.Sprintf("cannot determine free disk space: %v", err))
	} else if free < minFreeDiskBytes {
		res.Passed = false
		res.Issues = append(res.Issues, fmt.Sprintf("low disk space: %d MB free", free>>20))
	}

	for _, path := range affectedFiles {
		target := path
		if _, err := os.Stat(path); os.IsNotExist(err) {
			target = filepath.Dir(path)
		}
		if !writable(target) {
			res.Passed = false
			res.Issues = append(res.Issues, fmt.Sprintf("no write permission: %s", path))
		}
	}
	return res
}

// CreateSnapshot captures the given files plus cwd and clipboard, writes the
// snapshot directory atomically, and registers the task in memory.
func (m *Manager) CreateSnapshot(ctx context.Context, taskID string, affectedFiles []string) (string, error) {
	snapshotID := uuid.NewString()
	ts := &taskState{
		meta: snapshotMeta{
			SnapshotID: snapshotID,
			TaskID:     taskID,
			CreatedAt:  time.Now().UTC(),
		},
		captured: make(map[string]string),
	}

	if m.cfg.CaptureCwd {
		if cwd, err := os.Getwd(); err == nil {
			ts.meta.Cwd = cwd
		}
	}
	if m.cfg.CaptureClipboard {
		if text, err := clipboard.Capture(); err == nil {
			ts.meta.Clipboard = text
			ts.meta.ClipboardSet = true
		}
	}

	// Stage into a temp directory, then rename into place so a crash never
	// leaves a half-written snapshot under the real id.
	tmp := filepath.Join(m.cfg.StoragePath, ".tmp-"+snapshotID)
	final := filepath.Join(m.cfg.StoragePath, snapshotID)
	if err := os.MkdirAll(filepath.Join(tmp, filesDir), 0o755); err != nil {
		return "", fmt.Errorf("staging snapshot: %w", err)
	}
	ts.dir = tmp

	if m.cfg.CaptureFiles {
		for _, path := range affectedFiles {
			if err := ctx.Err(); err != nil {
				os.RemoveAll(tmp)
				return "", err
			}
			if err := m.captureFile(ts, path); err != nil {
				m.logger.Warn(ctx, "skipping file capture", "path", path, "error", err)
			}
		}
	}

	if err := m.writeSnapshotFiles(ts); err != nil {
		os.RemoveAll(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("finalizing snapshot: %w", err)
	}
	ts.dir = final

	m.mu.Lock()
	m.tasks[taskID] = ts
	m.byShot[snapshotID] = taskID
	m.mu.Unlock()

	m.logger.Info(ctx, "snapshot created",
		"snapshot_id", snapshotID, "task_id", taskID, "files", len(ts.manifest))
	return snapshotID, nil
}

// EnsureFileCaptured lazily captures a file the task did not declare
// upfront. Returns false when nothing was captured: task unknown, file
// already captured, or not a regular file. The file copy itself runs without
// the manager lock so a large file does not stall concurrent snapshot or
// rollback callers.
func (m *Manager) EnsureFileCaptured(taskID, path string) bool {
	m.mu.Lock()
	ts, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, done := ts.captured[path]; done {
		m.mu.Unlock()
		return false
	}
	// Reserve the path so a concurrent caller does not copy it twice.
	ts.captured[path] = ""
	remaining := m.budgetRemaining(ts)
	dir := ts.dir
	m.mu.Unlock()

	backup, size, err := copyBackup(dir, path, remaining)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(ts.captured, path)
		return false
	}
	ts.captured[path] = backup
	ts.manifest = append(ts.manifest, manifestEntry{Path: path, Backup: backup, Size: size})
	ts.sizeUsed += size
	if err := m.writeSnapshotFiles(ts); err != nil {
		return false
	}
	return true
}

// captureFile backs up one regular file into the snapshot directory. Caller
// holds the lock when the task is already registered.
func (m *Manager) captureFile(ts *taskState, path string) error {
	backup, size, err := copyBackup(ts.dir, path, m.budgetRemaining(ts))
	if err != nil {
		return err
	}
	ts.captured[path] = backup
	ts.manifest = append(ts.manifest, manifestEntry{Path: path, Backup: backup, Size: size})
	ts.sizeUsed += size
	return nil
}

// budgetRemaining reports the snapshot bytes still available to the task;
// negative means unlimited. Caller holds the lock.
func (m *Manager) budgetRemaining(ts *taskState) int64 {
	budget := int64(m.cfg.MaxSizeMB) << 20
	if budget <= 0 {
		return -1
	}
	return budget - ts.sizeUsed
}

// copyBackup stats and copies one regular file into the snapshot's files
// directory. No locking; callers coordinate through the captured map.
func copyBackup(dir, path string, remaining int64) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	if !info.Mode().IsRegular() {
		return "", 0, fmt.Errorf("not a regular file: %s", path)
	}
	if remaining >= 0 && info.Size() > remaining {
		return "", 0, fmt.Errorf("snapshot size budget exceeded at %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))

	backup := backupName(path)
	if err := os.WriteFile(filepath.Join(dir, filesDir, backup), []byte(text), 0o644); err != nil {
		return "", 0, err
	}
	return backup, info.Size(), nil
}

func (m *Manager) writeSnapshotFiles(ts *taskState) error {
	if err := writeJSON(filepath.Join(ts.dir, metadataFile), ts.meta); err != nil {
		return fmt.Errorf("writing snapshot metadata: %w", err)
	}
	manifest := ts.manifest
	if manifest == nil {
		manifest = []manifestEntry{}
	}
	if err := writeJSON(filepath.Join(ts.dir, manifestFile), manifest); err != nil {
		return fmt.Errorf("writing snapshot manifest: %w", err)
	}
	return nil
}

// RecordOperation appends to the task's operation log. Unknown tasks are
// dropped silently; side-effect capture may race task completion.
func (m *Manager) RecordOperation(taskID string, record OperationRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.tasks[taskID]
	if !ok {
		return
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.At.IsZero() {
		record.At = time.Now().UTC()
	}
	ts.log = append(ts.log, record)
}

// Rollback undoes a task: the operation log runs in reverse, captured files
// are restored, then cwd and clipboard. Individual failures do not abort the
// rollback; each step's outcome is reported in the returned statuses. Work
// past the configured timeout is flagged as skipped.
func (m *Manager) Rollback(ctx context.Context, snapshotID string) []RollbackStatus {
	m.mu.Lock()
	ts := m.lookupLocked(snapshotID)
	m.mu.Unlock()

	if ts == nil {
		loaded, err := m.loadSnapshot(snapshotID)
		if err != nil {
			return []RollbackStatus{statusf("snapshot %s not found: %v", snapshotID, err)}
		}
		ts = loaded
	}

	deadline := time.Now().Add(m.rb.Timeout)
	var statuses []RollbackStatus
	expired := func() bool {
		return m.rb.Timeout > 0 && time.Now().After(deadline)
	}

	for i := len(ts.log) - 1; i >= 0; i-- {
		rec := ts.log[i]
		if expired() {
			statuses = append(statuses, statusf("operation %s: skipped (timeout)", rec.ID))
			continue
		}
		inv, ok := rec.inverse()
		if !ok {
			statuses = append(statuses, statusf("operation %s (%s): no inverse available", rec.ID, rec.Action))
			continue
		}
		if err := inv(); err != nil {
			statuses = append(statuses, statusf("operation %s (%s): %v", rec.ID, rec.Action, err))
		} else {
			statuses = append(statuses, statusf("operation %s (%s): reversed", rec.ID, rec.Action))
		}
	}

	for _, entry := range ts.manifest {
		if expired() {
			statuses = append(statuses, statusf("restore %s: skipped (timeout)", entry.Path))
			continue
		}
		statuses = append(statuses, m.restoreFile(ts, entry))
	}

	if ts.meta.Cwd != "" && !expired() {
		if err := os.Chdir(ts.meta.Cwd); err != nil {
			statuses = append(statuses, statusf("restore cwd: %v", err))
		} else {
			statuses = append(statuses, statusf("restore cwd: %s", ts.meta.Cwd))
		}
	}
	if ts.meta.ClipboardSet && !expired() {
		done, err := clipboard.Restore(ts.meta.Clipboard)
		switch {
		case err != nil:
			statuses = append(statuses, statusf("restore clipboard: %v", err))
		case done:
			statuses = append(statuses, "restore clipboard: done")
		default:
			statuses = append(statuses, "restore clipboard: skipped (unsupported platform)")
		}
	}

	m.discard(ts)
	m.logger.Info(ctx, "rollback complete", "snapshot_id", snapshotID, "steps", len(statuses))
	return statuses
}

func (m *Manager) restoreFile(ts *taskState, entry manifestEntry) RollbackStatus {
	data, err := os.ReadFile(filepath.Join(ts.dir, filesDir, entry.Backup))
	if err != nil {
		return statusf("restore %s: reading backup: %v", entry.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(entry.Path), 0o755); err != nil {
		return statusf("restore %s: %v", entry.Path, err)
	}
	if err := os.WriteFile(entry.Path, data, 0o644); err != nil {
		return statusf("restore %s: %v", entry.Path, err)
	}
	return statusf("restore %s: done", entry.Path)
}

// Commit discards a task's snapshot and log without restoring anything.
func (m *Manager) Commit(taskID string) {
	m.mu.Lock()
	ts, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.discard(ts)
}

// PostTaskCheck verifies expected outputs exist and that every file the
// operation log wrote is non-empty.
func (m *Manager) PostTaskCheck(taskID string, expectedOutputs []string) PostTaskResult {
	res := PostTaskResult{Passed: true}

	for _, path := range expectedOutputs {
		if _, err := os.Stat(path); err != nil {
			res.Passed = false
			res.MissingFiles = append(res.MissingFiles, path)
		}
	}

	m.mu.Lock()
	ts, ok := m.tasks[taskID]
	var log []OperationRecord
	if ok {
		log = append(log, ts.log...)
	}
	m.mu.Unlock()

	for _, rec := range log {
		if rec.Action != ActionFileWrite && rec.Action != ActionFileCreate {
			continue
		}
		info, err := os.Stat(rec.Target)
		switch {
		case err != nil:
			res.Passed = false
			res.IntegrityErrors = append(res.IntegrityErrors, fmt.Sprintf("%s: %v", rec.Target, err))
		case info.Size() == 0:
			res.Passed = false
			res.IntegrityErrors = append(res.IntegrityErrors, fmt.Sprintf("%s: written but empty", rec.Target))
		}
	}
	return res
}

// ShouldAutoRollback applies the configured failure thresholds.
func (m *Manager) ShouldAutoRollback(taskID string, consecutiveFailures int, isCritical bool) bool {
	if m.rb.AutoOnConsecutiveFailures > 0 && consecutiveFailures >= m.rb.AutoOnConsecutiveFailures {
		return true
	}
	return isCritical && m.rb.AutoOnCriticalError
}

// SnapshotID returns the active snapshot id for a task, if any.
func (m *Manager) SnapshotID(taskID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.tasks[taskID]
	if !ok {
		return "", false
	}
	return ts.meta.SnapshotID, true
}

func (m *Manager) lookupLocked(snapshotID string) *taskState {
	taskID, ok := m.byShot[snapshotID]
	if !ok {
		return nil
	}
	return m.tasks[taskID]
}

func (m *Manager) discard(ts *taskState) {
	m.mu.Lock()
	delete(m.tasks, ts.meta.TaskID)
	delete(m.byShot, ts.meta.SnapshotID)
	m.mu.Unlock()
	os.RemoveAll(ts.dir)
}

// loadSnapshot reconstructs a task state from disk. The operation log is
// in-memory only and does not survive a crash; file restores still do.
func (m *Manager) loadSnapshot(snapshotID string) (*taskState, error) {
	dir := filepath.Join(m.cfg.StoragePath, snapshotID)

	var meta snapshotMeta
	if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		return nil, err
	}
	var manifest []manifestEntry
	if err := readJSON(filepath.Join(dir, manifestFile), &manifest); err != nil {
		return nil, err
	}

	ts := &taskState{meta: meta, dir: dir, manifest: manifest, captured: make(map[string]string)}
	for _, e := range manifest {
		ts.captured[e.Path] = e.Backup
	}

	m.mu.Lock()
	m.tasks[meta.TaskID] = ts
	m.byShot[snapshotID] = meta.TaskID
	m.mu.Unlock()
	return ts, nil
}

// purgeExpired removes snapshots past retention and any directory whose
// metadata is missing or corrupt.
func (m *Manager) purgeExpired() {
	entries, err := os.ReadDir(m.cfg.StoragePath)
	if err != nil {
		return
	}
	retention := time.Duration(m.cfg.RetentionHours) * time.Hour
	now := time.Now().UTC()

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.StoragePath, entry.Name())

		m.mu.Lock()
		_, active := m.byShot[entry.Name()]
		m.mu.Unlock()
		if active {
			continue
		}

		var meta snapshotMeta
		if err := readJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
			// Orphan: half-written or corrupt.
			os.RemoveAll(dir)
			continue
		}
		if retention > 0 && meta.CreatedAt.Add(retention).Before(now) {
			os.RemoveAll(dir)
		}
	}
}

func backupName(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])[:16] + ".bak"
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

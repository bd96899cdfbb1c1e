package process

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const pidsFile = "pids.json"

type pidEntry struct {
	PID int `json:"pid"`
	// Owner is the PID of the dbt-mcp process that spawned this one.
	Owner     int       `json:"owner"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// PIDTracker persists the PIDs of spawned language servers so that a later
// run can terminate the ones a crashed run left behind. Several dbt-mcp
// instances may share the file; entries are keyed by owner and entries whose
// owner is still alive are never touched.
type PIDTracker struct {
	mu     sync.Mutex
	path   string
	pids   map[string]pidEntry
	logger *zap.Logger
}

// NewPIDTracker creates a tracker backed by ~/.config/dbt-mcp/pids.json.
func NewPIDTracker(logger *zap.Logger) (*PIDTracker, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewPIDTrackerAt(filepath.Join(home, ".config", "dbt-mcp", pidsFile), logger), nil
}

// NewPIDTrackerAt creates a tracker backed by the file at path.
func NewPIDTrackerAt(path string, logger *zap.Logger) *PIDTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	pt := &PIDTracker{
		path:   path,
		pids:   make(map[string]pidEntry),
		logger: logger,
	}
	pt.load()
	return pt
}

// load replaces the in-memory entries with the file contents.
func (pt *PIDTracker) load() {
	data, err := os.ReadFile(pt.path)
	if err != nil {
		return
	}
	pids := make(map[string]pidEntry)
	if err := json.Unmarshal(data, &pids); err != nil {
		pt.logger.Warn("failed to parse PID file", zap.String("path", pt.path), zap.Error(err))
		return
	}
	pt.pids = pids
}

// save writes the file atomically. Caller holds pt.mu.
func (pt *PIDTracker) save() error {
	if err := os.MkdirAll(filepath.Dir(pt.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pt.pids, "", "  ")
	if err != nil {
		return err
	}
	tmp := pt.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, pt.path)
}

func entryKey(name string) string {
	return name + "@" + strconv.Itoa(os.Getpid())
}

// Add tracks pid under name for the current process.
func (pt *PIDTracker) Add(name string, pid int, command string, args []string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.load()
	pt.pids[entryKey(name)] = pidEntry{
		PID:       pid,
		Owner:     os.Getpid(),
		Command:   command,
		Args:      args,
		StartedAt: time.Now(),
	}
	return pt.save()
}

// Remove stops tracking name for the current process.
func (pt *PIDTracker) Remove(name string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.load()
	delete(pt.pids, entryKey(name))
	return pt.save()
}

// Tracked reports the PID recorded for name by the current process.
func (pt *PIDTracker) Tracked(name string) (int, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.pids[entryKey(name)]
	return e.PID, ok
}

// CleanupOrphans terminates tracked processes whose owner is gone and which
// still run the recorded command, then forgets those entries. It returns the
// number of processes signalled.
func (pt *PIDTracker) CleanupOrphans() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.load()
	killed := 0
	self := os.Getpid()
	for name, entry := range pt.pids {
		if entry.Owner != 0 && entry.Owner != self && isProcessRunning(entry.Owner) {
			continue
		}
		if isProcessRunning(entry.PID) && matchesCommand(entry.PID, entry.Command) {
			pt.logger.Info("terminating orphan process",
				zap.String("name", name),
				zap.Int("pid", entry.PID))
			if err := terminateProcess(entry.PID); err != nil {
				pt.logger.Warn("failed to terminate orphan", zap.Int("pid", entry.PID), zap.Error(err))
			} else {
				killed++
			}
		}
		delete(pt.pids, name)
	}

	if err := pt.save(); err != nil {
		pt.logger.Warn("failed to save PID file after cleanup", zap.Error(err))
	}
	return killed
}

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return p.Signal(syscall.Signal(0)) == nil
}

// matchesCommand guards against PID reuse: the live process must run the
// binary we recorded. Unknown command lines never match.
func matchesCommand(pid int, command string) bool {
	cmdline, err := processCmdline(pid)
	if err != nil || len(cmdline) == 0 {
		return false
	}
	return filepath.Base(cmdline[0]) == filepath.Base(command)
}

func processCmdline(pid int) ([]string, error) {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
		if err != nil {
			return nil, err
		}
		return strings.Split(strings.TrimRight(string(data), "\x00"), "\x00"), nil
	}
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "args=").Output()
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(out)), nil
}

func terminateProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	// Orphan cleanup runs at startup, so don't wait for the exit.
	return p.Signal(syscall.SIGTERM)
}

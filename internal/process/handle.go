// Package process manages the lifecycle of the language server child process:
// launching, stderr capture, graceful termination and orphan cleanup.
package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dbt-labs/dbt-mcp/internal/events"
	"go.uber.org/zap"
)

const (
	// GracefulShutdownTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulShutdownTimeout = 5 * time.Second

	// maxLogLines bounds the stderr lines kept in memory.
	maxLogLines = 1000
)

// Spec describes a process to launch.
type Spec struct {
	// Name labels the process in events, logs and PID tracking.
	Name    string
	Command string
	Args    []string
	Dir     string
}

// Options carries the collaborators of a Handle. All fields are optional.
type Options struct {
	Bus     *events.Bus
	Logger  *zap.Logger
	Tracker *PIDTracker
}

// Handle represents a started process.
type Handle struct {
	spec      Spec
	cmd       *exec.Cmd
	bus       *events.Bus
	logger    *zap.Logger
	tracker   *PIDTracker
	startedAt time.Time

	logs   []string
	logsMu sync.RWMutex

	stopMu  sync.Mutex
	stopped bool

	done    chan struct{} // closed when the process exits
	exitErr error
}

// Start launches spec and returns once the process is running. The process is
// not tied to a context: it lives until Stop or until it exits on its own.
func Start(spec Spec, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("process", spec.Name))

	logger.Info("starting process",
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.String("dir", spec.Dir))

	h := &Handle{
		spec:    spec,
		bus:     opts.Bus,
		logger:  logger,
		tracker: opts.Tracker,
		logs:    make([]string, 0, 64),
		done:    make(chan struct{}),
	}
	h.emitStatus(events.StateIdle, events.StateStarting, events.Status{})

	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = buildEnv()

	stderr, err := cmd.StderrPipe()
	if err != nil {
		h.emitStatus(events.StateStarting, events.StateError, events.Status{Error: err.Error()})
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		h.emitStatus(events.StateStarting, events.StateError, events.Status{Error: err.Error()})
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}
	h.cmd = cmd
	h.startedAt = time.Now()

	if h.tracker != nil {
		if err := h.tracker.Add(spec.Name, cmd.Process.Pid, spec.Command, spec.Args); err != nil {
			logger.Warn("failed to track PID", zap.Error(err))
		}
	}

	go h.readStderr(stderr)
	go h.watchProcess()

	startedAt := h.startedAt
	h.emitStatus(events.StateStarting, events.StateRunning, events.Status{PID: h.PID(), StartedAt: &startedAt})
	return h, nil
}

// PID returns the process ID, or 0 if the process never started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed when the process exits.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr returns the error from Wait once Done is closed.
func (h *Handle) ExitErr() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Logs returns the captured stderr lines, oldest first.
func (h *Handle) Logs() []string {
	h.logsMu.RLock()
	defer h.logsMu.RUnlock()
	logs := make([]string, len(h.logs))
	copy(logs, h.logs)
	return logs
}

// IsRunning reports whether the process exists and has not exited.
func (h *Handle) IsRunning() bool {
	h.stopMu.Lock()
	stopped := h.stopped
	h.stopMu.Unlock()
	if stopped {
		return false
	}

	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Stop terminates the process: SIGTERM, then SIGKILL if it has not exited
// within grace. A non-positive grace uses GracefulShutdownTimeout. Stop is
// idempotent and returns once the process has been reaped.
func (h *Handle) Stop(grace time.Duration) error {
	h.stopMu.Lock()
	if h.stopped {
		h.stopMu.Unlock()
		<-h.done
		return nil
	}
	h.stopped = true
	h.stopMu.Unlock()

	if grace <= 0 {
		grace = GracefulShutdownTimeout
	}

	h.emitStatus(events.StateRunning, events.StateStopping, events.Status{PID: h.PID()})

	var stopErr error
	select {
	case <-h.done:
	default:
		// Windows has no SIGTERM; fall straight through to Kill there.
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.logger.Debug("terminate failed, killing", zap.Error(err))
			grace = 0
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			h.logger.Warn("process did not exit after terminate, killing", zap.Duration("grace", grace))
			if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				stopErr = fmt.Errorf("kill %s: %w", h.spec.Name, err)
			}
			<-h.done
		}
	}

	return stopErr
}

func (h *Handle) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		h.logsMu.Lock()
		h.logs = append(h.logs, line)
		if len(h.logs) > maxLogLines {
			h.logs = h.logs[len(h.logs)-maxLogLines:]
		}
		h.logsMu.Unlock()

		h.logger.Debug("stderr", zap.String("line", line))
		h.bus.Publish(events.NewLogReceivedEvent(h.spec.Name, events.LogSourceStderr, 0, line))
	}
}

func (h *Handle) watchProcess() {
	err := h.cmd.Wait()
	h.exitErr = err
	if h.tracker != nil {
		if rmErr := h.tracker.Remove(h.spec.Name); rmErr != nil {
			h.logger.Warn("failed to remove PID tracking", zap.Error(rmErr))
		}
	}
	close(h.done)

	h.stopMu.Lock()
	wasStopped := h.stopped
	h.stopped = true
	h.stopMu.Unlock()

	exitCode := 0
	signal := ""
	if h.cmd.ProcessState != nil {
		exitCode = h.cmd.ProcessState.ExitCode()
		if ws, ok := h.cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signal = ws.Signal().String()
		}
	}

	lastExit := &events.LastExit{
		Code:      exitCode,
		Signal:    signal,
		Timestamp: time.Now(),
	}

	newState := events.StateStopped
	if !wasStopped && (err != nil || exitCode != 0) {
		newState = events.StateCrashed
	}
	h.logger.Info("process exited",
		zap.Int("code", exitCode),
		zap.String("signal", signal),
		zap.Stringer("state", newState))

	h.emitStatus(events.StateRunning, newState, events.Status{LastExit: lastExit})
}

func (h *Handle) emitStatus(oldState, newState events.RuntimeState, status events.Status) {
	h.bus.Publish(events.NewStatusChangedEvent(h.spec.Name, oldState, newState, status))
}

// buildEnv returns the current environment with PATH augmented by common
// install locations.
func buildEnv() []string {
	env := os.Environ()

	pathDirs := []string{
		"/opt/homebrew/bin",
		"/usr/local/bin",
		"/usr/bin",
		"/bin",
	}
	sep := string(os.PathListSeparator)
	for i, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			env[i] = "PATH=" + strings.TrimPrefix(e, "PATH=") + sep + strings.Join(pathDirs, sep)
			break
		}
	}
	return env
}

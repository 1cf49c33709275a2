// Package engine spawns and owns the scoring engine child process: its
// three pipes and its exit. It never interprets the protocol on those
// pipes — scheduling is the caller's job.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ErrEngineGone is returned once the child has died or a pipe has broken.
// It is terminal: the Handle is poisoned and every subsequent operation
// fails fast with this error.
var ErrEngineGone = errors.New("engine: scoring engine is gone")

// ErrBadInput covers caller misuse: conflicting mode flags or an empty
// command at Open, and call-level misuse reported by pkg/driver.
var ErrBadInput = errors.New("engine: bad input")

// ErrAuditModeActive is returned when Predict or Train is called against
// a handle opened in audit mode.
var ErrAuditModeActive = errors.New("engine: audit mode is active")

// ErrAuditModeInactive is returned when ExplainLine is called against a
// handle not opened in audit mode.
var ErrAuditModeInactive = errors.New("engine: audit mode is not active")

// OpenConfig configures one scoring engine child process.
type OpenConfig struct {
	Command string
	Args    []string

	// WriteOnly disables the read path entirely (training-only use; see
	// spec.md §4.1). Mutually exclusive with AuditMode.
	WriteOnly bool
	// AuditMode expects the child to emit audit lines instead of plain
	// scores; mutually exclusive with WriteOnly. Fixed for the handle's
	// lifetime, never switched once Open returns (spec.md §9).
	AuditMode bool

	// NonBlocking puts stdin/stdout in O_NONBLOCK mode for the
	// non-blocking scheduler. When false, the blocking scheduler must be
	// used instead.
	NonBlocking bool

	// PipeBufferBytes optionally resizes the stdin pipe via F_SETPIPE_SZ
	// (Linux only). Zero means leave the OS default.
	PipeBufferBytes int
	// StderrRingBytes sizes the bounded stderr diagnostics ring. Zero
	// means the 64 KiB default from spec.md §5.
	StderrRingBytes int
}

// Handle owns the child process and its pipe endpoints for its whole
// lifetime: created by Open, reaped by Close. If the child exits
// unexpectedly mid-call, the handle is poisoned and stays poisoned.
type Handle struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File // nil when WriteOnly

	ring *stderrRing

	writeOnly   bool
	auditMode   bool
	nonBlocking bool

	alive      atomic.Bool
	engineOwes atomic.Int64

	mu       sync.Mutex
	closed   bool
	poisonOn sync.Once
	poison   error

	exited chan struct{}
}

// Open spawns the child and wires up its pipes. Non-blocking mode, when
// requested, is applied to the pipe descriptors before any data flows.
func Open(cfg OpenConfig) (*Handle, error) {
	if cfg.WriteOnly && cfg.AuditMode {
		return nil, fmt.Errorf("%w: write-only and audit mode are mutually exclusive", ErrBadInput)
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrBadInput)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("engine: create stdin pipe: %w", err)
	}

	var stdoutR, stdoutW *os.File
	if !cfg.WriteOnly {
		stdoutR, stdoutW, err = os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			return nil, fmt.Errorf("engine: create stdout pipe: %w", err)
		}
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		if stdoutR != nil {
			stdoutR.Close()
			stdoutW.Close()
		}
		return nil, fmt.Errorf("engine: create stderr pipe: %w", err)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stdin = stdinR
	if stdoutW != nil {
		cmd.Stdout = stdoutW
	}
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		if stdoutR != nil {
			stdoutR.Close()
			stdoutW.Close()
		}
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("engine: start %s: %w", cfg.Command, err)
	}

	// Close the child's ends in the parent; the child keeps its own.
	stdinR.Close()
	if stdoutW != nil {
		stdoutW.Close()
	}
	stderrW.Close()

	if cfg.NonBlocking {
		if err := unix.SetNonblock(int(stdinW.Fd()), true); err != nil {
			slog.Warn("engine: could not set stdin non-blocking", "error", err)
		}
		if stdoutR != nil {
			if err := unix.SetNonblock(int(stdoutR.Fd()), true); err != nil {
				slog.Warn("engine: could not set stdout non-blocking", "error", err)
			}
		}
	}

	if cfg.PipeBufferBytes > 0 && runtime.GOOS == "linux" {
		if _, err := unix.FcntlInt(stdinW.Fd(), unix.F_SETPIPE_SZ, cfg.PipeBufferBytes); err != nil {
			slog.Warn("engine: could not resize stdin pipe buffer", "bytes", cfg.PipeBufferBytes, "error", err)
		}
	}

	ringSize := cfg.StderrRingBytes
	if ringSize <= 0 {
		ringSize = 64 * 1024
	}

	h := &Handle{
		cmd:         cmd,
		stdin:       stdinW,
		stdout:      stdoutR,
		writeOnly:   cfg.WriteOnly,
		auditMode:   cfg.AuditMode,
		nonBlocking: cfg.NonBlocking,
		ring:        newStderrRing(stderrR, ringSize),
		exited:      make(chan struct{}),
	}
	h.alive.Store(true)

	h.ring.start()
	go h.waitForExit()

	slog.Info("engine: spawned", "command", cfg.Command, "args", cfg.Args, "pid", cmd.Process.Pid,
		"write_only", cfg.WriteOnly, "audit_mode", cfg.AuditMode, "non_blocking", cfg.NonBlocking)

	return h, nil
}

func (h *Handle) waitForExit() {
	err := h.cmd.Wait()
	h.alive.Store(false)
	close(h.exited)
	if err != nil {
		h.poisonLocked(fmt.Errorf("%w: child exited: %w", ErrEngineGone, err))
	} else {
		h.poisonLocked(fmt.Errorf("%w: child exited", ErrEngineGone))
	}
}

func (h *Handle) poisonLocked(err error) {
	h.poisonOn.Do(func() {
		h.poison = err
		slog.Error("engine: poisoned", "error", err, "stderr_tail", h.ring.Tail())
	})
}

// Poison marks the handle unusable, used by a scheduler that observes a
// broken pipe directly (write EPIPE, unexpected stdout EOF).
func (h *Handle) Poison(err error) {
	h.alive.Store(false)
	h.poisonLocked(fmt.Errorf("%w: %w", ErrEngineGone, err))
}

// Err returns the sticky poison error, or nil if the handle is healthy.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poison
}

// IsAlive reports process liveness for precondition checks.
func (h *Handle) IsAlive() bool {
	return h.alive.Load() && h.Err() == nil
}

func (h *Handle) WriteOnly() bool   { return h.writeOnly }
func (h *Handle) AuditMode() bool   { return h.auditMode }
func (h *Handle) NonBlocking() bool { return h.nonBlocking }

// StdinFD and StdoutFD expose the raw descriptors the non-blocking
// scheduler polls and reads/writes directly via golang.org/x/sys/unix.
func (h *Handle) StdinFD() int {
	return int(h.stdin.Fd())
}

func (h *Handle) StdoutFD() int {
	if h.stdout == nil {
		return -1
	}
	return int(h.stdout.Fd())
}

// StdinFile and StdoutFile are used by the blocking scheduler, which wants
// ordinary blocking os.File semantics.
func (h *Handle) StdinFile() *os.File  { return h.stdin }
func (h *Handle) StdoutFile() *os.File { return h.stdout }

// EngineOwes is the residual-drain counter: how many already-written
// lines the engine has not yet answered, carried across call boundaries
// (spec.md §4.5's residual-drain protocol).
func (h *Handle) EngineOwes() int64 { return h.engineOwes.Load() }

func (h *Handle) AddEngineOwes(delta int64) int64 { return h.engineOwes.Add(delta) }

// Close signals EOF on stdin, waits bounded time for the child to exit,
// then force-terminates it. Close on an already-closed handle is a no-op.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	if err := h.stdin.Close(); err != nil {
		slog.Warn("engine: error closing stdin", "error", err)
	}

	if h.stdout != nil {
		leftover := drainBestEffort(h.stdout)
		if leftover > 0 {
			slog.Warn("engine: leftover bytes in stdout buffer on close", "bytes", leftover)
		}
	}

	select {
	case <-h.exited:
	case <-time.After(5 * time.Second):
		slog.Warn("engine: close timed out waiting for exit, killing", "pid", h.cmd.Process.Pid)
		_ = h.cmd.Process.Kill()
		<-h.exited
	}

	if h.stdout != nil {
		h.stdout.Close()
	}
	h.ring.stop()

	return nil
}

// drainBestEffort reads whatever is immediately available without
// blocking indefinitely, mirroring the reference close()'s "exhaust
// stdout or risk deadlocking Wait()" comment, bounded so Close never
// hangs on a child that stopped producing output but hasn't exited yet.
func drainBestEffort(f *os.File) int {
	deadline := time.Now().Add(200 * time.Millisecond)
	total := 0
	buf := make([]byte, 4096)
	f.SetReadDeadline(deadline)
	for {
		n, err := f.Read(buf)
		total += n
		if err != nil {
			break
		}
	}
	f.SetReadDeadline(time.Time{})
	return total
}

package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/fkoehler/agentpen/internal/retry"
)

// Interactive keeps one long-lived agent process on a PTY instead of
// spawning a process per prompt. Input goes straight to the agent's
// terminal; output streams to the notifier as raw chunks. An
// unsolicited exit marks the session crashed and, when the exit
// classifies as retryable, restarts the process with backoff.
type Interactive struct {
	sess        *Session
	maxRestarts int

	mu       sync.Mutex
	ptmx     *os.File
	cmd      *exec.Cmd
	stopping bool
	restarts int
}

// NewInteractive wraps an existing session. The session must be
// Running before StartProcess.
func NewInteractive(sess *Session, maxRestarts int) *Interactive {
	return &Interactive{sess: sess, maxRestarts: maxRestarts}
}

// StartProcess spawns the persistent agent on a PTY.
func (i *Interactive) StartProcess(ctx context.Context) error {
	if i.sess.State() != StateRunning {
		return ErrNotRunning
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ptmx != nil {
		return nil
	}
	return i.spawnLocked()
}

func (i *Interactive) spawnLocked() error {
	exe, args := i.sess.backend.WrapCommand(i.sess.opts.AgentBinary, i.interactiveArgs())
	cmd := exec.Command(exe, args...)
	cmd.Dir = i.sess.opts.WorkDir
	cmd.Env = append(mergedEnv(i.sess.opts.Env), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	i.ptmx = ptmx
	i.cmd = cmd
	go i.readLoop(ptmx)
	go i.waitLoop(cmd, ptmx)
	return nil
}

func (i *Interactive) interactiveArgs() []string {
	var args []string
	if mode := i.sess.opts.PermissionMode; mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	return args
}

// Write sends raw input to the agent's terminal.
func (i *Interactive) Write(p []byte) (int, error) {
	i.mu.Lock()
	ptmx := i.ptmx
	i.mu.Unlock()
	if ptmx == nil {
		return 0, ErrNotRunning
	}
	return ptmx.Write(p)
}

// Resize adjusts the PTY dimensions.
func (i *Interactive) Resize(rows, cols uint16) error {
	i.mu.Lock()
	ptmx := i.ptmx
	i.mu.Unlock()
	if ptmx == nil {
		return ErrNotRunning
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// StopProcess terminates the persistent agent without marking the
// session crashed.
func (i *Interactive) StopProcess() error {
	i.mu.Lock()
	i.stopping = true
	cmd := i.cmd
	ptmx := i.ptmx
	i.cmd = nil
	i.ptmx = nil
	i.mu.Unlock()

	if ptmx != nil {
		ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

func (i *Interactive) readLoop(ptmx *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			i.sess.notifier.Data(i.sess.opts.Name, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the process and decides between a clean stop, a
// permanent crash, and a retryable crash that warrants a restart.
func (i *Interactive) waitLoop(cmd *exec.Cmd, ptmx *os.File) {
	waitErr := cmd.Wait()
	ptmx.Close()

	i.mu.Lock()
	wasStopping := i.stopping
	sameProc := i.cmd == cmd
	if sameProc {
		i.cmd = nil
		i.ptmx = nil
	}
	i.mu.Unlock()

	if wasStopping || !sameProc {
		return
	}

	code, sig := terminationOf(waitErr)
	res := retry.Classify(code, sig)
	i.sess.markCrashed(code, res.Reason)

	if res.Classification != retry.Retryable {
		return
	}

	i.mu.Lock()
	attempt := i.restarts
	i.restarts++
	i.mu.Unlock()
	if i.maxRestarts >= 0 && attempt >= i.maxRestarts {
		i.sess.logger.Error("interactive agent restart budget exhausted",
			"session", i.sess.opts.Name, "restarts", attempt)
		return
	}

	delay := retry.DefaultBackoff(attempt)
	i.sess.logger.Warn("restarting interactive agent",
		"session", i.sess.opts.Name, "reason", res.Reason, "delay", delay)
	time.Sleep(delay)

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopping || i.ptmx != nil {
		return
	}
	i.sess.mu.Lock()
	i.sess.state = StateRunning
	i.sess.mu.Unlock()
	if err := i.spawnLocked(); err != nil {
		i.sess.logger.Error("restarting interactive agent",
			"session", i.sess.opts.Name, "error", err)
	}
}

// terminationOf extracts the exit code or terminating signal from a
// Wait error.
func terminationOf(waitErr error) (int, syscall.Signal) {
	if waitErr == nil {
		return 0, retry.NoSignal
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return retry.NoExitCode, ws.Signal()
			}
			if ws.Exited() {
				return ws.ExitStatus(), retry.NoSignal
			}
		}
	}
	return retry.NoExitCode, retry.NoSignal
}

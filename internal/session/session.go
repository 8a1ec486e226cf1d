// Package session turns the stateless, one-shot agent CLI into named,
// resumable conversations. Each prompt spawns a fresh agent process
// threaded onto the same conversation via the CLI's resume mechanism;
// the Manager makes sessions addressable across OS processes through
// a shared registry file.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fkoehler/agentpen/internal/history"
	"github.com/fkoehler/agentpen/internal/sandbox"
	"github.com/fkoehler/agentpen/protocol"
)

// State of a session. Stopped is both the initial state and the
// terminal state after an explicit stop; Crashed is entered only on
// an unsolicited exit of a persistent-mode process.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateCrashed State = "crashed"
)

// DefaultPromptTimeoutMs bounds a single prompt. Zero disables the
// timer entirely.
const DefaultPromptTimeoutMs = 300000

// Options configure one session. Immutable after creation.
type Options struct {
	Name            string
	WorkDir         string
	AgentBinary     string
	PermissionMode  string
	SystemPrompt    string
	Env             map[string]string
	PromptTimeoutMs int
}

// Session owns one named conversation with the agent. Prompt
// submission is strictly serialized per session; sessions run fully
// in parallel with each other.
type Session struct {
	opts           Options
	conversationID string
	backend        sandbox.Backend
	notifier       Notifier
	recorder       history.Recorder
	logger         *slog.Logger

	// onUpdate is set by the Manager to persist the registry entry
	// after state changes.
	onUpdate func()

	mu          sync.Mutex
	state       State
	busy        bool
	proc        *os.Process
	promptCount int
	startedAt   *time.Time
	exitCode    *int
}

// New creates a session in the Stopped state with a fresh
// conversation id.
func New(opts Options, backend sandbox.Backend, notifier Notifier, recorder history.Recorder, logger *slog.Logger) *Session {
	return restore(opts, uuid.New().String(), 0, nil, backend, notifier, recorder, logger)
}

// restore rebuilds a session handle around an existing conversation,
// used by Manager.Adopt.
func restore(opts Options, conversationID string, promptCount int, startedAt *time.Time, backend sandbox.Backend, notifier Notifier, recorder history.Recorder, logger *slog.Logger) *Session {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if recorder == nil {
		recorder = history.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PromptTimeoutMs < 0 {
		opts.PromptTimeoutMs = DefaultPromptTimeoutMs
	}
	return &Session{
		opts:           opts,
		conversationID: conversationID,
		backend:        backend,
		notifier:       notifier,
		recorder:       recorder,
		logger:         logger,
		state:          StateStopped,
		promptCount:    promptCount,
		startedAt:      startedAt,
	}
}

func (s *Session) Name() string           { return s.opts.Name }
func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) WorkDir() string        { return s.opts.WorkDir }
func (s *Session) PermissionMode() string { return s.opts.PermissionMode }
func (s *Session) Env() map[string]string { return s.opts.Env }

func (s *Session) Backend() sandbox.Backend { return s.backend }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PromptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promptCount
}

// StartedAt is set on Start and never cleared, so uptime survives
// crashes.
func (s *Session) StartedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// ExitCode is set only on unexpected termination.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Start marks the session Running. It performs bookkeeping and
// sandbox setup only; no long-lived agent process is spawned, because
// each prompt spawns its own. A sandbox configuration error surfaces
// here, before anything runs.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.backend.Start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	now := time.Now().UTC()
	s.startedAt = &now
	s.state = StateRunning
	s.mu.Unlock()
	s.notifyUpdate()
	return nil
}

// Stop terminates any in-flight prompt process, tears down the
// sandbox, and transitions to Stopped. Idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	proc := s.proc
	s.state = StateStopped
	s.mu.Unlock()

	if proc != nil {
		proc.Signal(syscall.SIGTERM)
	}
	if err := s.backend.Stop(ctx); err != nil {
		return err
	}
	s.notifyUpdate()
	return nil
}

// markAdopted transitions a restored session straight to Running
// without touching the sandbox, which the original owner set up and
// still holds.
func (s *Session) markAdopted() {
	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()
	s.notifyUpdate()
}

// markCrashed records an unsolicited process exit (persistent mode
// only). Never called from the per-prompt path.
func (s *Session) markCrashed(code int, reason string) {
	s.mu.Lock()
	s.state = StateCrashed
	s.exitCode = &code
	s.mu.Unlock()
	s.notifier.SessionCrashed(s.opts.Name, code, reason)
	s.notifyUpdate()
}

func (s *Session) notifyUpdate() {
	if s.onUpdate != nil {
		s.onUpdate()
	}
}

// Prompt settlement states. The timeout path and the natural-exit
// path race for a single claim; the loser becomes a no-op, so exactly
// one terminal outcome is ever produced per prompt.
const (
	settlePending int32 = iota
	settleTimeout
	settleNatural
)

// SendPrompt runs one prompt through the agent and returns the
// accumulated assistant text. It fails immediately with ErrNotRunning
// outside the Running state and with ErrAlreadyProcessing while a
// prior prompt has not settled; overlapping calls are rejected, never
// queued.
func (s *Session) SendPrompt(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	if s.busy {
		s.mu.Unlock()
		return "", ErrAlreadyProcessing
	}
	s.busy = true
	first := s.promptCount == 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.proc = nil
		s.mu.Unlock()
	}()

	exe, args := s.backend.WrapCommand(s.opts.AgentBinary, s.buildArgs(first))
	cmd := exec.Command(exe, args...)
	cmd.Dir = s.opts.WorkDir
	cmd.Env = mergedEnv(s.opts.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	s.notifier.PromptStart(s.opts.Name, prompt)

	if err := cmd.Start(); err != nil {
		spawnErr := fmt.Errorf("%w: %v", ErrSpawn, err)
		s.notifier.PromptError(s.opts.Name, spawnErr)
		return "", spawnErr
	}

	s.mu.Lock()
	s.proc = cmd.Process
	s.promptCount++
	s.mu.Unlock()
	s.notifyUpdate()

	go func() {
		io.WriteString(stdin, prompt)
		stdin.Close()
	}()

	var partial partialBuf
	var settle atomic.Int32

	timeoutMs := s.opts.PromptTimeoutMs
	var timer *time.Timer
	if timeoutMs > 0 {
		timer = time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
			if !settle.CompareAndSwap(settlePending, settleTimeout) {
				return
			}
			s.notifier.PromptTimeout(TimeoutEvent{
				SessionName:     s.opts.Name,
				TimeoutMs:       timeoutMs,
				PromptText:      prompt,
				PartialResponse: partial.String(),
			})
			cmd.Process.Signal(syscall.SIGTERM)
		})
	}

	stderrTail := newTail(20)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
		for scanner.Scan() {
			line := scanner.Text()
			stderrTail.add(line)
			s.notifier.Stderr(s.opts.Name, line)
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineBytes)
	for scanner.Scan() {
		ev, ok := protocol.ParseEvent(scanner.Bytes())
		if !ok {
			continue
		}
		if text := protocol.AssistantText(ev); text != "" {
			partial.append(text)
			s.notifier.Data(s.opts.Name, text)
		}
	}

	wg.Wait()
	waitErr := cmd.Wait()

	// Claim settlement before stopping the timer: if the timer fired
	// in the window between process exit and here, the timeout
	// outcome has already been published and must win.
	natural := settle.CompareAndSwap(settlePending, settleNatural)
	if timer != nil {
		timer.Stop()
	}

	if !natural {
		return "", &PromptTimeoutError{
			TimeoutMs:       timeoutMs,
			Prompt:          prompt,
			PartialResponse: partial.String(),
		}
	}

	response := partial.String()
	if waitErr == nil {
		s.notifier.PromptComplete(s.opts.Name, response)
		if err := s.recorder.Record(ctx, s.opts.Name, prompt, history.Preview(response)); err != nil {
			s.logger.Warn("recording prompt history", "session", s.opts.Name, "error", err)
		}
		return response, nil
	}

	code := exitCodeOf(waitErr)
	exitErr := &ExitError{Code: code, Stderr: stderrTail.String()}
	s.notifier.PromptError(s.opts.Name, exitErr)
	return "", exitErr
}

// buildArgs assembles the agent invocation: print mode with streaming
// structured output, plus the session-start flag on the very first
// prompt and the resume flag on every later one, never both.
func (s *Session) buildArgs(first bool) []string {
	args := []string{
		protocol.FlagPrint,
		protocol.FlagOutputFormat, protocol.OutputFormatStreamJSON,
		protocol.FlagVerbose,
	}
	if first {
		args = append(args, protocol.FlagSessionID, s.conversationID)
	} else {
		args = append(args, protocol.FlagResume, s.conversationID)
	}
	if s.opts.PermissionMode != "" {
		args = append(args, protocol.FlagPermissionMode, s.opts.PermissionMode)
	}
	if s.opts.SystemPrompt != "" {
		args = append(args, protocol.FlagSystemPrompt, s.opts.SystemPrompt)
	}
	return args
}

func exitCodeOf(waitErr error) int {
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Exited() {
			return ws.ExitStatus()
		}
	}
	return -1 // signal-terminated or unknown
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// partialBuf accumulates response text; read concurrently by the
// timeout timer.
type partialBuf struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (p *partialBuf) append(s string) {
	p.mu.Lock()
	p.buf.WriteString(s)
	p.mu.Unlock()
}

func (p *partialBuf) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

// tail keeps the last n lines of stderr for error messages.
type tail struct {
	mu    sync.Mutex
	lines []string
	n     int
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
	t.mu.Unlock()
}

func (t *tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

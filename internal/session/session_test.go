package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkoehler/agentpen/internal/sandbox"
)

// writeFakeAgent writes an executable shell script standing in for the
// agent CLI.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func assistantLine(text string) string {
	return fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":"%s"}]}}`, text)
}

// recordingNotifier captures events for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	events    []string // event kinds in arrival order
	chunks    []string
	stderr    []string
	responses []string
	errs      []error
	timeouts  []TimeoutEvent
	crashes   []string
}

func (r *recordingNotifier) record(kind string) {
	r.events = append(r.events, kind)
}

func (r *recordingNotifier) PromptStart(sess, prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("start")
}

func (r *recordingNotifier) Data(sess, chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("data")
	r.chunks = append(r.chunks, chunk)
}

func (r *recordingNotifier) Stderr(sess, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stderr")
	r.stderr = append(r.stderr, line)
}

func (r *recordingNotifier) PromptComplete(sess, response string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("complete")
	r.responses = append(r.responses, response)
}

func (r *recordingNotifier) PromptError(sess string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("error")
	r.errs = append(r.errs, err)
}

func (r *recordingNotifier) PromptTimeout(ev TimeoutEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("timeout")
	r.timeouts = append(r.timeouts, ev)
}

func (r *recordingNotifier) SessionCrashed(sess string, code int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("crashed")
	r.crashes = append(r.crashes, reason)
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingNotifier) sawKind(kind string) bool {
	for _, k := range r.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func newTestSession(t *testing.T, agentScript string, timeoutMs int) (*Session, *recordingNotifier) {
	t.Helper()
	backend, err := sandbox.New(sandbox.Options{
		SessionName: t.Name(),
		WorkDir:     t.TempDir(),
		Config:      sandbox.Config{Backend: sandbox.KindNone},
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	sess := New(Options{
		Name:            "test-session",
		WorkDir:         t.TempDir(),
		AgentBinary:     writeFakeAgent(t, agentScript),
		PromptTimeoutMs: timeoutMs,
	}, backend, notifier, nil, nil)

	require.NoError(t, sess.Start(context.Background()))
	t.Cleanup(func() { sess.Stop(context.Background()) })
	return sess, notifier
}

func TestSendPromptAccumulatesAssistantText(t *testing.T) {
	script := strings.Join([]string{
		`cat > /dev/null`,
		`echo '{"type":"system","subtype":"init"}'`,
		`echo 'stray non-json diagnostic'`,
		`echo '` + assistantLine("hello ") + `'`,
		`echo '{"type":"result","is_error":false}'`,
		`echo '` + assistantLine("world") + `'`,
	}, "\n")
	sess, notifier := newTestSession(t, script, 0)

	resp, err := sess.SendPrompt(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp)
	assert.Equal(t, []string{"hello ", "world"}, notifier.chunks)
	assert.Equal(t, []string{"hello world"}, notifier.responses)
}

func TestSendPromptEventOrdering(t *testing.T) {
	script := strings.Join([]string{
		`cat > /dev/null`,
		`echo '` + assistantLine("chunk") + `'`,
	}, "\n")
	sess, notifier := newTestSession(t, script, 0)

	_, err := sess.SendPrompt(context.Background(), "hi")
	require.NoError(t, err)

	kinds := notifier.kinds()
	require.GreaterOrEqual(t, len(kinds), 3)
	assert.Equal(t, "start", kinds[0])
	assert.Equal(t, "complete", kinds[len(kinds)-1])
	assert.Contains(t, kinds, "data")
}

func TestSendPromptFirstUsesSessionIDThenResume(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	script := strings.Join([]string{
		`echo "$@" >> ` + argsFile,
		`cat > /dev/null`,
		`echo '` + assistantLine("ok") + `'`,
	}, "\n")
	sess, _ := newTestSession(t, script, 0)

	_, err := sess.SendPrompt(context.Background(), "first")
	require.NoError(t, err)
	_, err = sess.SendPrompt(context.Background(), "second")
	require.NoError(t, err)

	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	conv := sess.ConversationID()
	assert.Contains(t, lines[0], "--session-id "+conv)
	assert.NotContains(t, lines[0], "--resume")
	assert.Contains(t, lines[1], "--resume "+conv)
	assert.NotContains(t, lines[1], "--session-id")

	assert.Equal(t, 2, sess.PromptCount())
}

func TestSendPromptPassesPromptOnStdin(t *testing.T) {
	script := strings.Join([]string{
		`prompt=$(cat)`,
		`printf '{"type":"assistant","message":{"content":[{"type":"text","text":"echo: %s"}]}}\n' "$prompt"`,
	}, "\n")
	sess, _ := newTestSession(t, script, 0)

	resp, err := sess.SendPrompt(context.Background(), "hi there")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi there", resp)
}

func TestSendPromptNotRunning(t *testing.T) {
	sess, _ := newTestSession(t, `echo '`+assistantLine("ok")+`'`, 0)
	require.NoError(t, sess.Stop(context.Background()))

	_, err := sess.SendPrompt(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSendPromptRejectsOverlap(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	script := strings.Join([]string{
		`echo started >> ` + argsFile,
		`cat > /dev/null`,
		`sleep 1`,
		`echo '` + assistantLine("slow") + `'`,
	}, "\n")
	sess, notifier := newTestSession(t, script, 0)

	done := make(chan error, 1)
	go func() {
		_, err := sess.SendPrompt(context.Background(), "slow one")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return notifier.sawKind("start")
	}, 2*time.Second, 10*time.Millisecond)

	_, err := sess.SendPrompt(context.Background(), "second")
	assert.ErrorIs(t, err, ErrAlreadyProcessing)

	require.NoError(t, <-done)

	// The rejected prompt never spawned a process.
	data, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "started"))

	// And the session accepts prompts again after settlement.
	_, err = sess.SendPrompt(context.Background(), "third")
	assert.NoError(t, err)
}

func TestSendPromptTimeout(t *testing.T) {
	script := strings.Join([]string{
		`cat > /dev/null`,
		`echo '` + assistantLine("partial") + `'`,
		// exec so SIGTERM hits the sleeping process itself, and drop
		// the inherited pipes so stdout reaches EOF immediately.
		`exec sleep 10 >/dev/null 2>&1`,
	}, "\n")
	sess, notifier := newTestSession(t, script, 300)

	start := time.Now()
	_, err := sess.SendPrompt(context.Background(), "my prompt")
	elapsed := time.Since(start)

	var timeoutErr *PromptTimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 300, timeoutErr.TimeoutMs)
	assert.Equal(t, "my prompt", timeoutErr.Prompt)
	assert.Equal(t, "partial", timeoutErr.PartialResponse)
	assert.Less(t, elapsed, 5*time.Second, "SIGTERM must cut the sleep short")

	require.Len(t, notifier.timeouts, 1)
	ev := notifier.timeouts[0]
	assert.Equal(t, "test-session", ev.SessionName)
	assert.Equal(t, 300, ev.TimeoutMs)
	assert.Equal(t, "my prompt", ev.PromptText)
	assert.Equal(t, "partial", ev.PartialResponse)

	// Timeout is the single terminal outcome: no complete, no error.
	assert.False(t, notifier.sawKind("complete"))
	assert.False(t, notifier.sawKind("error"))
}

func TestSendPromptExitBeforeTimeoutWins(t *testing.T) {
	script := strings.Join([]string{
		`cat > /dev/null`,
		`echo '` + assistantLine("quick") + `'`,
	}, "\n")
	sess, notifier := newTestSession(t, script, 1000)

	resp, err := sess.SendPrompt(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "quick", resp)

	// The timer lost the settlement race; even well past the deadline
	// no timeout may surface.
	time.Sleep(1200 * time.Millisecond)
	assert.False(t, notifier.sawKind("timeout"))
	assert.True(t, notifier.sawKind("complete"))
}

func TestSendPromptZeroTimeoutDisablesTimer(t *testing.T) {
	script := strings.Join([]string{
		`cat > /dev/null`,
		`sleep 0.3`,
		`echo '` + assistantLine("slow but fine") + `'`,
	}, "\n")
	sess := restore(Options{
		Name:            "no-timeout",
		WorkDir:         t.TempDir(),
		AgentBinary:     writeFakeAgent(t, script),
		PromptTimeoutMs: 0,
	}, "33333333-4444-5555-6666-777777777777", 0, nil, noneBackend(t), nil, nil, nil)
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop(context.Background())

	resp, err := sess.SendPrompt(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "slow but fine", resp)
}

func TestSendPromptNonzeroExit(t *testing.T) {
	script := strings.Join([]string{
		`cat > /dev/null`,
		`echo 'something went wrong' >&2`,
		`exit 3`,
	}, "\n")
	sess, notifier := newTestSession(t, script, 0)

	_, err := sess.SendPrompt(context.Background(), "hi")

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "something went wrong")

	assert.True(t, notifier.sawKind("error"))
	assert.False(t, notifier.sawKind("complete"))
	assert.Contains(t, notifier.stderr, "something went wrong")
}

func TestSendPromptSpawnFailure(t *testing.T) {
	backend := noneBackend(t)
	sess := New(Options{
		Name:        "no-binary",
		WorkDir:     t.TempDir(),
		AgentBinary: filepath.Join(t.TempDir(), "does-not-exist"),
	}, backend, nil, nil, nil)
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop(context.Background())

	_, err := sess.SendPrompt(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, 0, sess.PromptCount(), "failed spawn must not consume the first-prompt flag")
}

func TestStartIsIdempotent(t *testing.T) {
	sess, _ := newTestSession(t, `echo '`+assistantLine("ok")+`'`, 0)
	require.NoError(t, sess.Start(context.Background()))
	require.NoError(t, sess.Start(context.Background()))
	assert.Equal(t, StateRunning, sess.State())
	require.NotNil(t, sess.StartedAt())
}

func TestStopIsIdempotent(t *testing.T) {
	sess, _ := newTestSession(t, `echo '`+assistantLine("ok")+`'`, 0)
	require.NoError(t, sess.Stop(context.Background()))
	require.NoError(t, sess.Stop(context.Background()))
	assert.Equal(t, StateStopped, sess.State())
}

func TestRestorePreservesConversation(t *testing.T) {
	started := time.Now().UTC().Add(-1 * time.Hour)
	sess := restore(Options{Name: "restored"}, "aaaa-bbbb", 7, &started, noneBackend(t), nil, nil, nil)

	assert.Equal(t, "aaaa-bbbb", sess.ConversationID())
	assert.Equal(t, 7, sess.PromptCount())
	require.NotNil(t, sess.StartedAt())
	assert.Equal(t, StateStopped, sess.State())
}

func noneBackend(t *testing.T) sandbox.Backend {
	t.Helper()
	b, err := sandbox.New(sandbox.Options{
		SessionName: t.Name(),
		WorkDir:     t.TempDir(),
		Config:      sandbox.Config{Backend: sandbox.KindNone},
	})
	require.NoError(t, err)
	return b
}

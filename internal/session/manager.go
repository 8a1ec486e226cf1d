package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"syscall"

	"github.com/fkoehler/agentpen/internal/history"
	"github.com/fkoehler/agentpen/internal/registry"
	"github.com/fkoehler/agentpen/internal/sandbox"
)

// ManagerOptions carry the process-wide collaborators and defaults
// every session inherits.
type ManagerOptions struct {
	AgentBinary     string
	CredentialDir   string
	PromptTimeoutMs int
	SandboxDefaults sandbox.Config

	Registry *registry.File
	Recorder history.Recorder
	Notifier Notifier
	Logger   *slog.Logger
}

// CreateOptions describe one new session.
type CreateOptions struct {
	Name           string
	WorkDir        string
	PermissionMode string
	SystemPrompt   string
	Env            map[string]string

	// Sandbox overrides the manager defaults when non-nil.
	Sandbox *sandbox.Config

	// PromptTimeoutMs overrides the manager default when non-nil; a
	// pointer to zero disables the timeout entirely.
	PromptTimeoutMs *int
}

// Manager owns the in-memory session map and mirrors it into the
// shared registry file so other processes can list and adopt
// sessions.
type Manager struct {
	opts ManagerOptions

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Recorder == nil {
		opts.Recorder = history.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PromptTimeoutMs < 0 {
		opts.PromptTimeoutMs = DefaultPromptTimeoutMs
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// CreateOrStart creates a session under a unique name and starts it.
// A name already held in this process, or held live in the registry
// by another process, is rejected with ErrExists; a registry entry
// whose owning pid is dead is stale and gets replaced.
func (m *Manager) CreateOrStart(ctx context.Context, co CreateOptions) (*Session, error) {
	if co.Name == "" {
		return nil, fmt.Errorf("session name must not be empty")
	}

	m.mu.Lock()
	if _, ok := m.sessions[co.Name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, co.Name)
	}
	m.mu.Unlock()

	if m.opts.Registry != nil {
		snap, err := m.opts.Registry.Load()
		if err != nil {
			return nil, err
		}
		if entry, ok := snap.Sessions[co.Name]; ok && entry.PID != os.Getpid() && pidAlive(entry.PID) {
			return nil, fmt.Errorf("%w: %s (pid %d)", ErrExists, co.Name, entry.PID)
		}
	}

	sandboxCfg := m.opts.SandboxDefaults
	if co.Sandbox != nil {
		sandboxCfg = *co.Sandbox
	}
	backend, err := sandbox.New(sandbox.Options{
		SessionName:   co.Name,
		WorkDir:       co.WorkDir,
		AgentBinary:   m.opts.AgentBinary,
		CredentialDir: m.opts.CredentialDir,
		Config:        sandboxCfg,
	})
	if err != nil {
		return nil, err
	}

	timeoutMs := m.opts.PromptTimeoutMs
	if co.PromptTimeoutMs != nil {
		timeoutMs = *co.PromptTimeoutMs
	}

	sess := New(Options{
		Name:            co.Name,
		WorkDir:         co.WorkDir,
		AgentBinary:     m.opts.AgentBinary,
		PermissionMode:  co.PermissionMode,
		SystemPrompt:    co.SystemPrompt,
		Env:             co.Env,
		PromptTimeoutMs: timeoutMs,
	}, backend, m.opts.Notifier, m.opts.Recorder, m.opts.Logger)
	sess.onUpdate = func() { m.persist(sess) }

	m.mu.Lock()
	if _, ok := m.sessions[co.Name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, co.Name)
	}
	m.sessions[co.Name] = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, co.Name)
		m.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// Get returns the named session from this process.
func (m *Manager) Get(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return sess, nil
}

// List returns this process's sessions sorted by name.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ListAll merges the registry view over the in-process one, so
// sessions owned by other processes are visible too. Entries whose
// owning pid is dead are reported with their recorded state; pruning
// them is the reaper's job.
func (m *Manager) ListAll() (map[string]registry.Entry, error) {
	entries := make(map[string]registry.Entry)
	if m.opts.Registry != nil {
		snap, err := m.opts.Registry.Load()
		if err != nil {
			return nil, err
		}
		for name, e := range snap.Sessions {
			entries[name] = e
		}
	}
	for _, s := range m.List() {
		entries[s.Name()] = entryOf(s)
	}
	return entries, nil
}

// Adopt reattaches, from this process, to a session some other
// process started. The rebuilt handle keeps the recorded conversation
// id and prompt count, so the next prompt resumes the same agent
// conversation. Adoption requires the recorded owner to still be
// alive: a dead owner means the session and its sandbox are gone.
func (m *Manager) Adopt(ctx context.Context, name string) (*Session, error) {
	if m.opts.Registry == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	snap, err := m.opts.Registry.Load()
	if err != nil {
		return nil, err
	}
	entry, ok := snap.Sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if !pidAlive(entry.PID) {
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrProcessGone, name, entry.PID)
	}

	m.mu.Lock()
	if _, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, name)
	}
	m.mu.Unlock()

	// The registry does not persist sandbox configuration, so an
	// adopted session runs under this manager's defaults.
	backend, err := sandbox.New(sandbox.Options{
		SessionName:   name,
		WorkDir:       entry.WorkingDirectory,
		AgentBinary:   m.opts.AgentBinary,
		CredentialDir: m.opts.CredentialDir,
		Config:        m.opts.SandboxDefaults,
	})
	if err != nil {
		return nil, err
	}

	sess := restore(Options{
		Name:            name,
		WorkDir:         entry.WorkingDirectory,
		AgentBinary:     m.opts.AgentBinary,
		PermissionMode:  entry.PermissionMode,
		Env:             entry.Env,
		PromptTimeoutMs: m.opts.PromptTimeoutMs,
	}, entry.ConversationID, entry.PromptCount, entry.StartedAt,
		backend, m.opts.Notifier, m.opts.Recorder, m.opts.Logger)
	sess.onUpdate = func() { m.persist(sess) }

	m.mu.Lock()
	m.sessions[name] = sess
	m.mu.Unlock()

	// No backend.Start: the owner's sandbox already exists and
	// WrapCommand addresses it by session name.
	sess.markAdopted()
	m.opts.Logger.Info("adopted session", "session", name, "conversation", entry.ConversationID)
	return sess, nil
}

// Stop stops the named session and removes it from the registry.
func (m *Manager) Stop(ctx context.Context, name string) error {
	m.mu.Lock()
	sess, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := sess.Stop(ctx); err != nil {
		return err
	}
	if m.opts.Registry == nil {
		return nil
	}
	return m.opts.Registry.Update(func(snap *registry.Snapshot) {
		delete(snap.Sessions, name)
	})
}

// StopAll stops every session this process owns. The first error is
// returned after all stops have been attempted.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, s := range m.List() {
		if err := m.Stop(ctx, s.Name()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// persist mirrors one session's current state into the registry.
// Registry write failures are logged, not surfaced; losing a registry
// update must not fail a prompt.
func (m *Manager) persist(sess *Session) {
	if m.opts.Registry == nil {
		return
	}
	err := m.opts.Registry.Update(func(snap *registry.Snapshot) {
		snap.Sessions[sess.Name()] = entryOf(sess)
	})
	if err != nil {
		m.opts.Logger.Error("persisting registry entry",
			"session", sess.Name(), "error", err)
	}
}

func entryOf(sess *Session) registry.Entry {
	return registry.Entry{
		PID:              os.Getpid(),
		State:            string(sess.State()),
		WorkingDirectory: sess.WorkDir(),
		StartedAt:        sess.StartedAt(),
		PermissionMode:   sess.PermissionMode(),
		Env:              sess.Env(),
		PromptCount:      sess.PromptCount(),
		ConversationID:   sess.ConversationID(),
	}
}

// pidAlive reports whether a pid refers to a live process. EPERM
// means the process exists but belongs to another user.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

// Package sandbox wraps agent invocations in one of several OS
// isolation mechanisms behind a single Backend contract. The backend
// is chosen once, at session creation, and never switched at runtime.
package sandbox

import (
	"context"
	"fmt"
)

// Kind identifies an isolation mechanism.
type Kind string

const (
	KindDocker   Kind = "docker"
	KindBwrap    Kind = "bwrap"
	KindSeatbelt Kind = "sandbox-exec"
	KindNone     Kind = "none"
)

// Level controls how much of the host a sandboxed process can reach.
type Level string

const (
	LevelPermissive Level = "permissive"
	LevelStandard   Level = "standard"
	LevelStrict     Level = "strict"
)

// ParseLevel validates a level string, defaulting empty to permissive.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case "":
		return LevelPermissive, nil
	case LevelPermissive, LevelStandard, LevelStrict:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown sandbox level: %q", s)
	}
}

// Config is the caller-facing sandbox configuration. Immutable once a
// session starts.
type Config struct {
	Backend     Kind
	Level       Level
	MemoryLimit string  // e.g. "512m"; docker, standard+ only
	CPULimit    float64 // docker, standard+ only
	Image       string  // docker only
}

// Options bind a Config to one session.
type Options struct {
	SessionName   string
	WorkDir       string
	AgentBinary   string // resolved path to the agent executable
	CredentialDir string // agent credential directory, mounted read-only under docker
	Config        Config
}

// ChangeKind classifies a filesystem change reported by Diff.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one filesystem path modified since Start.
type Change struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// Backend is the per-session isolation contract. Start must complete
// before any agent process runs under the sandbox; Stop is idempotent
// and safe even if Start was never called.
type Backend interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// WrapCommand turns the intended agent invocation into the
	// command line to actually exec.
	WrapCommand(exe string, args []string) (string, []string)

	// Diff reports filesystem paths modified since Start.
	Diff(ctx context.Context) ([]Change, error)

	Kind() Kind
	Level() Level
}

// ConfigError reports a sandbox configuration that cannot be applied
// safely. It always surfaces at Start, before any process is spawned;
// the sandbox never silently degrades to unsandboxed execution.
type ConfigError struct {
	Backend Kind
	Reason  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Backend, e.Reason)
}

// New constructs the backend named by opts.Config.Backend.
func New(opts Options) (Backend, error) {
	level, err := ParseLevel(string(opts.Config.Level))
	if err != nil {
		return nil, err
	}
	opts.Config.Level = level

	switch opts.Config.Backend {
	case KindDocker:
		return newDockerBackend(opts), nil
	case KindBwrap:
		return newBwrapBackend(opts), nil
	case KindSeatbelt:
		return newSeatbeltBackend(opts), nil
	case KindNone, "":
		return newNoneBackend(opts), nil
	default:
		return nil, fmt.Errorf("unknown sandbox backend: %q", opts.Config.Backend)
	}
}

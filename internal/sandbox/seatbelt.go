package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// seatbeltBackend generates a macOS Seatbelt policy file per session
// and wraps invocations in sandbox-exec pointed at it.
type seatbeltBackend struct {
	opts        Options
	profilePath string
	startedAt   time.Time
}

func newSeatbeltBackend(opts Options) *seatbeltBackend {
	return &seatbeltBackend{
		opts:        opts,
		profilePath: filepath.Join(os.TempDir(), "agentpen-"+sanitizeName(opts.SessionName)+".sb"),
	}
}

func (s *seatbeltBackend) Kind() Kind   { return KindSeatbelt }
func (s *seatbeltBackend) Level() Level { return s.opts.Config.Level }

// Start validates the working directory against the policy language
// and writes the generated profile. A path the language cannot safely
// quote fails here, before any process is spawned: a malformed policy
// could silently fail open.
func (s *seatbeltBackend) Start(ctx context.Context) error {
	for _, p := range []string{s.opts.WorkDir, s.opts.CredentialDir} {
		if err := checkPolicyPath(p); err != nil {
			return &ConfigError{Backend: KindSeatbelt, Reason: err.Error()}
		}
	}
	profile := s.generateProfile()
	if err := os.WriteFile(s.profilePath, []byte(profile), 0o600); err != nil {
		return fmt.Errorf("writing seatbelt profile: %w", err)
	}
	s.startedAt = time.Now()
	return nil
}

// checkPolicyPath rejects paths containing characters the Seatbelt
// policy language cannot be trusted to quote.
func checkPolicyPath(path string) error {
	if strings.ContainsAny(path, "\"\\\n\r") {
		return fmt.Errorf("path %q contains characters unusable in a sandbox profile", path)
	}
	for _, r := range path {
		if r < 0x20 {
			return fmt.Errorf("path %q contains control characters", path)
		}
	}
	return nil
}

func (s *seatbeltBackend) generateProfile() string {
	var sb strings.Builder
	sb.WriteString("(version 1)\n")
	sb.WriteString("(allow default)\n")
	sb.WriteString("(deny file-write*)\n")
	sb.WriteString(fmt.Sprintf("(allow file-write* (subpath %q))\n", s.opts.WorkDir))
	sb.WriteString("(allow file-write* (subpath \"/tmp\") (subpath \"/private/tmp\") (subpath \"/private/var/tmp\") (subpath \"/dev\"))\n")

	if s.opts.Config.Level != LevelPermissive && s.opts.CredentialDir != "" {
		sb.WriteString(fmt.Sprintf("(deny file-read* (subpath %q))\n", s.opts.CredentialDir))
	}
	if s.opts.Config.Level == LevelStrict {
		sb.WriteString("(deny network*)\n")
	}
	return sb.String()
}

func (s *seatbeltBackend) WrapCommand(exe string, args []string) (string, []string) {
	wrapped := []string{"-f", s.profilePath, exe}
	return "sandbox-exec", append(wrapped, args...)
}

func (s *seatbeltBackend) Diff(ctx context.Context) ([]Change, error) {
	return mtimeDiff(s.opts.WorkDir, s.startedAt)
}

func (s *seatbeltBackend) Stop(ctx context.Context) error {
	if err := os.Remove(s.profilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing seatbelt profile: %w", err)
	}
	return nil
}

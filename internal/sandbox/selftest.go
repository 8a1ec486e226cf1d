package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// TestResult is the structured outcome of an isolation self-test.
// The boolean probe fields report what actually happened, not what
// should have: WriteOutsideWorkdir=true means a write outside the
// working directory succeeded, which is an isolation hole. A failed
// self-test is a diagnosis for the caller to inspect, never an error.
type TestResult struct {
	Passed              bool  `json:"passed"`
	WriteOutsideWorkdir bool  `json:"writeOutsideWorkdir"`
	WriteInsideWorkdir  bool  `json:"writeInsideWorkdir"`
	ReadCredentialDir   bool  `json:"readCredentialDir"`
	Backend             Kind  `json:"backend"`
	Level               Level `json:"level"`
}

// runWrapped executes a probe command through the backend's wrapping
// and reports whether it exited zero. Overridable in tests.
var runWrapped = func(ctx context.Context, b Backend, exe string, args []string) bool {
	wrappedExe, wrappedArgs := b.WrapCommand(exe, args)
	cmd := exec.CommandContext(ctx, wrappedExe, wrappedArgs...)
	return cmd.Run() == nil
}

// RunIsolationTest checks the configured isolation by running canary
// probes through WrapCommand: a write outside the working directory
// must be blocked, a write inside it must succeed, and at standard
// level and above a read of the credential directory must be blocked.
func RunIsolationTest(ctx context.Context, b Backend, workDir, credentialDir string) TestResult {
	result := TestResult{
		Backend: b.Kind(),
		Level:   b.Level(),
	}

	probe := ".agentpen-probe-" + uuid.New().String()[:8]

	outsidePath := filepath.Join("/", probe)
	result.WriteOutsideWorkdir = runWrapped(ctx, b,
		"/bin/sh", []string{"-c", fmt.Sprintf("touch %s", outsidePath)})
	if result.WriteOutsideWorkdir {
		// The write escaped (or the backend is a container whose root
		// is writable); clean up best-effort on the host too.
		os.Remove(outsidePath)
		runWrapped(ctx, b, "/bin/sh", []string{"-c", fmt.Sprintf("rm -f %s", outsidePath)})
	}

	insidePath := filepath.Join(workDir, probe)
	result.WriteInsideWorkdir = runWrapped(ctx, b,
		"/bin/sh", []string{"-c", fmt.Sprintf("touch %s", insidePath)})
	os.Remove(insidePath)

	credProbed := false
	if b.Level() != LevelPermissive && credentialDir != "" {
		credProbed = true
		result.ReadCredentialDir = runWrapped(ctx, b,
			"/bin/sh", []string{"-c", fmt.Sprintf("ls %s", credentialDir)})
	}

	result.Passed = !result.WriteOutsideWorkdir &&
		result.WriteInsideWorkdir &&
		(!credProbed || !result.ReadCredentialDir)
	return result
}

package sandbox

import (
	"context"
	"os"
	"time"
)

// bwrapBackend wraps each invocation in bubblewrap. It is stateless:
// there is no setup beyond recording the start time for Diff, and the
// full mount/namespace argument set is computed fresh per invocation.
type bwrapBackend struct {
	opts      Options
	startedAt time.Time
}

func newBwrapBackend(opts Options) *bwrapBackend {
	return &bwrapBackend{opts: opts}
}

func (b *bwrapBackend) Kind() Kind   { return KindBwrap }
func (b *bwrapBackend) Level() Level { return b.opts.Config.Level }

func (b *bwrapBackend) Start(ctx context.Context) error {
	b.startedAt = time.Now()
	return nil
}

func (b *bwrapBackend) Stop(ctx context.Context) error {
	return nil
}

// standardBinds is the curated set of system directories bound
// read-only at the standard and strict levels instead of the blanket
// root bind. Missing entries are skipped.
var standardBinds = []string{
	"/usr",
	"/bin",
	"/sbin",
	"/lib",
	"/lib64",
	"/etc",
	"/opt",
}

func (b *bwrapBackend) WrapCommand(exe string, args []string) (string, []string) {
	bw := []string{
		"--die-with-parent",
		"--unshare-pid",
		"--proc", "/proc",
		"--dev", "/dev",
	}

	switch b.opts.Config.Level {
	case LevelPermissive:
		// Whole root read-only; only the working directory and a
		// fresh tmpfs /tmp are writable.
		bw = append(bw, "--ro-bind", "/", "/")
	default:
		for _, dir := range standardBinds {
			if _, err := os.Stat(dir); err != nil {
				continue
			}
			bw = append(bw, "--ro-bind", dir, dir)
		}
	}

	bw = append(bw, "--bind", b.opts.WorkDir, b.opts.WorkDir)
	bw = append(bw, "--tmpfs", "/tmp")

	if b.opts.Config.Level == LevelStrict {
		bw = append(bw, "--unshare-net")
	}

	bw = append(bw, "--chdir", b.opts.WorkDir)
	bw = append(bw, "--")
	bw = append(bw, exe)
	bw = append(bw, args...)
	return "bwrap", bw
}

func (b *bwrapBackend) Diff(ctx context.Context) ([]Change, error) {
	return mtimeDiff(b.opts.WorkDir, b.startedAt)
}

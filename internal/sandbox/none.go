package sandbox

import (
	"context"
	"time"
)

// noneBackend runs processes unsandboxed. Used on platforms without
// any isolation primitive; the caller can see this via Kind.
type noneBackend struct {
	opts      Options
	startedAt time.Time
}

func newNoneBackend(opts Options) *noneBackend {
	return &noneBackend{opts: opts}
}

func (n *noneBackend) Kind() Kind   { return KindNone }
func (n *noneBackend) Level() Level { return n.opts.Config.Level }

func (n *noneBackend) Start(ctx context.Context) error {
	n.startedAt = time.Now()
	return nil
}

func (n *noneBackend) Stop(ctx context.Context) error { return nil }

func (n *noneBackend) WrapCommand(exe string, args []string) (string, []string) {
	return exe, args
}

func (n *noneBackend) Diff(ctx context.Context) ([]Change, error) {
	return mtimeDiff(n.opts.WorkDir, n.startedAt)
}

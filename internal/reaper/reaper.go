// Package reaper prunes registry entries whose owning process has
// exited without cleaning up after itself. Entries linger when a
// manager process is killed; the reaper keeps the shared registry
// honest.
package reaper

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/fkoehler/agentpen/internal/registry"
)

// DefaultGrace keeps crashed entries visible in listings for a while
// before they are removed, so an operator can still see what died.
const DefaultGrace = 5 * time.Minute

type Reaper struct {
	reg      *registry.File
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger

	// deadSince remembers when an entry's owner was first seen dead.
	deadSince map[string]time.Time

	// pidAlive is injected in tests.
	pidAlive func(pid int) bool
	now      func() time.Time
}

func New(reg *registry.File, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		reg:       reg,
		interval:  interval,
		grace:     DefaultGrace,
		logger:    logger,
		deadSince: make(map[string]time.Time),
		pidAlive:  livePID,
		now:       time.Now,
	}
}

// Run loops until ctx is cancelled, reconciling once immediately.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.Reconcile()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Reconcile()
		}
	}
}

// Reconcile marks entries with dead owners as crashed, then removes
// them once they have been dead longer than the grace period.
func (r *Reaper) Reconcile() {
	now := r.now()
	var marked, removed []string

	err := r.reg.Update(func(snap *registry.Snapshot) {
		for name, entry := range snap.Sessions {
			if r.pidAlive(entry.PID) {
				delete(r.deadSince, name)
				continue
			}
			since, seen := r.deadSince[name]
			if !seen {
				r.deadSince[name] = now
				if entry.State != "crashed" {
					entry.State = "crashed"
					snap.Sessions[name] = entry
					marked = append(marked, name)
				}
				continue
			}
			if now.Sub(since) > r.grace {
				delete(snap.Sessions, name)
				delete(r.deadSince, name)
				removed = append(removed, name)
			}
		}
	})
	if err != nil {
		r.logger.Error("reaper: registry update", "error", err)
		return
	}

	for _, name := range marked {
		r.logger.Warn("reaper: owner process gone, marking crashed", "session", name)
	}
	for _, name := range removed {
		r.logger.Info("reaper: removed stale entry", "session", name)
	}
}

func livePID(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

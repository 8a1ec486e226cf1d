// Command agentpen supervises named, resumable agent sessions.
//
//	agentpen run -name fix-tests -workdir ./repo
//	agentpen list
//	agentpen adopt -name fix-tests
//	agentpen stop -name fix-tests
//	agentpen selftest -workdir ./repo -level standard
//	agentpen history -session fix-tests
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fkoehler/agentpen/internal/config"
	"github.com/fkoehler/agentpen/internal/history"
	"github.com/fkoehler/agentpen/internal/reaper"
	"github.com/fkoehler/agentpen/internal/registry"
	"github.com/fkoehler/agentpen/internal/sandbox"
	"github.com/fkoehler/agentpen/internal/session"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(logger, os.Args[2:], false)
	case "adopt":
		err = cmdRun(logger, os.Args[2:], true)
	case "list":
		err = cmdList(os.Args[2:])
	case "stop":
		err = cmdStop(logger, os.Args[2:])
	case "selftest":
		err = cmdSelftest(os.Args[2:])
	case "history":
		err = cmdHistory(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: agentpen <run|adopt|list|stop|selftest|history> [flags]")
}

func loadConfig(fs *flag.FlagSet) (*config.Config, error) {
	cfgPath := fs.Lookup("config").Value.String()
	return config.Load(cfgPath)
}

func addConfigFlag(fs *flag.FlagSet) {
	fs.String("config", "", "path to agentpen.yaml")
}

// cmdRun creates (or adopts) a session and then feeds it prompts from
// stdin, one per line, printing response text as it streams.
func cmdRun(logger *slog.Logger, args []string, adopt bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	addConfigFlag(fs)
	name := fs.String("name", "", "session name (required)")
	workDir := fs.String("workdir", ".", "session working directory")
	permMode := fs.String("permission-mode", "", "agent permission mode")
	sysPrompt := fs.String("system-prompt", "", "appended system prompt")
	backend := fs.String("backend", "", "sandbox backend override (docker|bwrap|sandbox-exec|none)")
	level := fs.String("level", "", "sandbox level override (permissive|standard|strict)")
	oneShot := fs.String("p", "", "single prompt; exit after the response")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer rec.Close()

	reg := registry.New(cfg.RegistryPath)
	mgr := session.NewManager(session.ManagerOptions{
		AgentBinary:     cfg.AgentBinary,
		CredentialDir:   cfg.CredentialDir,
		PromptTimeoutMs: cfg.PromptTimeoutMs,
		SandboxDefaults: sandboxConfig(cfg, *backend, *level),
		Registry:        reg,
		Recorder:        rec,
		Notifier:        &consoleNotifier{},
		Logger:          logger,
	})

	rpr := reaper.New(reg, 30*time.Second, logger)
	go rpr.Run(ctx)

	var sess *session.Session
	if adopt {
		sess, err = mgr.Adopt(ctx, *name)
	} else {
		sess, err = mgr.CreateOrStart(ctx, session.CreateOptions{
			Name:           *name,
			WorkDir:        *workDir,
			PermissionMode: *permMode,
			SystemPrompt:   *sysPrompt,
		})
	}
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		mgr.StopAll(stopCtx)
		cancel()
		os.Exit(0)
	}()

	logger.Info("session ready",
		"session", sess.Name(),
		"conversation", sess.ConversationID(),
		"backend", sess.Backend().Kind(),
		"level", sess.Backend().Level())

	if *oneShot != "" {
		_, err := sess.SendPrompt(ctx, *oneShot)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		mgr.StopAll(stopCtx)
		return err
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		prompt := scanner.Text()
		if prompt == "" {
			continue
		}
		if _, err := sess.SendPrompt(ctx, prompt); err != nil {
			logger.Error("prompt failed", "error", err)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return mgr.StopAll(stopCtx)
}

func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	addConfigFlag(fs)
	asJSON := fs.Bool("json", false, "machine-readable output")
	fs.Parse(args)

	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	snap, err := registry.New(cfg.RegistryPath).Load()
	if err != nil {
		return err
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	if len(snap.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-20s %-8s %-9s %-7s %s\n", "NAME", "PID", "STATE", "PROMPTS", "WORKDIR")
	for name, e := range snap.Sessions {
		fmt.Printf("%-20s %-8d %-9s %-7d %s\n", name, e.PID, e.State, e.PromptCount, e.WorkingDirectory)
	}
	return nil
}

// cmdStop signals the owning process of a registry entry, or removes
// the entry outright when the owner is already gone.
func cmdStop(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	addConfigFlag(fs)
	name := fs.String("name", "", "session name (required)")
	fs.Parse(args)

	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	reg := registry.New(cfg.RegistryPath)
	snap, err := reg.Load()
	if err != nil {
		return err
	}
	entry, ok := snap.Sessions[*name]
	if !ok {
		return fmt.Errorf("session not found: %s", *name)
	}

	if err := syscall.Kill(entry.PID, syscall.SIGTERM); err == nil {
		logger.Info("signalled owner", "session", *name, "pid", entry.PID)
		return nil
	}
	logger.Info("owner already gone, removing entry", "session", *name, "pid", entry.PID)
	return reg.Update(func(snap *registry.Snapshot) {
		delete(snap.Sessions, *name)
	})
}

// cmdSelftest builds a sandbox backend and proves its isolation holds
// by running canary probes through it.
func cmdSelftest(args []string) error {
	fs := flag.NewFlagSet("selftest", flag.ExitOnError)
	addConfigFlag(fs)
	workDir := fs.String("workdir", ".", "probe working directory")
	backend := fs.String("backend", "", "sandbox backend override")
	level := fs.String("level", "", "sandbox level override")
	fs.Parse(args)

	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	b, err := sandbox.New(sandbox.Options{
		SessionName:   "selftest",
		WorkDir:       *workDir,
		AgentBinary:   cfg.AgentBinary,
		CredentialDir: cfg.CredentialDir,
		Config:        sandboxConfig(cfg, *backend, *level),
	})
	if err != nil {
		return err
	}
	if err := b.Start(ctx); err != nil {
		return err
	}
	defer b.Stop(ctx)

	result := sandbox.RunIsolationTest(ctx, b, *workDir, cfg.CredentialDir)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Passed {
		return fmt.Errorf("isolation self-test failed")
	}
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	addConfigFlag(fs)
	sessName := fs.String("session", "", "session name (required)")
	limit := fs.Int("limit", 20, "max entries")
	fs.Parse(args)

	if *sessName == "" {
		return fmt.Errorf("-session is required")
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	store, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(context.Background(), *sessName, *limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("[%s] %s\n  > %s\n", e.CreatedAt.Format(time.RFC3339), e.Prompt, e.ResponsePreview)
	}
	return nil
}

// sandboxConfig applies CLI overrides on top of the configured
// defaults, resolving "auto" to the best available backend.
func sandboxConfig(cfg *config.Config, backendOverride, levelOverride string) sandbox.Config {
	sc := sandbox.Config{
		Backend:     sandbox.Kind(cfg.Sandbox.Backend),
		Level:       sandbox.Level(cfg.Sandbox.Level),
		MemoryLimit: cfg.Sandbox.MemoryLimit,
		CPULimit:    cfg.Sandbox.CPULimit,
		Image:       cfg.Sandbox.Image,
	}
	if backendOverride != "" {
		sc.Backend = sandbox.Kind(backendOverride)
	}
	if levelOverride != "" {
		sc.Level = sandbox.Level(levelOverride)
	}
	if sc.Backend == "auto" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sc.Backend = sandbox.Detect(ctx)
	}
	return sc
}

// consoleNotifier streams session events to stdout for interactive
// use.
type consoleNotifier struct{}

func (consoleNotifier) PromptStart(sess, prompt string) {}

func (consoleNotifier) Data(sess, chunk string) {
	fmt.Print(chunk)
}

func (consoleNotifier) Stderr(sess, line string) {
	fmt.Fprintln(os.Stderr, line)
}

func (consoleNotifier) PromptComplete(sess, response string) {
	fmt.Println()
}

func (consoleNotifier) PromptError(sess string, err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

func (consoleNotifier) PromptTimeout(ev session.TimeoutEvent) {
	fmt.Fprintf(os.Stderr, "timeout after %dms (partial response: %d bytes)\n",
		ev.TimeoutMs, len(ev.PartialResponse))
}

func (consoleNotifier) SessionCrashed(sess string, code int, reason string) {
	fmt.Fprintf(os.Stderr, "session %s crashed: %s\n", sess, reason)
}

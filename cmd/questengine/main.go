package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/plantsafe/questengine/internal/auditlog"
	"github.com/plantsafe/questengine/internal/config"
	"github.com/plantsafe/questengine/internal/draftstore"
	"github.com/plantsafe/questengine/internal/engine"
	"github.com/plantsafe/questengine/internal/lockfile"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "drafts":
		draftsCmd(os.Args[2:])
	case "audit":
		auditCmd(os.Args[2:])
	case "version":
		fmt.Printf("questengine %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `questengine

Usage:
  questengine init [flags]
  questengine drafts list [flags]
  questengine drafts purge [flags]
  questengine audit [flags]
  questengine version

Commands:
  init      Write the local config file.
  drafts    Inspect or purge locally persisted questionnaire drafts.
  audit     Print the draft lifecycle audit trail.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	backendURL := fs.String("backend-url", "", "Questionnaire backend base URL (e.g. https://quest.example.com)")
	stateDir := fs.String("state-dir", "", "State directory for drafts, audit trail and lock (default: ~/.questengine)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *backendURL == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		BackendBaseURL: *backendURL,
		StateDir:       *stateDir,
		LogFormat:      *logFormat,
		LogLevel:       *logLevel,
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadConfig loads the config file when present; maintenance commands fall
// back to defaults so they work before init has run.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(filepath.Clean(path))
	if err != nil {
		return &config.Config{}
	}
	return cfg
}

func draftsCmd(args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("drafts "+sub, flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	maxAge := fs.Duration("max-age", draftstore.RetentionWindow, "Purge drafts older than this (purge only)")
	_ = fs.Parse(rest)

	cfg := loadConfig(*cfgPath)

	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to lock state dir: %v\n", err)
		os.Exit(1)
	}
	defer lock.Release()

	store, err := draftstore.Open(cfg.DraftDBPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open draft store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := signalContext()
	defer cancel()

	switch sub {
	case "list":
		summaries, err := store.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			os.Exit(1)
		}
		if len(summaries) == 0 {
			fmt.Println("No local drafts.")
			return
		}
		fmt.Printf("%-20s %-14s %-10s %-8s %-8s %s\n",
			"WORKFLOW", "MATERIAL", "PLANT", "ANSWERS", "SYNC", "UPDATED")
		for _, s := range summaries {
			fmt.Printf("%-20s %-14s %-10s %-8d %-8s %s\n",
				s.Identity.WorkflowID, s.Identity.MaterialCode, s.Identity.PlantCode,
				s.AnswerCount, s.SyncStatus,
				time.UnixMilli(s.UpdatedAtUnixMs).Format(time.RFC3339))
		}
	case "purge":
		n, err := store.Purge(ctx, *maxAge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "purge failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Purged %d draft(s) older than %s.\n", n, *maxAge)
	default:
		printUsage()
		os.Exit(2)
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("limit", 50, "Maximum number of entries to print")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath)

	logger, err := engine.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log settings: %v\n", err)
		os.Exit(1)
	}

	trail, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: cfg.ResolvedStateDir()})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit trail: %v\n", err)
		os.Exit(1)
	}

	entries, err := trail.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit read failed: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s %-16s %-8s wf=%s material=%s plant=%s",
			e.CreatedAt, e.Action, e.Status, e.WorkflowID, e.MaterialCode, e.PlantCode)
		if e.Error != "" {
			line += " error=" + e.Error
		}
		fmt.Println(line)
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/loom/internal/api"
	"github.com/mattjoyce/loom/internal/config"
	"github.com/mattjoyce/loom/internal/dispatch"
	"github.com/mattjoyce/loom/internal/events"
	"github.com/mattjoyce/loom/internal/log"
	"github.com/mattjoyce/loom/internal/report"
	"github.com/mattjoyce/loom/internal/runner"
	"github.com/mattjoyce/loom/internal/storage"
	"github.com/mattjoyce/loom/internal/suite"
	"github.com/mattjoyce/loom/internal/tui/watch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runRun(args))
	case "suite":
		os.Exit(runSuite(args))
	case "watch":
		os.Exit(runWatch(args))
	case "worker":
		// Hidden: the entry point dispatchers spawn for worker subprocesses.
		os.Exit(runWorker())
	case "version":
		fmt.Printf("loom version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`loom - test dispatcher for suites of external commands

Usage:
  loom run [flags]          Execute discovered suites
  loom suite list [flags]   Show discovered suites and tests
  loom watch [flags]        Live TUI over a running loom's status API
  loom version              Print version

Run flags:
  -config path      Config file (default ./loom.yaml if present)
  -suites dir       Override suites directory
  -workers n        Override worker cap
  -max-failures n   Stop after n unexpected failures (0 disables)
  -repeat-each n    Run every suite n times
  -debug            Pass worker stderr through
  -echo             Echo captured test output
`)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("loom.yaml"); err == nil {
		return config.Load("loom.yaml")
	}
	return config.Defaults(), nil
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file")
	suitesDir := fs.String("suites", "", "suites directory")
	workers := fs.Int("workers", 0, "max worker processes")
	maxFailures := fs.Int("max-failures", -1, "stop after this many unexpected failures")
	repeatEach := fs.Int("repeat-each", 0, "run each suite this many times")
	debug := fs.Bool("debug", false, "pass worker stderr through")
	echo := fs.Bool("echo", false, "echo captured test output")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *suitesDir != "" {
		cfg.SuitesDir = *suitesDir
	}
	if *workers > 0 {
		cfg.Run.Workers = *workers
	}
	if *maxFailures >= 0 {
		cfg.Run.MaxFailures = *maxFailures
	}
	if *repeatEach > 0 {
		cfg.Run.RepeatEach = *repeatEach
	}
	if *debug {
		cfg.WorkerDebug = true
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	loader, err := suite.NewLoader(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hub := events.NewHub(512)
	defer hub.Close()

	console := report.NewConsole(os.Stdout)
	console.Echo = *echo
	tally := &report.Tally{}
	reporters := report.Multi{console, tally, report.NewHubBridge(hub)}

	var history *report.History
	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer db.Close()
		history, err = report.NewHistory(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		reporters = append(reporters, history)
	}

	disp, err := dispatch.New(dispatch.Options{
		Loader:      loader,
		Groups:      loader.Groups(),
		Reporter:    reporters,
		WorkerDebug: cfg.WorkerDebug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if cfg.API.Enabled {
		status := func() api.RunStatus {
			passed, failed, skipped := tally.Counts()
			s := api.RunStatus{
				Passed:       passed,
				Failed:       failed,
				Skipped:      skipped,
				QueuedGroups: disp.QueuedGroups(),
				Workers:      disp.NumWorkers(),
				Stopped:      disp.IsStopped(),
			}
			if history != nil {
				s.RunID = history.RunID()
			}
			return s
		}
		srv := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, hub, status, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	// An interrupt turns into a graceful stop: in-flight tests finish,
	// nothing new dispatches.
	go func() {
		<-ctx.Done()
		disp.Stop()
	}()

	hub.Publish(events.TypeRunStarted, map[string]any{
		"suites":  len(loader.Suites()),
		"groups":  len(loader.Groups()),
		"workers": cfg.Run.Workers,
	})

	if err := disp.Run(ctx); err != nil {
		logger.Error("run failed", "error", err)
	}

	hub.Publish(events.TypeRunFinished, map[string]any{
		"failures":      disp.FailureCount(),
		"worker_errors": disp.HasWorkerErrors(),
	})

	if history != nil {
		if err := history.Finish(context.Background()); err != nil {
			logger.Error("failed to finalize run history", "error", err)
		}
	}

	console.Summary()

	if tally.Unexpected() > 0 || disp.HasWorkerErrors() {
		return 1
	}
	return 0
}

func runSuite(args []string) int {
	if len(args) < 1 || args[0] != "list" {
		fmt.Fprintln(os.Stderr, "Usage: loom suite list [-config path] [-suites dir]")
		return 1
	}
	fs := flag.NewFlagSet("suite list", flag.ExitOnError)
	configPath := fs.String("config", "", "config file")
	suitesDir := fs.String("suites", "", "suites directory")
	fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *suitesDir != "" {
		cfg.SuitesDir = *suitesDir
	}

	suites, err := suite.Discover(cfg.SuitesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	for _, s := range suites {
		fmt.Printf("%s  (%s)\n", s.Name, s.Path)
		for _, t := range s.Tests {
			extra := ""
			if t.Skip {
				extra = "  [skip]"
			} else if t.Retries > 0 {
				extra = fmt.Sprintf("  [retries: %d]", t.Retries)
			}
			fmt.Printf("  %-24s %s%s\n", t.ID, t.Name, extra)
		}
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8900", "status API base URL")
	apiKey := fs.String("key", "", "API bearer token")
	fs.Parse(args)

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runWorker() int {
	// Workers log via the same setup; level comes from the environment so
	// the dispatcher does not have to forward config.
	log.Setup(os.Getenv("LOOM_LOG_LEVEL"), "text")

	if err := runner.Main(context.Background()); err != nil {
		log.WithComponent("worker").Error("worker failed", "error", err)
		return 1
	}
	return 0
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/basket/koclaw/internal/agent"
	"github.com/basket/koclaw/internal/bus"
	"github.com/basket/koclaw/internal/channels"
	"github.com/basket/koclaw/internal/config"
	otelPkg "github.com/basket/koclaw/internal/otel"
	"github.com/basket/koclaw/internal/persistence"
	"github.com/basket/koclaw/internal/scheduler"
	"github.com/basket/koclaw/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Run the scheduler daemon

SUBCOMMANDS:
  %s task add [options]       Schedule a new task
  %s task list [options]      List tasks
  %s task runs <id>           Show recent runs for a task
  %s task pause <id>          Pause a task
  %s task resume <id>         Resume a paused task
  %s task cancel <id>         Cancel a task and delete its history
  %s status                   Show store counters

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  KOCLAW_HOME             Data directory (default: ~/.koclaw)
  KOCLAW_AGENT_BASE_URL   Agent runtime endpoint
  TELEGRAM_TOKEN          Telegram bot token (overrides config.yaml)
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "task":
			os.Exit(runTaskCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx))
		case "daemon":
			// fall through to daemon mode
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	eventBus := bus.New()
	defer eventBus.Close()

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "db_path", cfg.DBPath)

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	agentClient := agent.NewHTTPAgent(cfg.Agent.BaseURL, cfg.Agent.Model, cfg.AgentTimeout())

	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Agent:    agentClient,
		Logger:   logger,
		Metrics:  metrics,
		Interval: cfg.PollInterval(),
	})
	sched.Start(ctx)
	defer sched.Stop()

	var wg sync.WaitGroup
	startChannel := func(ch channels.Channel) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ch.Start(ctx); err != nil {
				logger.Error("channel exited", "channel", ch.Name(), "error", err)
			}
		}()
	}

	startChannel(channels.NewTerminalChannel(store, logger, eventBus, os.Stdout, metrics))
	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		startChannel(channels.NewTelegramChannel(tg.Token, tg.AllowedIDs, store, logger, eventBus, metrics))
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Warn("config reload failed, keeping previous settings", "error", err)
					continue
				}
				logLevel.Set(telemetry.ParseLevel(reloaded.LogLevel))
				logger.Info("config reloaded",
					"log_level", reloaded.LogLevel,
					"note", "db path, agent endpoint, poll interval, and channels apply on restart")
			}
		}()
	}

	logger.Info("koclaw running", "poll_interval", cfg.PollInterval())
	<-ctx.Done()
	logger.Info("shutdown requested")
	wg.Wait()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"koclaw","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

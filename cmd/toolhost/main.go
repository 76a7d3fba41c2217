package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"toolhost/internal/infra/config"
	"toolhost/internal/infra/logger"
	"toolhost/internal/infra/tracer"
	"toolhost/internal/usecase/eventbus"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "version":
			fmt.Printf("toolhost %s (protocol %s)\n", version, config.DefaultProtocolVersion)
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		exitOn("serve", runServe())
		return
	}

	switch os.Args[1] {
	case "serve":
		exitOn("serve", runServe())
	case "plugin":
		exitOn("plugin", runPlugin(os.Args[2:]))
	case "doctor":
		exitOn("doctor", runDoctor())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'toolhost --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func exitOn(cmd string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`toolhost - plugin host for desktop tools

USAGE:
    toolhost [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the host and its WebSocket gateway (default)
    plugin      Manage plugins
                Subcommands: list, validate, search, install, update, uninstall
    doctor      Run health checks on your setup
    version     Print version information

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./toolhost.yaml)

CONFIGURATION:
    Config file: ./toolhost.yaml (optional; defaults apply when absent)
    Environment: TOOLHOST_* variables override config
    Storage key: TOOLHOST_STORAGE_KEY when storage.encrypt is on`)
}

// configPath returns the --config flag, $TOOLHOST_CONFIG or ./toolhost.yaml.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	if p := os.Getenv("TOOLHOST_CONFIG"); p != "" {
		return p
	}
	return "toolhost.yaml"
}

func runServe() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. Security (audit log)
	sec, secCleanup, err := initSecurity(cfg, log)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}
	defer secCleanup()

	// 4. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 5. Plugins (registry, catalog, installer)
	plugins, err := initPlugins(ctx, cfg, bus, log)
	if err != nil {
		return fmt.Errorf("plugins: %w", err)
	}

	// 6. Maintenance (catalog refresh, audit retention, rescans)
	sched, err := initScheduler(cfg, sec, plugins, log)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	// 7. Gateway server, the surface notifier for backend events
	srv := newGateway(ctx, cfg, sec, bus, log)

	// 8. Runtime (supervisor, lifecycle, extension host)
	rt, err := initRuntime(ctx, cfg, plugins, sec, bus, srv, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	log.Info("toolhost starting",
		"version", version,
		"protocol", cfg.Host.ProtocolVersion,
		"plugins", len(plugins.Registry.GetAll()),
		"capabilities", rt.Host.Modules(),
		"audit", sec.Audit != nil,
		"gateway", cfg.Gateway.Enabled,
		"tasks", sched.Tasks(),
	)

	if !cfg.Gateway.Enabled {
		log.Info("gateway disabled; waiting for shutdown signal")
		<-ctx.Done()
		return nil
	}

	// 9. Serve
	return serveGateway(ctx, cfg, srv, plugins, rt, log)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

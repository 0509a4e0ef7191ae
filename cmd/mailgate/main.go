// Mailgate watches an IMAP folder and forwards a notification for each
// new message to an HTTP gateway.
//
// Configuration is loaded from a YAML file discovered automatically (see
// [config.DefaultSearchPaths]) and from environment variables, which
// take precedence.
//
// Usage:
//
//	mailgate                 Poll forever at the configured interval
//	mailgate --once          Run a single check and exit
//	mailgate init [dir]      Write an example config file
//	mailgate version         Print version and build information
//	mailgate -o json version Output version information as JSON
//
// Exit status is 0 on success, 1 when a one-shot check failed
// transiently, and 2 on a fatal error (rejected credentials, corrupt
// state or invalid configuration).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/mailgate/internal/buildinfo"
	"github.com/nugget/mailgate/internal/config"
	"github.com/nugget/mailgate/internal/gateway"
	"github.com/nugget/mailgate/internal/mailbox"
	"github.com/nugget/mailgate/internal/metrics"
	"github.com/nugget/mailgate/internal/mqtt"
	"github.com/nugget/mailgate/internal/poller"
	"github.com/nugget/mailgate/internal/scheduler"
	"github.com/nugget/mailgate/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Exit codes.
const (
	exitOK        = 0
	exitTransient = 1
	exitFatal     = 2
)

// stopTimeout bounds the MQTT offline publish at shutdown.
const stopTimeout = 5 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout and os.Args out of the application logic.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:], os.LookupEnv)
	cancel()

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps the error returned by run to a process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid), poller.IsFatal(err):
		return exitFatal
	case errors.Is(err, context.Canceled):
		// Signal-driven shutdown, including mid-check in --once mode.
		return exitOK
	default:
		return exitTransient
	}
}

// options holds the parsed command line.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	once       bool
	command    string
	args       []string
}

// parseArgs parses the command line by hand. The flag package relies on
// package-level globals, which gets in the way of calling run from
// parallel tests, and the surface is small.
func parseArgs(args []string) (options, error) {
	var opts options
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "--once" || args[i] == "-once":
			opts.once = true
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			opts.command = "help"
		case !strings.HasPrefix(args[i], "-") && opts.command == "":
			opts.command = args[i]
		case opts.command != "":
			opts.args = append(opts.args, args[i])
		default:
			return opts, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return opts, fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}
	return opts, nil
}

// run is the real entry point. ctx controls the lifetime of the
// process; cancelling it (SIGINT, SIGTERM) stops the poller after the
// in-flight cycle has saved its progress. Logs go to stdout. lookup
// resolves environment variables.
func run(ctx context.Context, stdout, stderr io.Writer, args []string, lookup config.LookupFunc) error {
	opts, err := parseArgs(args)
	if err != nil {
		return err
	}

	switch opts.command {
	case "":
		return runPoll(ctx, stdout, opts, lookup)
	case "help":
		return printUsage(stdout)
	case "init":
		dir := "."
		if len(opts.args) > 0 {
			dir = opts.args[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", opts.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	fields := buildinfo.Fields()
	if outputFmt == "json" {
		info := make(map[string]string, len(fields))
		for _, f := range fields {
			info[f.Name] = f.Value
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range fields {
		fmt.Fprintf(w, "  %-12s %s\n", f.Name+":", f.Value)
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mailgate - IMAP to HTTP gateway notifier")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mailgate [flags] [command]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  (none)       Poll the mailbox until interrupted")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  --once            Run a single check and exit")
	fmt.Fprintln(w, "  -o, --output fmt  Output format for version: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment overrides:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.EnvKeys(), ", "))
	return nil
}

// runPoll loads configuration, wires the components together and runs
// either one check or the continuous loop.
//
// Shutdown in continuous mode:
//  1. SIGINT or SIGTERM cancels ctx
//  2. The in-flight cycle stops forwarding and saves its progress
//  3. The metrics server drains and MQTT publishes "offline"
//  4. The state store is closed
func runPoll(ctx context.Context, stdout io.Writer, opts options, lookup config.LookupFunc) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mailgate", "version", buildinfo.Version, "commit", buildinfo.Commit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	cfg, err := config.Load(cfgPath, lookup)
	if err != nil {
		logger.Error("configuration rejected", "path", cfgPath, "error", err, "fatal", true)
		return err
	}

	// Validate has already vetted the level name.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"imap", cfg.IMAP.Addr(),
		"folder", cfg.IMAP.Folder,
		"gateway", cfg.Gateway.URL(),
		"state_backend", cfg.State.Backend,
		"interval", cfg.PollInterval(),
		"once", opts.once,
	)

	store, err := state.Open(cfg.State.Backend, cfg.State.Path, logger)
	if err != nil {
		logger.Error("open state store failed", "path", cfg.State.Path, "error", err, "fatal", true)
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close state store", "error", err)
		}
	}()

	client := mailbox.NewClient(cfg.IMAP, logger)
	p := poller.New(poller.Config{
		Account:      cfg.IMAP.Username,
		Folder:       cfg.IMAP.Folder,
		ExcerptChars: cfg.Gateway.ExcerptChars,
		Connect: func(ctx context.Context) (poller.Session, error) {
			sess, err := client.Connect(ctx)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
		Sender: gateway.NewSender(cfg.Gateway, logger),
		Store:  store,
		Logger: logger,
	})

	check := func(ctx context.Context) (poller.Result, error) {
		return p.Check(ctx)
	}

	if opts.once {
		sched := scheduler.New(logger, cfg.PollInterval(), check)
		if err := sched.RunOnce(ctx); err != nil {
			switch {
			case poller.IsFatal(err):
				logger.Error("check failed", "error", err, "fatal", true)
			case errors.Is(err, context.Canceled):
				logger.Info("check interrupted, shutting down")
			}
			return err
		}
		return nil
	}

	return runContinuous(ctx, logger, cfg, check)
}

// runContinuous runs the scheduler loop alongside the optional metrics
// server and MQTT publisher.
func runContinuous(ctx context.Context, logger *slog.Logger, cfg *config.Config, check scheduler.CheckFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		observers []scheduler.Observer
		wg        sync.WaitGroup
		sched     *scheduler.Scheduler
	)

	// --- Metrics ---
	var metricsSrv *metrics.Server
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observers = append(observers, metrics.New(reg))

		metricsSrv = metrics.NewServer(cfg.Metrics.Listen, reg, func() bool {
			return healthy(sched)
		}, logger)
	} else {
		logger.Info("metrics server disabled (not configured)")
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, logger, mqtt.WithStaleAfter(3*cfg.PollInterval()))
		observers = append(observers, mqttPub)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	sched = scheduler.New(logger, cfg.PollInterval(), check, observers...)

	if metricsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsSrv.Run(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}
	if mqttPub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
	}

	err := sched.Run(ctx)
	if err == nil {
		logger.Info("shutdown signal received")
	}

	if mqttPub != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		if serr := mqttPub.Stop(stopCtx); serr != nil {
			logger.Error("mqtt shutdown failed", "error", serr)
		}
		stopCancel()
	}

	cancel()
	wg.Wait()

	logger.Info("mailgate stopped")
	return err
}

// healthy reports whether the scheduler is running and its last cycle
// did not fail.
func healthy(sched *scheduler.Scheduler) bool {
	if sched == nil || sched.State() == scheduler.StateStopped {
		return false
	}
	last := sched.Last()
	return last == nil || last.Status != scheduler.StatusFailed
}

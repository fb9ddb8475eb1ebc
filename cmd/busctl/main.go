// Package main implements busctl, a command-line client and server for the
// bus. It opens one session per invocation and optionally exposes the
// factory's metrics and health over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/jsonrpcbus"
	"github.com/c360/jsonrpcbus/config"
	"github.com/c360/jsonrpcbus/metric"
	"github.com/c360/jsonrpcbus/transport"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "busctl"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		slog.Error("busctl failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// run executes one command; it returns when the command completes or ctx ends
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cli, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if len(rest) == 0 {
		_, _ = fmt.Fprintf(stderr, "missing command; run %s -h for usage\n", appName)
		return errors.New("missing command")
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	a, err := newApp(cfg, logger, stdin, stdout)
	if err != nil {
		return err
	}
	defer a.close()

	if cfg.Metrics.Enabled {
		if err := a.serveMetrics(); err != nil {
			return err
		}
	}

	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", rest[0])
	}
	return cmd(ctx, a, rest[1:])
}

// loadConfig layers the file, the environment and the flags, in that order
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cli.ConfigPath != "" {
		loader.AddLayer(cli.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if cli.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = cli.MetricsAddr
	}
	if cli.Timeout > 0 {
		cfg.Bus.DefaultTimeout = config.Duration(cli.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is the state shared by the commands
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	factory  *transport.Composite
	server   *metric.Server
	stdin    io.Reader
	stdout   io.Writer
}

func newApp(cfg *config.Config, logger *slog.Logger, stdin io.Reader, stdout io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, stdin: stdin, stdout: stdout}

	if cfg.Metrics.Enabled {
		var opts []metric.Option
		if !cfg.Metrics.RuntimeCollectors {
			opts = append(opts, metric.WithoutRuntimeCollectors())
		}
		a.registry = metric.NewMetricsRegistry(opts...)
	}

	f, err := jsonrpcbus.NewFactory(cfg.ToOptions(logger, a.registry))
	if err != nil {
		return nil, fmt.Errorf("create factory: %w", err)
	}
	a.factory = f
	return a, nil
}

func (a *app) serveMetrics() error {
	a.server = metric.NewServer(a.cfg.Metrics.Address, a.cfg.Metrics.Path, a.registry, a.factory.Health)
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	a.logger.Info("Serving metrics", "address", a.server.Address())
	return nil
}

func (a *app) close() {
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			a.logger.Warn("Metrics server stop failed", "error", err)
		}
	}
	if err := a.factory.Close(); err != nil {
		a.logger.Warn("Factory close failed", "error", err)
	}
}

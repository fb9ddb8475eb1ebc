package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds the global command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	MetricsAddr string
	Timeout     time.Duration
	ShowVersion bool
}

// parseFlags parses the global flags and returns the remaining arguments
func parseFlags(args []string, stderr io.Writer) (*CLIConfig, []string, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("JSONRPCBUS_CONFIG", ""),
		"Path to a JSON configuration file (env: JSONRPCBUS_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("JSONRPCBUS_CONFIG", ""),
		"Path to a JSON configuration file (env: JSONRPCBUS_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (env: JSONRPCBUS_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (env: JSONRPCBUS_LOG_FORMAT)")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "",
		"Serve /metrics and /health on this address (env: JSONRPCBUS_METRICS_ADDR)")
	fs.DurationVar(&cfg.Timeout, "timeout",
		getEnvDuration("JSONRPCBUS_TIMEOUT", 0),
		"Default session timeout (env: JSONRPCBUS_TIMEOUT)")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")

	fs.Usage = func() { printUsage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - open bus sessions from the command line

Usage: %s [options] <command> [arguments]

Commands:
  respond   <endpoint>                  echo every request back to its sender
  request   <endpoint> <message>        send one request and print the reply
  publish   <endpoint> <topic> [msg]    publish msg, or each stdin line
  subscribe <endpoint> [topic]          print every message received

publish takes -peers n (wait for subscribers), -linger d and -rate r
(stdin lines per second) before its arguments.

An endpoint is a URI (ws://127.0.0.1:8080/rpc) or the name of an endpoint
in the configuration file.

Options:
`, appName, appName)
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  %[1]s respond ws://127.0.0.1:8080/rpc
  %[1]s request ws://127.0.0.1:8080/rpc '{"jsonrpc":"2.0","method":"ping","id":1}'
  %[1]s -metrics-addr=:9090 publish https://0.0.0.0:8443/events?certFile=c.pem&keyFile=k.pem alerts
  %[1]s subscribe nats://127.0.0.1:4222/events alerts

Version: %[2]s
`, appName, Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("AISVNET_CONFIG", ""),
		"Path to YAML configuration file (env: AISVNET_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("AISVNET_CONFIG", ""),
		"Path to YAML configuration file (env: AISVNET_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level override: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format override: json, text")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("AISVNET_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: AISVNET_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printHelp
	flag.Parse()
	return cfg
}

func printHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - virtual AIS network transponder

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Every configuration key can also be set through AISVNET_* variables, e.g.
  AISVNET_SERVER_URL=http://backbone:8080 AISVNET_USERNAME=ole AISVNET_OWN_MMSI=123456789 %s

Version: %s
`, os.Args[0], Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

// Package main runs a virtual AIS transponder: it reserves an MMSI on the
// backbone, keeps the session alive and serves local NMEA equipment over TCP.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/cynsky/AisVirtualNet/config"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/pkg/logging"
	"github.com/cynsky/AisVirtualNet/pkg/tlsutil"
	"github.com/cynsky/AisVirtualNet/transponder"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "aisvnet-transponder"
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

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.NewLoader().AddLayer(cli.ConfigPath).LoadTransponder()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format, appName, Version)
	slog.SetDefault(logger)

	if cli.Validate {
		fmt.Print(config.String(cfg))
		slog.Info("Configuration is valid")
		return nil
	}
	slog.Info("Starting AIS virtual transponder",
		"version", Version,
		"server", cfg.ServerURL,
		"own_mmsi", cfg.OwnMMSI)

	tcfg, err := transponderConfig(cfg)
	if err != nil {
		return err
	}
	t, err := transponder.New(tcfg, logger, metric.NewMetricsRegistry())
	if err != nil {
		return fmt.Errorf("create transponder: %w", err)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := t.Start(signalCtx); err != nil {
		return fmt.Errorf("start transponder: %w", err)
	}
	slog.Info("AIS virtual transponder started", "bridge", t.BridgeAddr())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := t.Stop(cli.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("AIS virtual transponder shutdown complete")
	return nil
}

func transponderConfig(cfg *config.TransponderConfig) (transponder.Config, error) {
	var tlsConfig *tls.Config
	if strings.HasPrefix(cfg.ServerURL, "https://") {
		var err error
		if tlsConfig, err = tlsutil.LoadClientTLSConfig(cfg.TLS); err != nil {
			return transponder.Config{}, fmt.Errorf("load TLS config: %w", err)
		}
	}
	return transponder.Config{
		Supervisor: transponder.SupervisorConfig{
			ServerURL:       cfg.ServerURL,
			Username:        cfg.Username,
			Password:        cfg.Password,
			OwnMMSI:         cfg.OwnMMSI,
			RetryDelay:      cfg.RetryDelay.D(),
			LivenessTimeout: cfg.LivenessTimeout.D(),
			TLS:             tlsConfig,
		},
		Bridge: transponder.BridgeConfig{
			ListenAddr:     cfg.BridgeListen,
			OwnMMSI:        cfg.OwnMMSI,
			ReceiveRadius:  cfg.ReceiveRadius,
			OwnPosInterval: cfg.OwnPosInterval.D(),
			SendPstt:       cfg.SendPstt,
			PsttInterval:   cfg.PsttInterval.D(),
		},
		StatusAddr: cfg.StatusListen,
	}, nil
}

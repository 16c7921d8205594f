// Package main runs the virtual AIS network backbone: the websocket session
// endpoint, the REST control API and the bridge to the packet bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/cynsky/AisVirtualNet/config"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/health"
	"github.com/cynsky/AisVirtualNet/hub"
	"github.com/cynsky/AisVirtualNet/identity"
	"github.com/cynsky/AisVirtualNet/metric"
	"github.com/cynsky/AisVirtualNet/natsclient"
	"github.com/cynsky/AisVirtualNet/pkg/logging"
	"github.com/cynsky/AisVirtualNet/pkg/retry"
	"github.com/cynsky/AisVirtualNet/pkg/tlsutil"
	"github.com/cynsky/AisVirtualNet/server"
	"github.com/cynsky/AisVirtualNet/targets"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "aisvnet-server"
)

const natsHealthInterval = 5 * time.Second

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

// backbone holds everything that needs an orderly shutdown.
type backbone struct {
	nats     *natsclient.Client
	redis    *redis.Client
	registry *targets.Registry
	hub      *hub.Hub
	server   *server.Server
	monitor  *health.Monitor
	core     *metric.Metrics
}

func run() error {
	cli := parseFlags()
	if cli.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.NewLoader().AddLayer(cli.ConfigPath).LoadServer()
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
	slog.Info("Starting AIS virtual network server", "version", Version, "config_path", cli.ConfigPath)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	b := &backbone{monitor: health.NewMonitor(appName)}
	defer b.close(cli.ShutdownTimeout)
	if err := b.setup(signalCtx, cfg, logger); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(signalCtx)
	if b.nats != nil {
		g.Go(func() error {
			b.watchNATS(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Received shutdown signal")
		return nil
	})
	slog.Info("AIS virtual network server started", "addr", b.server.Addr())
	return g.Wait()
}

// setup builds and starts the components in dependency order.
func (b *backbone) setup(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) error {
	metricsRegistry := metric.NewMetricsRegistry()
	b.core = metricsRegistry.CoreMetrics()

	users, err := loadUsers(cfg.Identity)
	if err != nil {
		return err
	}
	tokens, err := identity.NewTokenIssuer([]byte(cfg.Identity.JWTSecret), cfg.Identity.TokenTTL.D())
	if err != nil {
		return fmt.Errorf("create token issuer: %w", err)
	}

	if cfg.NATS.URL != "" {
		if b.nats, err = connectToNATS(ctx, cfg.NATS, logger, metricsRegistry); err != nil {
			return err
		}
	}

	store, err := b.reservationStore(ctx, cfg)
	if err != nil {
		return err
	}
	broker, err := identity.NewBroker(users, tokens, store,
		identity.WithBrokerLogger(logger),
		identity.WithReservationTTL(cfg.Identity.ReservationTTL.D()),
		identity.WithBrokerMetrics(metricsRegistry))
	if err != nil {
		return fmt.Errorf("create identity broker: %w", err)
	}

	b.registry, err = targets.NewRegistry(
		targets.Config{TTL: cfg.TargetTTL.D(), EvictInterval: cfg.EvictInterval.D()},
		targets.WithLogger(logger), targets.WithMetrics(metricsRegistry))
	if err != nil {
		return fmt.Errorf("create target registry: %w", err)
	}
	if err := b.registry.Start(ctx); err != nil {
		return fmt.Errorf("start target registry: %w", err)
	}
	b.core.RecordServiceStatus("registry", metric.StatusRunning)

	hubOpts := []hub.Option{hub.WithLogger(logger), hub.WithMetrics(metricsRegistry)}
	if b.nats != nil {
		hubOpts = append(hubOpts, hub.WithSource(b.nats), hub.WithCollector(b.nats))
	} else {
		slog.Warn("No NATS url configured, relaying session traffic locally")
		hubOpts = append(hubOpts, hub.WithLocalLoopback())
	}
	b.hub, err = hub.New(b.registry, hub.Config{
		QueueSize:      cfg.QueueSize,
		IngestSubject:  cfg.NATS.IngestSubject,
		InboundSubject: cfg.NATS.InboundSubject,
	}, hubOpts...)
	if err != nil {
		return fmt.Errorf("create distribution hub: %w", err)
	}
	if err := b.hub.Start(ctx); err != nil {
		return fmt.Errorf("start distribution hub: %w", err)
	}
	b.core.RecordServiceStatus("hub", metric.StatusRunning)

	tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}
	b.server, err = server.New(server.Config{
		ListenAddr:   cfg.Listen,
		PingInterval: cfg.PingInterval.D(),
		AuthRate:     cfg.AuthRate,
		AuthBurst:    cfg.AuthBurst,
		TLS:          tlsConfig,
	}, b.hub, b.registry, broker,
		server.WithLogger(logger),
		server.WithMetrics(metricsRegistry),
		server.WithHealth(b.monitor))
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := b.server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	b.core.RecordServiceStatus("server", metric.StatusRunning)
	return nil
}

func loadUsers(cfg config.IdentityConfig) (*identity.Users, error) {
	if cfg.UsersFile != "" {
		if len(cfg.Users) > 0 {
			slog.Warn("Both users and users_file configured, using users_file", "path", cfg.UsersFile)
		}
		users, err := identity.LoadUsersFile(cfg.UsersFile)
		if err != nil {
			return nil, fmt.Errorf("load users: %w", err)
		}
		return users, nil
	}
	return identity.NewUsers(cfg.Users), nil
}

func connectToNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger, registry *metric.MetricsRegistry) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithClientName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait.D()),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func (b *backbone) reservationStore(ctx context.Context, cfg *config.ServerConfig) (identity.ReservationStore, error) {
	switch cfg.Identity.Store {
	case config.StoreNATS:
		// JetStream may still be electing a leader right after connect
		store, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*identity.KVStore, error) {
			return identity.NewKVStore(ctx, b.nats, cfg.Identity.Bucket, cfg.Identity.ReservationTTL.D())
		})
		if err != nil {
			return nil, fmt.Errorf("open reservation bucket: %w", err)
		}
		return store, nil
	case config.StoreRedis:
		r := cfg.Identity.Redis
		b.redis = identity.NewRedisClient(r.Addr, r.Password, r.DB)
		store := identity.NewRedisStore(b.redis, r.Prefix)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := retry.Do(pingCtx, retry.Quick(), func() error { return store.Ping(pingCtx) }); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return store, nil
	default:
		return identity.NewMemoryStore(), nil
	}
}

// watchNATS mirrors the bus connection into the health monitor.
func (b *backbone) watchNATS(ctx context.Context) {
	ticker := time.NewTicker(natsHealthInterval)
	defer ticker.Stop()
	for {
		b.nats.ReportHealth(b.monitor, "nats")
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// close stops the components in reverse start order.
func (b *backbone) close(timeout time.Duration) {
	if b.server != nil {
		b.stopped("server", b.server.Stop(timeout))
	}
	if b.hub != nil {
		b.stopped("hub", b.hub.Stop(timeout))
	}
	if b.registry != nil {
		b.stopped("registry", b.registry.Stop(timeout))
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := b.nats.Close(ctx); err != nil {
			slog.Error("Error closing NATS", "error", err)
		}
	}
	slog.Info("AIS virtual network server shutdown complete")
}

func (b *backbone) stopped(service string, err error) {
	status := metric.StatusStopped
	if err != nil {
		status = metric.StatusFailed
		b.core.RecordError(service, errors.Classify(err).String())
		slog.Error("Error stopping component", "service", service, "error", err)
	}
	b.core.RecordServiceStatus(service, status)
}

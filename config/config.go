package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cynsky/AisVirtualNet/ais"
	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/hub"
	"github.com/cynsky/AisVirtualNet/identity"
	"github.com/cynsky/AisVirtualNet/pkg/tlsutil"
	"github.com/cynsky/AisVirtualNet/server"
	"github.com/cynsky/AisVirtualNet/targets"
	"github.com/cynsky/AisVirtualNet/transponder"
)

// Reservation store types
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
	StoreRedis  = "redis"
)

// Duration is a time.Duration that unmarshals from strings such as "10s",
// "24h" or "14d".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts a duration string or a plain number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration in time.Duration notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// parseDuration accepts a plain number of seconds or parseDurationWithDays input.
func parseDuration(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Second)), nil
	}
	return parseDurationWithDays(s)
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// NATSConfig connects the server to the packet bus. An empty URL runs the
// server without a bus: inbound packets are fanned out locally only.
type NATSConfig struct {
	URL            string   `yaml:"url"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	Token          string   `yaml:"token,omitempty"`
	MaxReconnects  int      `yaml:"max_reconnects"`
	ReconnectWait  Duration `yaml:"reconnect_wait"`
	IngestSubject  string   `yaml:"ingest_subject"`
	InboundSubject string   `yaml:"inbound_subject"`
}

// RedisConfig is used when the reservation store is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// IdentityConfig covers accounts, tokens and reservations.
type IdentityConfig struct {
	Users          map[string]string `yaml:"users,omitempty"`
	UsersFile      string            `yaml:"users_file,omitempty"`
	JWTSecret      string            `yaml:"jwt_secret"`
	TokenTTL       Duration          `yaml:"token_ttl"`
	ReservationTTL Duration          `yaml:"reservation_ttl"`
	Store          string            `yaml:"store"`
	Bucket         string            `yaml:"bucket"`
	Redis          RedisConfig       `yaml:"redis"`
}

// ServerConfig is the complete backbone server configuration.
type ServerConfig struct {
	Listen        string               `yaml:"listen"`
	PingInterval  Duration             `yaml:"ping_interval"`
	AuthRate      float64              `yaml:"auth_rate"`
	AuthBurst     int                  `yaml:"auth_burst"`
	QueueSize     int                  `yaml:"queue_size"`
	TargetTTL     Duration             `yaml:"target_ttl"`
	EvictInterval Duration             `yaml:"evict_interval"`
	NATS          NATSConfig           `yaml:"nats"`
	Identity      IdentityConfig       `yaml:"identity"`
	TLS           tlsutil.ServerConfig `yaml:"tls"`
	Log           LogConfig            `yaml:"log"`
}

// DefaultServerConfig returns the server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:        server.DefaultListenAddr,
		PingInterval:  Duration(server.DefaultPingInterval),
		AuthRate:      server.DefaultAuthRate,
		AuthBurst:     server.DefaultAuthBurst,
		QueueSize:     hub.DefaultQueueSize,
		TargetTTL:     Duration(targets.DefaultTTL),
		EvictInterval: Duration(targets.DefaultEvictInterval),
		NATS: NATSConfig{
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			IngestSubject:  hub.DefaultIngestSubject,
			InboundSubject: hub.DefaultInboundSubject,
		},
		Identity: IdentityConfig{
			TokenTTL:       Duration(identity.DefaultTokenTTL),
			ReservationTTL: Duration(identity.DefaultReservationTTL),
			Store:          StoreMemory,
			Bucket:         identity.DefaultBucket,
			Redis:          RedisConfig{Addr: "localhost:6379", Prefix: identity.DefaultRedisPrefix},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	switch {
	case c.Listen == "":
		return invalid("listen is required")
	case c.PingInterval <= 0:
		return invalid("ping_interval must be positive")
	case c.AuthRate <= 0 || c.AuthBurst <= 0:
		return invalid("auth_rate and auth_burst must be positive")
	case c.QueueSize <= 0:
		return invalid("queue_size must be positive")
	case c.TargetTTL <= 0 || c.EvictInterval <= 0:
		return invalid("target_ttl and evict_interval must be positive")
	case c.Identity.JWTSecret == "":
		return invalid("identity.jwt_secret is required")
	case len(c.Identity.Users) == 0 && c.Identity.UsersFile == "":
		return invalid("identity.users or identity.users_file is required")
	case c.Identity.TokenTTL <= 0 || c.Identity.ReservationTTL <= 0:
		return invalid("identity.token_ttl and identity.reservation_ttl must be positive")
	case c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == ""):
		return invalid("tls.cert_file and tls.key_file are required when tls is enabled")
	case c.TLS.MTLS.Enabled && len(c.TLS.MTLS.ClientCAFiles) == 0:
		return invalid("tls.mtls.client_ca_files is required when mtls is enabled")
	}

	switch c.Identity.Store {
	case StoreMemory:
	case StoreNATS:
		if c.NATS.URL == "" {
			return invalid("identity.store nats requires nats.url")
		}
	case StoreRedis:
		if c.Identity.Redis.Addr == "" {
			return invalid("identity.redis.addr is required for the redis store")
		}
	default:
		return invalid(fmt.Sprintf("identity.store %q is not one of memory, nats, redis", c.Identity.Store))
	}

	if c.NATS.URL != "" {
		if !isValidNATSSubject(c.NATS.IngestSubject) || !isValidNATSSubject(c.NATS.InboundSubject) {
			return invalid("nats subjects must be dot separated tokens without wildcards")
		}
		if c.NATS.IngestSubject == c.NATS.InboundSubject {
			return invalid("nats.ingest_subject and nats.inbound_subject must differ")
		}
	}
	return c.Log.validate()
}

// TransponderConfig is the complete transponder configuration.
type TransponderConfig struct {
	ServerURL       string   `yaml:"server_url"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	OwnMMSI         uint32   `yaml:"own_mmsi"`
	RetryDelay      Duration `yaml:"retry_delay"`
	LivenessTimeout Duration `yaml:"liveness_timeout"`
	BridgeListen    string   `yaml:"bridge_listen"`
	// ReceiveRadius in meters, 0 disables the filter.
	ReceiveRadius  float64              `yaml:"receive_radius"`
	OwnPosInterval Duration             `yaml:"own_pos_interval"`
	SendPstt       bool                 `yaml:"send_pstt"`
	PsttInterval   Duration             `yaml:"pstt_interval"`
	StatusListen   string               `yaml:"status_listen"`
	TLS            tlsutil.ClientConfig `yaml:"tls"`
	Log            LogConfig            `yaml:"log"`
}

// DefaultTransponderConfig returns the transponder defaults.
func DefaultTransponderConfig() *TransponderConfig {
	return &TransponderConfig{
		ServerURL:       "http://localhost:8080",
		RetryDelay:      Duration(transponder.DefaultRetryDelay),
		LivenessTimeout: Duration(transponder.DefaultLivenessTimeout),
		BridgeListen:    transponder.DefaultBridgeAddr,
		PsttInterval:    Duration(ais.DefaultStreamTimeInterval),
		StatusListen:    ":8002",
		Log:             LogConfig{Level: "info", Format: "text"},
	}
}

// Validate checks the transponder configuration.
func (c *TransponderConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	switch {
	case c.ServerURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		return invalid("server_url must be an http or https URL")
	case c.Username == "":
		return invalid("username is required")
	case c.OwnMMSI == 0 || c.OwnMMSI > 999_999_999:
		return invalid("own_mmsi must be between 1 and 999999999")
	case c.RetryDelay <= 0 || c.LivenessTimeout <= 0:
		return invalid("retry_delay and liveness_timeout must be positive")
	case c.BridgeListen == "":
		return invalid("bridge_listen is required")
	case c.ReceiveRadius < 0:
		return invalid("receive_radius must not be negative")
	case c.OwnPosInterval < 0:
		return invalid("own_pos_interval must not be negative")
	case c.SendPstt && c.PsttInterval <= 0:
		return invalid("pstt_interval must be positive when send_pstt is set")
	case c.TLS.MTLS.Enabled && (c.TLS.MTLS.CertFile == "" || c.TLS.MTLS.KeyFile == ""):
		return invalid("tls.mtls.cert_file and tls.mtls.key_file are required when mtls is enabled")
	}
	return c.Log.validate()
}

func (l LogConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid(fmt.Sprintf("log.level %q is not one of debug, info, warn, error", l.Level))
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		return invalid(fmt.Sprintf("log.format %q is not json or text", l.Format))
	}
	return nil
}

func invalid(reason string) error {
	return errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, reason), "Config", "Validate", "validate configuration")
}

// isValidNATSSubject accepts dot separated tokens of letters, digits, dashes
// and underscores.
func isValidNATSSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			return false
		}
		for _, r := range tok {
			ok := r == '-' || r == '_' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !ok {
				return false
			}
		}
	}
	return true
}

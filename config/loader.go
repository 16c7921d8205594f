package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes every environment override.
const DefaultEnvPrefix = "AISVNET"

// Loader handles configuration loading with layers and overrides. Each layer
// is decoded over the previous result, so a layer only changes the keys it
// names.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  DefaultEnvPrefix,
		lookupEnv:  os.LookupEnv,
	}
}

// AddLayer adds a configuration file layer. Empty paths are skipped.
func (l *Loader) AddLayer(path string) *Loader {
	if path != "" {
		l.layers = append(l.layers, path)
	}
	return l
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) *Loader {
	l.validation = enable
	return l
}

// WithEnvPrefix replaces DefaultEnvPrefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// LoadServer builds the server configuration from defaults, layers and
// environment.
func (l *Loader) LoadServer() (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := l.decodeLayers(cfg); err != nil {
		return nil, err
	}
	if err := l.applyServerEnv(cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadTransponder builds the transponder configuration from defaults, layers
// and environment.
func (l *Loader) LoadTransponder() (*TransponderConfig, error) {
	cfg := DefaultTransponderConfig()
	if err := l.decodeLayers(cfg); err != nil {
		return nil, err
	}
	if err := l.applyTransponderEnv(cfg); err != nil {
		return nil, err
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (l *Loader) decodeLayers(out any) error {
	for _, path := range l.layers {
		data, err := safeReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return nil
}

// env reads prefixed variables and records the first conversion failure.
type env struct {
	prefix string
	lookup func(string) (string, bool)
	err    error
}

func (e *env) get(name string) (string, bool) {
	v, ok := e.lookup(e.prefix + "_" + name)
	if !ok || v == "" {
		return "", false
	}
	if len(v) > maxEnvVarLen {
		e.fail(name, fmt.Errorf("value too long: %d > %d", len(v), maxEnvVarLen))
		return "", false
	}
	return v, true
}

func (e *env) fail(name string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%s_%s: %w", e.prefix, name, err)
	}
}

func (e *env) string(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

func (e *env) int(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *env) uint32(name string, dst *uint32) {
	if v, ok := e.get(name); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *env) float(name string, dst *float64) {
	if v, ok := e.get(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *env) bool(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *env) duration(name string, dst *Duration) {
	if v, ok := e.get(name); ok {
		d, err := parseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = Duration(d)
	}
}

// users parses "name:password,name:password".
func (e *env) users(name string, dst *map[string]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	users := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		user, pass, found := strings.Cut(strings.TrimSpace(pair), ":")
		if !found || user == "" {
			e.fail(name, fmt.Errorf("entry %q is not name:password", pair))
			return
		}
		users[user] = pass
	}
	*dst = users
}

func (l *Loader) newEnv() *env {
	return &env{prefix: l.envPrefix, lookup: l.lookupEnv}
}

func (l *Loader) applyServerEnv(cfg *ServerConfig) error {
	e := l.newEnv()
	e.string("LISTEN", &cfg.Listen)
	e.duration("PING_INTERVAL", &cfg.PingInterval)
	e.float("AUTH_RATE", &cfg.AuthRate)
	e.int("AUTH_BURST", &cfg.AuthBurst)
	e.int("QUEUE_SIZE", &cfg.QueueSize)
	e.duration("TARGET_TTL", &cfg.TargetTTL)

	e.string("NATS_URL", &cfg.NATS.URL)
	e.string("NATS_USERNAME", &cfg.NATS.Username)
	e.string("NATS_PASSWORD", &cfg.NATS.Password)
	e.string("NATS_TOKEN", &cfg.NATS.Token)
	e.string("NATS_INGEST_SUBJECT", &cfg.NATS.IngestSubject)
	e.string("NATS_INBOUND_SUBJECT", &cfg.NATS.InboundSubject)

	e.users("USERS", &cfg.Identity.Users)
	e.string("USERS_FILE", &cfg.Identity.UsersFile)
	e.string("JWT_SECRET", &cfg.Identity.JWTSecret)
	e.duration("TOKEN_TTL", &cfg.Identity.TokenTTL)
	e.duration("RESERVATION_TTL", &cfg.Identity.ReservationTTL)
	e.string("STORE", &cfg.Identity.Store)
	e.string("REDIS_ADDR", &cfg.Identity.Redis.Addr)
	e.string("REDIS_PASSWORD", &cfg.Identity.Redis.Password)
	e.int("REDIS_DB", &cfg.Identity.Redis.DB)

	e.bool("TLS_ENABLED", &cfg.TLS.Enabled)
	e.string("TLS_CERT_FILE", &cfg.TLS.CertFile)
	e.string("TLS_KEY_FILE", &cfg.TLS.KeyFile)

	e.string("LOG_LEVEL", &cfg.Log.Level)
	e.string("LOG_FORMAT", &cfg.Log.Format)
	return e.err
}

func (l *Loader) applyTransponderEnv(cfg *TransponderConfig) error {
	e := l.newEnv()
	e.string("SERVER_URL", &cfg.ServerURL)
	e.string("USERNAME", &cfg.Username)
	e.string("PASSWORD", &cfg.Password)
	e.uint32("OWN_MMSI", &cfg.OwnMMSI)
	e.duration("RETRY_DELAY", &cfg.RetryDelay)
	e.string("BRIDGE_LISTEN", &cfg.BridgeListen)
	e.float("RECEIVE_RADIUS", &cfg.ReceiveRadius)
	e.duration("OWN_POS_INTERVAL", &cfg.OwnPosInterval)
	e.bool("SEND_PSTT", &cfg.SendPstt)
	e.string("STATUS_LISTEN", &cfg.StatusListen)
	e.bool("TLS_INSECURE_SKIP_VERIFY", &cfg.TLS.InsecureSkipVerify)
	e.string("LOG_LEVEL", &cfg.Log.Level)
	e.string("LOG_FORMAT", &cfg.Log.Format)
	return e.err
}

// String renders a configuration as YAML with secrets masked.
func String(cfg any) string {
	var masked any
	switch c := cfg.(type) {
	case *ServerConfig:
		cp := *c
		cp.Identity.JWTSecret = mask(cp.Identity.JWTSecret)
		cp.Identity.Redis.Password = mask(cp.Identity.Redis.Password)
		cp.NATS.Password = mask(cp.NATS.Password)
		cp.NATS.Token = mask(cp.NATS.Token)
		users := make(map[string]string, len(cp.Identity.Users))
		for u := range cp.Identity.Users {
			users[u] = mask("x")
		}
		cp.Identity.Users = users
		masked = &cp
	case *TransponderConfig:
		cp := *c
		cp.Password = mask(cp.Password)
		masked = &cp
	default:
		masked = cfg
	}
	data, err := yaml.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("<unprintable config: %v>", err)
	}
	return string(data)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

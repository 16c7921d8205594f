// Package identity authenticates session users and grants exclusive MMSI
// reservations.
package identity

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cynsky/AisVirtualNet/errors"
	"github.com/cynsky/AisVirtualNet/metric"
)

// ReservationResult is the outcome of ReserveIdentity.
type ReservationResult string

const (
	Reserved        ReservationResult = "RESERVED"
	AlreadyReserved ReservationResult = "ALREADY_RESERVED"
	InvalidToken    ReservationResult = "INVALID_TOKEN"
	InvalidIdentity ReservationResult = "INVALID_IDENTITY"
	ResultError     ReservationResult = "ERROR"
)

const maxMMSI = 999_999_999

// Broker validates credentials and tokens and arbitrates reservations.
// A reservation is held by the token subject, so a user reconnecting with a
// fresh token keeps its MMSI.
type Broker struct {
	users  *Users
	tokens *TokenIssuer
	store  ReservationStore
	ttl    time.Duration
	logger *slog.Logger

	metricsRegistry *metric.MetricsRegistry
	results         *prometheus.CounterVec
	authFailures    prometheus.Counter
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

func WithBrokerLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithReservationTTL sets how long reservations last without refresh.
func WithReservationTTL(ttl time.Duration) BrokerOption {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

func WithBrokerMetrics(registry *metric.MetricsRegistry) BrokerOption {
	return func(b *Broker) { b.metricsRegistry = registry }
}

// NewBroker wires users, token issuer and store. A nil store uses memory.
func NewBroker(users *Users, tokens *TokenIssuer, store ReservationStore, opts ...BrokerOption) (*Broker, error) {
	if users == nil || tokens == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Broker", "NewBroker", "check users and token issuer")
	}
	if store == nil {
		store = NewMemoryStore()
	}
	b := &Broker{users: users, tokens: tokens, store: store, ttl: DefaultReservationTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "identity-broker")

	if b.metricsRegistry != nil {
		b.results = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "identity", Name: "reservations_total",
			Help: "Reservation attempts by result",
		}, []string{"result"})
		b.authFailures = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "identity", Name: "auth_failures_total",
			Help: "Rejected authentication attempts",
		})
		if err := b.metricsRegistry.RegisterCounterVec("identity", "reservations", b.results); err != nil {
			b.logger.Warn("Failed to register metric", "metric", "reservations", "error", err)
		}
		if err := b.metricsRegistry.RegisterCounter("identity", "auth_failures", b.authFailures); err != nil {
			b.logger.Warn("Failed to register metric", "metric", "auth_failures", "error", err)
		}
	}
	return b, nil
}

// Authenticate returns a token for valid credentials. On failure the error
// carries the reason and no token is returned.
func (b *Broker) Authenticate(_ context.Context, username, password string) (string, error) {
	if username == "" || !b.users.Verify(username, password) {
		b.logger.Info("Authentication rejected", "username", username)
		if b.authFailures != nil {
			b.authFailures.Inc()
		}
		return "", errors.WrapInvalid(errors.ErrAuthenticationFailed, "Broker", "Authenticate",
			"verify credentials for "+username)
	}
	token, err := b.tokens.Issue(username)
	if err != nil {
		return "", err
	}
	b.logger.Debug("Authenticated", "username", username)
	return token, nil
}

// CheckToken reports whether token is valid. It has no side effects.
func (b *Broker) CheckToken(token string) bool {
	_, err := b.tokens.Subject(token)
	return err == nil
}

// ReserveIdentity grants mmsi to the token holder. A second holder gets
// AlreadyReserved and the first holder is left untouched.
func (b *Broker) ReserveIdentity(ctx context.Context, mmsi uint32, token string) ReservationResult {
	result := b.reserve(ctx, mmsi, token)
	if b.results != nil {
		b.results.WithLabelValues(string(result)).Inc()
	}
	return result
}

func (b *Broker) reserve(ctx context.Context, mmsi uint32, token string) ReservationResult {
	holder, err := b.tokens.Subject(token)
	if err != nil {
		return InvalidToken
	}
	if mmsi == 0 || mmsi > maxMMSI {
		return InvalidIdentity
	}
	ok, err := b.store.Reserve(ctx, mmsi, holder, b.ttl)
	if err != nil {
		b.logger.Warn("Reservation store failed", "mmsi", mmsi, "error", err)
		return ResultError
	}
	if !ok {
		b.logger.Info("MMSI already reserved", "mmsi", mmsi, "requester", holder)
		return AlreadyReserved
	}
	b.logger.Info("MMSI reserved", "mmsi", mmsi, "holder", holder)
	return Reserved
}

// ReleaseIdentity drops the token holder's reservation of mmsi.
func (b *Broker) ReleaseIdentity(ctx context.Context, mmsi uint32, token string) error {
	holder, err := b.tokens.Subject(token)
	if err != nil {
		return err
	}
	if err := b.store.Release(ctx, mmsi, holder); err != nil {
		return errors.Wrap(err, "Broker", "ReleaseIdentity", "release reservation")
	}
	b.logger.Info("MMSI released", "mmsi", mmsi, "holder", holder)
	return nil
}

// Holder returns who currently holds mmsi.
func (b *Broker) Holder(ctx context.Context, mmsi uint32) (string, bool, error) {
	return b.store.Holder(ctx, mmsi)
}

package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cynsky/AisVirtualNet/errors"
)

const (
	DefaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "aisvnet"
)

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. A zero ttl uses DefaultTokenTTL.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "TokenIssuer", "NewTokenIssuer", "check token secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// Issue returns a token for subject.
func (i *TokenIssuer) Issue(subject string) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
		"iss": tokenIssuer,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", errors.WrapFatal(err, "TokenIssuer", "Issue", "sign token")
	}
	return s, nil
}

// Subject verifies the token and returns its subject.
func (i *TokenIssuer) Subject(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		return "", errors.WrapInvalid(errors.ErrInvalidToken, "TokenIssuer", "Subject", "verify token")
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidToken, "TokenIssuer", "Subject", "read subject")
	}
	return sub, nil
}

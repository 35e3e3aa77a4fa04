// Package auth implements the identity verifier used during the real-time
// handshake: HMAC-signed JWTs whose subject is the user id, optionally
// checked against a Redis revocation list.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrMissingCredential is returned for an empty credential.
	ErrMissingCredential = errors.New("auth: missing credential")
	// ErrInvalidCredential is returned for malformed, expired or badly signed tokens.
	ErrInvalidCredential = errors.New("auth: invalid credential")
	// ErrRevoked is returned for tokens present on the revocation list.
	ErrRevoked = errors.New("auth: credential revoked")
)

// Claims are the JWT claims the verifier understands. The jti claim is used
// for revocation.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates bearer tokens.
type JWTVerifier struct {
	secret        []byte
	issuer        string
	revocations   *redis.Client
	revocationKey string
	logger        zerolog.Logger
}

// Option customises a JWTVerifier.
type Option func(*JWTVerifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) Option {
	return func(v *JWTVerifier) { v.issuer = issuer }
}

// WithRevocationList enables the revocation check against keys
// "<prefix>:<jti>" in Redis.
func WithRevocationList(client *redis.Client, prefix string) Option {
	return func(v *JWTVerifier) {
		v.revocations = client
		v.revocationKey = prefix
	}
}

// WithLogger sets the logger used for revocation lookup failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *JWTVerifier) { v.logger = logger }
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret string, opts ...Option) *JWTVerifier {
	v := &JWTVerifier{
		secret: []byte(secret),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the user id carried by credential. A leading "Bearer " is
// tolerated.
func (v *JWTVerifier) Verify(ctx context.Context, credential string) (string, error) {
	tokenString := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if tokenString == "" {
		return "", ErrMissingCredential
	}

	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, parserOpts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidCredential
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidCredential)
	}

	if v.isRevoked(ctx, claims.ID) {
		return "", ErrRevoked
	}
	return claims.Subject, nil
}

// isRevoked fails open: a Redis outage must not lock every user out.
func (v *JWTVerifier) isRevoked(ctx context.Context, jti string) bool {
	if v.revocations == nil || jti == "" {
		return false
	}

	key := fmt.Sprintf("%s:%s", v.revocationKey, jti)
	exists, err := v.revocations.Exists(ctx, key).Result()
	if err != nil {
		v.logger.Error().Err(err).Str("jti", jti).Msg("revocation lookup failed")
		return false
	}
	return exists == 1
}

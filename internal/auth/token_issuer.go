package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// SessionClaims carries the verified identity handed to the sync core. The
// identity id is opaque; display fields exist only so presence entries can
// show something human-readable.
type SessionClaims struct {
	Subject     string
	DisplayName string
	Email       string
	AvatarURL   string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	DisplayName string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"picture,omitempty"`
}

// TokenIssuerConfig configures the backend JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates the backend session JWTs carried on
// websocket and REST requests.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// IssueToken produces a signed JWT and its expiry (seconds) for the validated subject.
func (i *TokenIssuer) IssueToken(_ context.Context, claims SessionClaims) (string, int64, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", 0, errMissingSigningSecret
	}
	if claims.Subject == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	payload := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.Subject,
			Issuer:    i.config.Issuer,
			Audience:  []string{i.config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
		AvatarURL:   claims.AvatarURL,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, payload)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken ensures the session JWT is well formed and returns its claims.
func (i *TokenIssuer) ValidateToken(tokenString string) (SessionClaims, error) {
	if len(i.config.SigningSecret) == 0 {
		return SessionClaims{}, errMissingSigningSecret
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return SessionClaims{}, err
	}
	if claims.Subject == "" {
		return SessionClaims{}, errMissingSubjectClaim
	}
	return SessionClaims{
		Subject:     claims.Subject,
		DisplayName: claims.DisplayName,
		Email:       claims.Email,
		AvatarURL:   claims.AvatarURL,
	}, nil
}

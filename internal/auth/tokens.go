package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is the lifetime of executor tokens.
const DefaultTokenTTL = 100 * 24 * time.Hour

// ErrNoSecret is returned by NewTokens without a signing secret.
var ErrNoSecret = errors.New("executor token secret is not configured")

// ExecutorClaims bind an executor id to a user.
type ExecutorClaims struct {
	UserID     string `json:"user_id"`
	ExecutorID string `json:"uuid"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 executor tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token service. A zero ttl uses DefaultTokenTTL.
func NewTokens(secret string, ttl time.Duration) (*Tokens, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue creates a token for a new executor of userID.
func (t *Tokens) Issue(userID string) (token string, claims *ExecutorClaims, err error) {
	if userID == "" {
		return "", nil, fmt.Errorf("issuing executor token: empty user id")
	}
	now := t.now()
	claims = &ExecutorClaims{
		UserID:     userID,
		ExecutorID: uuid.NewString(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing executor token: %w", err)
	}
	return token, claims, nil
}

// Verify checks signature and expiry of token.
func (t *Tokens) Verify(token string) (*ExecutorClaims, error) {
	claims := &ExecutorClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" || claims.ExecutorID == "" {
		return nil, fmt.Errorf("%w: missing executor claims", ErrInvalidToken)
	}
	return claims, nil
}

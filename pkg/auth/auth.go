// Package auth issues and verifies the chat tokens presented on the
// WebSocket upgrade.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidClaims is returned when a token lacks the user or chat id.
	ErrInvalidClaims = errors.New("invalid chat claims")
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid token")
)

// ChatClaims identify the user and conversation a session belongs to.
type ChatClaims struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId"`
}

func (c ChatClaims) validate() error {
	if c.UserID == "" || c.ChatID == "" {
		return ErrInvalidClaims
	}
	return nil
}

type tokenClaims struct {
	ChatClaims
	jwt.RegisteredClaims
}

// Issuer signs and verifies HS256 chat tokens.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer with the shared secret.
func NewIssuer(secret string) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// Issue signs claims valid for ttl.
func (i *Issuer) Issue(claims ChatClaims, ttl time.Duration) (string, error) {
	if err := claims.validate(); err != nil {
		return "", err
	}
	now := i.now()
	tc := tokenClaims{
		ChatClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tc).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify checks the signature and expiry of token and returns its claims.
func (i *Issuer) Verify(token string) (ChatClaims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return ChatClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := tc.ChatClaims.validate(); err != nil {
		return ChatClaims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return tc.ChatClaims, nil
}

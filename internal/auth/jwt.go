// Package auth validates the bearer tokens protecting the read and
// management API. Tokens are issued by the platform's identity service; this
// service only verifies them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"telesync/internal/config"
	"telesync/internal/observability"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrExpiredToken = errors.New("token has expired")
	ErrInvalidToken = errors.New("token is invalid")
)

// Validator verifies HS256 bearer tokens.
type Validator struct {
	secret []byte
	logger *observability.Logger
}

// NewValidator creates a token validator from auth config.
func NewValidator(cfg config.AuthConfig, logger *observability.Logger) *Validator {
	return &Validator{secret: []byte(cfg.JWTSecret), logger: logger}
}

// ValidateToken parses and verifies a token, returning the user id from its
// subject claim.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrExpiredToken
		}
		v.logger.Warn(ctx, fmt.Sprintf("failed to parse token: %v", err))
		return uuid.Nil, ErrInvalidToken
	}
	if !token.Valid {
		return uuid.Nil, ErrInvalidToken
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return uuid.Nil, ErrInvalidToken
	}
	userID, err := uuid.Parse(subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return userID, nil
}

// GenerateToken signs a token for a user. Used by tests and local tooling;
// production tokens come from the identity service with the same secret.
func (v *Validator) GenerateToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iss": "telesync",
		"aud": "telesync",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

package auth

import (
	"errors"
	"time"
)

// Method is how a request proved its identity.
type Method string

const (
	MethodBasic Method = "basic"
	MethodJWT   Method = "jwt"
)

// Result describes an authenticated caller.
type Result struct {
	Username string `json:"username"`
	Method   Method `json:"method"`
}

// Token is returned by a successful login.
type Token struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

var (
	ErrMissingCredentials = errors.New("authentication required")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

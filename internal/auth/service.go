package auth

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "procwatch"

// Service checks credentials against the configured users and issues
// HS256 tokens.
type Service struct {
	users  map[string][]byte
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Claims is the JWT payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewService validates c and builds a Service.
func NewService(c Config) (*Service, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	secret := []byte(c.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
	}
	ttl := c.TokenTTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	users := make(map[string][]byte, len(c.Users))
	for _, u := range c.Users {
		users[u.Username] = []byte(u.PasswordHash)
	}
	return &Service{users: users, secret: secret, ttl: ttl, now: time.Now}, nil
}

// HashPassword returns the bcrypt hash to put in password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// CheckPassword verifies a username/password pair.
func (s *Service) CheckPassword(username, password string) (Result, error) {
	hash, ok := s.users[username]
	if !ok {
		return Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Username: username, Method: MethodBasic}, nil
}

// Login checks the password and issues a token.
func (s *Service) Login(username, password string) (Token, error) {
	if _, err := s.CheckPassword(username, password); err != nil {
		return Token{}, err
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Token: signed, TokenType: "Bearer", ExpiresAt: exp.UTC().Truncate(time.Second)}, nil
}

// Verify parses a token issued by Login. Tokens of users no longer in the
// configuration are rejected.
func (s *Service) Verify(token string) (Result, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Result{}, ErrInvalidToken
	}
	if _, ok := s.users[claims.Username]; !ok {
		return Result{}, ErrInvalidToken
	}
	return Result{Username: claims.Username, Method: MethodJWT}, nil
}

// Authenticate accepts a Bearer token, HTTP basic credentials, or an
// access_token query parameter for clients that cannot set headers
// (browser websockets).
func (s *Service) Authenticate(r *http.Request) (Result, error) {
	h := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(h, "Bearer "):
		return s.Verify(strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")))
	case strings.HasPrefix(h, "Basic "):
		user, pass, ok := r.BasicAuth()
		if !ok {
			return Result{}, ErrInvalidCredentials
		}
		return s.CheckPassword(user, pass)
	case h != "":
		return Result{}, ErrMissingCredentials
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return s.Verify(t)
	}
	return Result{}, ErrMissingCredentials
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is used when token_ttl is not set.
const DefaultTokenTTL = 24 * time.Hour

// User is one entry of [[server.auth.users]]. PasswordHash is a bcrypt hash,
// see `procwatch hash-password`.
type User struct {
	Username     string `json:"username" mapstructure:"username"`
	PasswordHash string `json:"password_hash" mapstructure:"password_hash"`
}

// Config is the [server.auth] section.
type Config struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// JWTSecret signs issued tokens. When empty a random secret is generated
	// at startup and tokens do not survive a restart.
	JWTSecret string        `json:"jwt_secret,omitempty" mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl" mapstructure:"token_ttl"`
	Users     []User        `json:"users" mapstructure:"users"`
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Users) == 0 {
		return errors.New("auth: enabled but no users are configured")
	}
	if c.TokenTTL < 0 {
		return errors.New("auth: token_ttl must not be negative")
	}
	seen := make(map[string]struct{}, len(c.Users))
	for i, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("auth: users[%d] has no username", i)
		}
		if _, dup := seen[u.Username]; dup {
			return fmt.Errorf("auth: duplicate user %q", u.Username)
		}
		seen[u.Username] = struct{}{}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return fmt.Errorf("auth: user %q: password_hash is not a bcrypt hash", u.Username)
		}
	}
	return nil
}

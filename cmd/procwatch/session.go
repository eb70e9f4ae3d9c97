package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// session is what `procwatch login` stores for later commands.
type session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	ServerURL string    `json:"server_url"`
}

type sessionStore struct {
	path string
}

// newSessionStore uses $PROCWATCH_SESSION or ~/.procwatch/session.json.
func newSessionStore() sessionStore {
	if p := os.Getenv("PROCWATCH_SESSION"); p != "" {
		return sessionStore{path: p}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return sessionStore{path: filepath.Join(home, ".procwatch", "session.json")}
}

func (s sessionStore) save(sess session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// load returns nil when there is no session or it has expired. Expired
// sessions are removed.
func (s sessionStore) load() (*session, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.clear()
		return nil, nil
	}
	return &sess, nil
}

func (s sessionStore) clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// tokenFor returns the stored token if it was issued by baseURL.
func (s sessionStore) tokenFor(baseURL string) string {
	sess, err := s.load()
	if err != nil || sess == nil || sess.ServerURL != baseURL {
		return ""
	}
	return sess.Token
}

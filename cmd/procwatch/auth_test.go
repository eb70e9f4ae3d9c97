package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/loykin/procwatch/internal/auth"
	"github.com/loykin/procwatch/internal/server"
)

func authDaemon(t *testing.T) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := auth.NewService(auth.Config{
		Enabled: true,
		Users:   []auth.User{{Username: "ops", PasswordHash: string(h)}},
	})
	require.NoError(t, err)
	base, _ := newTestDaemon(t, server.WithAuth(svc))
	return base
}

func TestCLI_LoginLogout(t *testing.T) {
	t.Setenv("PROCWATCH_SESSION", filepath.Join(t.TempDir(), "session.json"))
	t.Setenv("PROCWATCH_TOKEN", "")
	base := authDaemon(t)
	ctx := context.Background()

	out := &syncBuffer{}
	err := runCLI(ctx, out, "status", "--api-url", base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	require.Error(t, runCLI(ctx, out, "login", "--api-url", base, "-u", "ops", "-p", "bad"))

	out = &syncBuffer{}
	require.NoError(t, runCLI(ctx, out, "login", "--api-url", base, "-u", "ops", "-p", "pw"))
	assert.Contains(t, out.String(), "logged in as ops")

	require.NoError(t, runCLI(ctx, &syncBuffer{}, "status", "--api-url", base))

	// the saved token is bound to the daemon it came from
	require.Error(t, runCLI(ctx, &syncBuffer{}, "status", "--api-url", base+"/"))

	require.NoError(t, runCLI(ctx, &syncBuffer{}, "logout"))
	require.Error(t, runCLI(ctx, &syncBuffer{}, "status", "--api-url", base))
}

func TestCLI_TokenFlagAndEnv(t *testing.T) {
	t.Setenv("PROCWATCH_SESSION", filepath.Join(t.TempDir(), "session.json"))
	t.Setenv("PROCWATCH_TOKEN", "")
	base := authDaemon(t)
	ctx := context.Background()

	c, err := newCommand(GlobalFlags{APIUrl: base, APITimeout: time.Second, Output: "table"}, &syncBuffer{})
	require.NoError(t, err)
	tok, err := c.api.Login(ctx, "ops", "pw")
	require.NoError(t, err)

	require.NoError(t, runCLI(ctx, &syncBuffer{}, "status", "--api-url", base, "--token", tok.Token))

	t.Setenv("PROCWATCH_TOKEN", tok.Token)
	require.NoError(t, runCLI(ctx, &syncBuffer{}, "status", "--api-url", base))
}

func TestCLI_HashPassword(t *testing.T) {
	out := &syncBuffer{}
	require.NoError(t, runCLI(context.Background(), out, "hash-password", "hunter2"))
	h := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("hunter2")))

	root := buildRoot()
	out = &syncBuffer{}
	root.SetOut(out)
	root.SetIn(strings.NewReader("from-stdin\n"))
	root.SetArgs([]string{"hash-password"})
	require.NoError(t, root.Execute())
	h = strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("from-stdin")))
}

func TestReadSecret(t *testing.T) {
	s, err := readSecret(strings.NewReader("pw\r\nrest"))
	require.NoError(t, err)
	assert.Equal(t, "pw", s)

	s, err = readSecret(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", s)

	_, err = readSecret(strings.NewReader(""))
	assert.Error(t, err)
}

func TestSessionStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	t.Setenv("PROCWATCH_SESSION", path)
	s := newSessionStore()
	assert.Equal(t, path, s.path)

	sess, err := s.load()
	require.NoError(t, err)
	assert.Nil(t, sess)

	require.NoError(t, s.save(session{Token: "t", ExpiresAt: time.Now().Add(time.Hour), ServerURL: "http://a/api"}))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	assert.Equal(t, "t", s.tokenFor("http://a/api"))
	assert.Empty(t, s.tokenFor("http://b/api"))

	require.NoError(t, s.save(session{Token: "old", ExpiresAt: time.Now().Add(-time.Minute), ServerURL: "http://a/api"}))
	assert.Empty(t, s.tokenFor("http://a/api"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, s.clear())
}

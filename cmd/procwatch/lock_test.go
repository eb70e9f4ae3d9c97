package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "procwatch.lock")

	release, err := acquireLock(path)
	require.NoError(t, err)

	_, err = acquireLock(path)
	assert.ErrorIs(t, err, errAlreadyRunning)

	release()
	release2, err := acquireLock(path)
	require.NoError(t, err)
	release2()
}

func TestAcquireLock_EmptyPath(t *testing.T) {
	release, err := acquireLock("")
	require.NoError(t, err)
	release()
}

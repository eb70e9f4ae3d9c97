//go:build !windows

package supervisor

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwatch/internal/logger"
	"github.com/loykin/procwatch/internal/process"
)

type lockedBuffer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *lockedBuffer) snapshot() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String(), b.closed
}

func TestWorker_RealProcessStopEscalates(t *testing.T) {
	script := filepath.Join(t.TempDir(), "stubborn.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\ntrap '' TERM\nwhile true; do sleep 0.1; done\n"), 0o755))

	rec := &recorder{}
	w := NewWorker(Options{
		Config:       TargetConfig{Name: "stubborn", Path: script},
		Emit:         rec.emit,
		TickInterval: 50 * time.Millisecond,
		StopGrace:    200 * time.Millisecond,
	})
	w.Start()
	waitStatus(t, w, StatusRunning)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	w.Stop()
	assert.Less(t, time.Since(start), 200*time.Millisecond+process.KillWait+time.Second)
	assert.Equal(t, StatusStopped, w.Snapshot().Status)
}

func TestWorker_RealProcessCrashRestart(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(Options{
		Config: TargetConfig{
			Name:        "flaky",
			Path:        "/bin/sh",
			Args:        []string{"-c", "exit 1"},
			MaxRestarts: 2,
		},
		Emit:         rec.emit,
		TickInterval: 50 * time.Millisecond,
	})
	w.Start()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not reach the restart limit")
	}
	assert.Equal(t, StatusErrored, w.Snapshot().Status)
	assert.Equal(t, 2, w.Snapshot().RestartCount)
	w.Stop()
}

func TestWorker_CaptureOutputAndFiles(t *testing.T) {
	rec := &recorder{}
	out := &lockedBuffer{}
	dir := t.TempDir()
	fileCfg := logger.FileConfig{Dir: dir}

	w := NewWorker(Options{
		Config: TargetConfig{
			Name:          "chatty",
			Path:          "/bin/sh",
			Args:          []string{"-c", "echo hello; echo oops >&2; sleep 30"},
			CaptureOutput: true,
			Log:           fileCfg,
		},
		Emit: rec.emit,
		Output: func(name string) (io.Writer, io.Writer, []io.Closer, error) {
			o, e, err := fileCfg.Writers(name)
			if err != nil {
				return nil, nil, nil, err
			}
			return io.MultiWriter(o, out), e, []io.Closer{o, e, out}, nil
		},
		TickInterval: 50 * time.Millisecond,
		StopGrace:    time.Second,
	})
	w.Start()
	require.Eventually(t, func() bool {
		return rec.hasLog("[stdout] hello") && rec.hasLog("[stderr] oops")
	}, 5*time.Second, 10*time.Millisecond)

	w.Stop()
	require.Eventually(t, func() bool {
		_, closed := out.snapshot()
		return closed
	}, 5*time.Second, 10*time.Millisecond)
	s, _ := out.snapshot()
	assert.Equal(t, "hello\n", s)

	b, err := os.ReadFile(filepath.Join(dir, "chatty.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "oops\n", string(b))
}

func TestWorker_EnvIsPassedToChild(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(Options{
		Config: TargetConfig{
			Name:          "env",
			Path:          "/bin/sh",
			Args:          []string{"-c", "echo $PROCWATCH_TEST_VALUE; sleep 30"},
			CaptureOutput: true,
		},
		Env:          []string{"PATH=/usr/bin:/bin", "PROCWATCH_TEST_VALUE=from-env"},
		Emit:         rec.emit,
		TickInterval: 50 * time.Millisecond,
		StopGrace:    time.Second,
	})
	w.Start()
	defer w.Stop()
	require.Eventually(t, func() bool { return rec.hasLog("[stdout] from-env") }, 5*time.Second, 10*time.Millisecond)
}

package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

func TestProcessWriters_DirDerivesPaths(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := Config{File: FileConfig{Dir: dir}}
	require.True(t, cfg.File.Enabled())

	outW, errW, err := cfg.ProcessWriters("demo")
	require.NoError(t, err)
	require.NotNil(t, outW)
	require.NotNil(t, errW)
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	require.NoError(t, outW.Close())
	require.NoError(t, errW.Close())

	b, err := os.ReadFile(filepath.Join(dir, "demo.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "hello-out\n", string(b))
	_, err = os.Stat(filepath.Join(dir, "demo.stderr.log"))
	assert.NoError(t, err)
}

func TestProcessWriters_NothingConfigured(t *testing.T) {
	cfg := Config{}
	assert.False(t, cfg.File.Enabled())
	outW, errW, err := cfg.ProcessWriters("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.Nil(t, errW)
}

func TestProcessWriters_RotationSettings(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name               string
		file               FileConfig
		size, backups, age int
		compress           bool
	}{
		{"defaults", FileConfig{StdoutPath: filepath.Join(dir, "a"), StderrPath: filepath.Join(dir, "b")}, 10, 3, 7, false},
		{"overrides", FileConfig{StdoutPath: filepath.Join(dir, "c"), StderrPath: filepath.Join(dir, "d"), MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}, 1, 9, 11, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outW, errW, err := tt.file.Writers("n")
			require.NoError(t, err)
			for _, w := range []any{outW, errW} {
				l, ok := w.(*lj.Logger)
				require.True(t, ok)
				assert.Equal(t, tt.size, l.MaxSize)
				assert.Equal(t, tt.backups, l.MaxBackups)
				assert.Equal(t, tt.age, l.MaxAge)
				assert.Equal(t, tt.compress, l.Compress)
			}
		})
	}
}

func TestProcessWriters_OnlyOneStream(t *testing.T) {
	dir := t.TempDir()
	outW, errW, err := FileConfig{StdoutPath: filepath.Join(dir, "only-stdout.log")}.Writers("n")
	require.NoError(t, err)
	assert.NotNil(t, outW)
	assert.Nil(t, errW)
	_ = outW.Close()

	outW, errW, err = FileConfig{StderrPath: filepath.Join(dir, "only-stderr.log")}.Writers("n")
	require.NoError(t, err)
	assert.Nil(t, outW)
	assert.NotNil(t, errW)
	_ = errW.Close()
}

func TestSlogConfig_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := SlogConfig{Level: LevelWarn, Format: FormatJSON}.NewWithWriter(&buf)
	l.Info("hidden")
	l.Warn("shown", "target", "web")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "web", rec["target"])
	_, hasTime := rec["time"]
	assert.False(t, hasTime, "timestamps disabled")
}

func TestSlogConfig_ColorKeepsColorOnDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := SlogConfig{Level: LevelDebug, Color: true, TimeStamps: true}.NewWithWriter(&buf)
	l.With("target", "web").Error("boom")
	out := buf.String()
	assert.Contains(t, out, "\033[31mERROR\033[0m")
	assert.Contains(t, out, "target=web")
	assert.Contains(t, out, "time=")
}

func TestSlogConfig_FileOutput(t *testing.T) {
	p := filepath.Join(t.TempDir(), "daemon.log")
	l := Config{Slog: SlogConfig{Level: LevelInfo, Path: p, Color: true}}.NewSlogger()
	l.Info("to-file")

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to-file")
	assert.NotContains(t, string(b), "\033[")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, l)

	l, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, LevelInfo, c.Slog.Level)
	assert.Equal(t, FormatText, c.Slog.Format)
	assert.True(t, c.Slog.TimeStamps)
	assert.False(t, c.File.Enabled())
}

package client

import "time"

// Schedule configures periodic forced restarts of a target.
type Schedule struct {
	Enabled bool   `json:"enabled"`
	Value   int    `json:"value"`
	Unit    string `json:"unit"` // seconds, minutes or hours
}

type Telegram struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

type LogFiles struct {
	Dir        string `json:"dir,omitempty"`
	StdoutPath string `json:"stdout,omitempty"`
	StderrPath string `json:"stderr,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// TargetConfig is the wire form of a supervised executable.
type TargetConfig struct {
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	Args          []string `json:"args,omitempty"`
	Interpreter   string   `json:"interpreter,omitempty"`
	WorkDir       string   `json:"work_dir,omitempty"`
	Env           []string `json:"env,omitempty"`
	MaxRestarts   int      `json:"max_restarts"`
	CheckInterval int      `json:"check_interval"`
	Telegram      Telegram `json:"telegram"`
	Schedule      Schedule `json:"schedule"`
	AutoStart     bool     `json:"autostart"`
	CaptureOutput bool     `json:"capture_output"`
	Log           LogFiles `json:"log"`
}

type StatSample struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryMB     float64 `json:"memory_mb"`
	RestartCount int     `json:"restart_count"`
	Uptime       string  `json:"uptime"`
}

// RuntimeState is a point-in-time snapshot of one target.
type RuntimeState struct {
	Name                   string     `json:"name"`
	Status                 string     `json:"status"`
	PID                    int        `json:"pid,omitempty"`
	RestartCount           int        `json:"restart_count"`
	MaxRestarts            int        `json:"max_restarts"`
	StartTime              time.Time  `json:"start_time,omitempty"`
	NextScheduledRestartAt *time.Time `json:"next_scheduled_restart_at,omitempty"`
	LastStats              StatSample `json:"last_stats"`
	LastError              string     `json:"last_error,omitempty"`
}

type Target struct {
	Config TargetConfig `json:"config"`
	State  RuntimeState `json:"state"`
}

type StatPoint struct {
	At     time.Time  `json:"at"`
	Sample StatSample `json:"sample"`
}

// HistoryRecord is one persisted lifecycle event.
type HistoryRecord struct {
	ID           string    `json:"id"`
	Target       string    `json:"target"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status,omitempty"`
	Message      string    `json:"message,omitempty"`
	RestartCount int       `json:"restart_count"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryMB     float64   `json:"memory_mb"`
	OccurredAt   time.Time `json:"occurred_at"`
}

type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumCPU        int     `json:"num_cpu"`
}

// Event is one message of the /events stream.
type Event struct {
	ID     string     `json:"id"`
	Kind   string     `json:"kind"`
	Target string     `json:"target"`
	Time   time.Time  `json:"time"`
	Text   string     `json:"text,omitempty"`
	Status string     `json:"status,omitempty"`
	Stats  StatSample `json:"stats"`
	Error  string     `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Token is the response of POST /auth/login.
type Token struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loykin/procwatch/internal/metrics"
)

const (
	DefaultAPIBase       = "https://api.telegram.org"
	DefaultTimeout       = 5 * time.Second
	DefaultRatePerMinute = 20
	DefaultBurst         = 5
	messagePrefix        = "🤖 procwatch:\n"
)

// ErrNotConfigured is returned by Send when the target has no usable Telegram settings.
var ErrNotConfigured = errors.New("telegram notifications are not configured")

// Config holds the per-target Telegram settings.
type Config struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Token   string `json:"token,omitempty" mapstructure:"token"`
	ChatID  string `json:"chat_id,omitempty" mapstructure:"chat_id"`
}

// Configured reports whether a push can be attempted.
func (c Config) Configured() bool {
	return c.Enabled && c.Token != "" && c.ChatID != ""
}

// Redacted returns a copy safe to expose over the API.
func (c Config) Redacted() Config {
	if c.Token != "" {
		c.Token = "****"
	}
	return c
}

// Options configure a Dispatcher. Zero values fall back to the defaults above.
type Options struct {
	APIBase       string        `mapstructure:"api_base"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerMinute float64       `mapstructure:"rate_per_minute"`
	Burst         int           `mapstructure:"burst"`

	Client *http.Client `mapstructure:"-"`
	Logger *slog.Logger `mapstructure:"-"`
}

// Dispatcher pushes messages to the Telegram Bot API. Notify never blocks the
// caller and never reports failure; Send is the synchronous variant.
type Dispatcher struct {
	apiBase string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	closed   bool

	wg sync.WaitGroup
}

func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		apiBase:  strings.TrimRight(opts.APIBase, "/"),
		timeout:  opts.Timeout,
		client:   opts.Client,
		logger:   opts.Logger,
		limiters: make(map[string]*rate.Limiter),
	}
	if d.apiBase == "" {
		d.apiBase = DefaultAPIBase
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: d.timeout}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	perMin := opts.RatePerMinute
	if perMin <= 0 {
		perMin = DefaultRatePerMinute
	}
	d.limit = rate.Limit(perMin / 60)
	d.burst = opts.Burst
	if d.burst <= 0 {
		d.burst = DefaultBurst
	}
	return d
}

// Notify sends msg in the background. It is a no-op when cfg is not
// configured, after Close, or when the chat's rate limit is exhausted.
func (d *Dispatcher) Notify(cfg Config, msg string) {
	if d == nil || !cfg.Configured() {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if !d.limiterLocked(cfg).Allow() {
		d.mu.Unlock()
		metrics.IncNotification("dropped")
		d.logger.Debug("notification dropped by rate limit", "chat_id", cfg.ChatID)
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.Send(ctx, cfg, msg); err != nil {
			d.logger.Warn("notification failed", "chat_id", cfg.ChatID, "error", err)
		}
	}()
}

// Send performs one push and reports the outcome. It bypasses the rate limit.
func (d *Dispatcher) Send(ctx context.Context, cfg Config, msg string) error {
	if !cfg.Configured() {
		return ErrNotConfigured
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	form := url.Values{}
	form.Set("chat_id", cfg.ChatID)
	form.Set("text", messagePrefix+msg)
	form.Set("parse_mode", "HTML")

	u := fmt.Sprintf("%s/bot%s/sendMessage", d.apiBase, cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		metrics.IncNotification("failed")
		return fmt.Errorf("telegram request: %w", redact(err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := d.client.Do(req)
	if err != nil {
		metrics.IncNotification("failed")
		return fmt.Errorf("telegram sendMessage: %w", redact(err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		metrics.IncNotification("failed")
		return fmt.Errorf("telegram sendMessage status %d", resp.StatusCode)
	}
	metrics.IncNotification("sent")
	return nil
}

// Close stops accepting pushes and waits for in-flight ones.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) limiterLocked(cfg Config) *rate.Limiter {
	key := cfg.Token + "|" + cfg.ChatID
	l, ok := d.limiters[key]
	if !ok {
		l = rate.NewLimiter(d.limit, d.burst)
		d.limiters[key] = l
	}
	return l
}

// redact strips the request URL (which embeds the bot token) from transport errors.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

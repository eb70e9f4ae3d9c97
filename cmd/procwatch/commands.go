package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loykin/procwatch/internal/config"
	"github.com/loykin/procwatch/pkg/client"
)

// GlobalFlags are the persistent flags shared by every client command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Output     string
	CAFile     string
	Insecure   bool
	Token      string
}

// RegisterFlags holds flags for the register command
type RegisterFlags struct {
	File          string
	Name          string
	Path          string
	Args          []string
	Interpreter   string
	WorkDir       string
	Env           []string
	MaxRestarts   int
	CheckInterval int
	Every         time.Duration
	TelegramToken string
	TelegramChat  string
	CaptureOutput bool
	AutoStart     bool
	LogDir        string
	Start         bool
}

// command bundles a daemon client with the printer selected by --output.
type command struct {
	api     *client.Client
	out     printer
	baseURL string
}

func newCommand(g GlobalFlags, w io.Writer) (command, error) {
	format, err := parseOutput(g.Output)
	if err != nil {
		return command{}, err
	}
	base, caFile, err := resolveBaseURL(g)
	if err != nil {
		return command{}, err
	}
	if g.CAFile != "" {
		caFile = g.CAFile
	}
	tc, err := clientTLS(caFile, g.Insecure)
	if err != nil {
		return command{}, err
	}
	return command{
		api: client.New(client.Config{
			BaseURL:   base,
			Timeout:   g.APITimeout,
			TLSConfig: tc,
			Token:     resolveToken(g, base),
		}),
		out:     printer{w: w, format: format},
		baseURL: base,
	}, nil
}

// resolveToken prefers --token, then $PROCWATCH_TOKEN, then a saved login
// for the same daemon.
func resolveToken(g GlobalFlags, baseURL string) string {
	if g.Token != "" {
		return g.Token
	}
	if t := os.Getenv("PROCWATCH_TOKEN"); t != "" {
		return t
	}
	return newSessionStore().tokenFor(baseURL)
}

// resolveBaseURL prefers --api-url, then the [server] section of --config.
// With a config whose TLS certificate is auto-generated it also returns the
// CA file to trust.
func resolveBaseURL(g GlobalFlags) (string, string, error) {
	if g.APIUrl != "" {
		return g.APIUrl, "", nil
	}
	if g.ConfigPath == "" {
		return client.DefaultBaseURL, "", nil
	}
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return "", "", fmt.Errorf("error loading config: %w", err)
	}
	t := cfg.Server.TLS
	var caFile string
	if t.Enabled && t.AutoGenerate && t.CertFile == "" {
		caFile = filepath.Join(t.Dir, "tls_ca.crt")
	}
	return baseURLFor(cfg.Server.Listen, cfg.Server.BasePath, t.Enabled), caFile, nil
}

func baseURLFor(listen, basePath string, secure bool) string {
	scheme := "http://"
	if secure {
		scheme = "https://"
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return scheme + listen + basePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + net.JoinHostPort(host, port) + basePath
}

func clientTLS(caFile string, insecure bool) (*tls.Config, error) {
	if caFile == "" && !insecure {
		return nil, nil
	}
	tc := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: insecure} // #nosec G402 -- opt-in via --insecure
	if caFile != "" {
		pem, err := os.ReadFile(caFile) // #nosec G304
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// Login stores a token for later commands against the same daemon.
func (c command) Login(ctx context.Context, username, password string) error {
	tok, err := c.api.Login(ctx, username, password)
	if err != nil {
		return err
	}
	store := newSessionStore()
	err = store.save(session{Token: tok.Token, ExpiresAt: tok.ExpiresAt, Username: username, ServerURL: c.baseURL})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, err = fmt.Fprintf(c.out.w, "logged in as %s until %s\n", username, tok.ExpiresAt.Local().Format(time.RFC3339))
	return err
}

func (c command) Status(ctx context.Context, name string) error {
	if name == "" {
		ts, err := c.api.Targets(ctx)
		if err != nil {
			return err
		}
		return c.out.targets(ts)
	}
	t, err := c.api.Target(ctx, name)
	if err != nil {
		return err
	}
	return c.out.targets([]client.Target{t})
}

func (c command) Start(ctx context.Context, name string) error {
	st, err := c.api.Start(ctx, name)
	if err != nil {
		return err
	}
	return c.out.state(st)
}

func (c command) Stop(ctx context.Context, name string) error {
	st, err := c.api.Stop(ctx, name)
	if err != nil {
		return err
	}
	return c.out.state(st)
}

func (c command) Register(ctx context.Context, f RegisterFlags) error {
	cfg, err := f.targetConfig()
	if err != nil {
		return err
	}
	t, err := c.api.Register(ctx, cfg, f.Start)
	if err != nil {
		return err
	}
	return c.out.targets([]client.Target{t})
}

func (c command) Unregister(ctx context.Context, name string) error {
	if err := c.api.Unregister(ctx, name); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out.w, "unregistered %s\n", name)
	return err
}

func (c command) Reset(ctx context.Context, name string) error {
	if err := c.api.ResetRestarts(ctx, name); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out.w, "restart count of %s reset\n", name)
	return err
}

func (c command) NotifyTest(ctx context.Context, name string) error {
	if err := c.api.TestNotification(ctx, name); err != nil {
		return err
	}
	_, err := fmt.Fprintf(c.out.w, "test notification sent for %s\n", name)
	return err
}

func (c command) Stats(ctx context.Context, name string) error {
	pts, err := c.api.Stats(ctx, name)
	if err != nil {
		return err
	}
	return c.out.stats(pts)
}

func (c command) History(ctx context.Context, name string, limit int) error {
	recs, err := c.api.History(ctx, name, limit)
	if err != nil {
		return err
	}
	return c.out.history(recs)
}

func (c command) System(ctx context.Context) error {
	s, err := c.api.System(ctx)
	if err != nil {
		return err
	}
	return c.out.system(s)
}

// Events streams events until ctx is cancelled. json and yaml output emit
// one document per event.
func (c command) Events(ctx context.Context, name string) error {
	var werr error
	err := c.api.Events(ctx, name, func(ev client.Event) {
		if werr != nil {
			return
		}
		if c.out.format == outputTable {
			_, werr = fmt.Fprintln(c.out.w, eventLine(ev))
			return
		}
		werr = c.out.print(ev, nil)
	})
	if err != nil {
		return err
	}
	return werr
}

// targetConfig builds the wire config from --file, with flags layered on top.
func (f RegisterFlags) targetConfig() (client.TargetConfig, error) {
	var cfg client.TargetConfig
	if f.File != "" {
		loaded, err := readTargetFile(f.File)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if f.Name != "" {
		cfg.Name = f.Name
	}
	if f.Path != "" {
		cfg.Path = f.Path
	}
	if len(f.Args) > 0 {
		cfg.Args = f.Args
	}
	if f.Interpreter != "" {
		cfg.Interpreter = f.Interpreter
	}
	if f.WorkDir != "" {
		cfg.WorkDir = f.WorkDir
	}
	if len(f.Env) > 0 {
		cfg.Env = append(cfg.Env, f.Env...)
	}
	if f.MaxRestarts > 0 {
		cfg.MaxRestarts = f.MaxRestarts
	}
	if f.CheckInterval > 0 {
		cfg.CheckInterval = f.CheckInterval
	}
	if f.Every > 0 {
		s, err := scheduleFor(f.Every)
		if err != nil {
			return cfg, err
		}
		cfg.Schedule = client.Schedule{Enabled: true, Value: s.Value, Unit: string(s.Unit)}
	}
	if f.TelegramToken != "" || f.TelegramChat != "" {
		cfg.Telegram = client.Telegram{Enabled: true, Token: f.TelegramToken, ChatID: f.TelegramChat}
	}
	if f.CaptureOutput {
		cfg.CaptureOutput = true
	}
	if f.AutoStart {
		cfg.AutoStart = true
	}
	if f.LogDir != "" {
		cfg.Log.Dir = f.LogDir
	}
	if cfg.Name == "" && cfg.Path != "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(cfg.Path), filepath.Ext(cfg.Path))
	}
	if cfg.Path == "" {
		return cfg, errors.New("a path is required (positional argument or --file)")
	}
	return cfg, nil
}

// readTargetFile accepts JSON or YAML keyed like the API.
func readTargetFile(path string) (client.TargetConfig, error) {
	var cfg client.TargetConfig
	b, err := os.ReadFile(path) // #nosec G304 -- operator supplied
	if err != nil {
		return cfg, err
	}
	var generic any
	if err := yaml.Unmarshal(b, &generic); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	j, err := json.Marshal(generic)
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := json.Unmarshal(j, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

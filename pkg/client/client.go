package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const DefaultBaseURL = "http://127.0.0.1:8080/api"

// Client talks to a procwatch daemon over its HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	tls     *tls.Config
	token   string
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	// TLSConfig is used for https:// base URLs, e.g. to trust a self-signed daemon.
	TLSConfig *tls.Config
	// Token is sent as a bearer token when the daemon requires auth.
	Token string
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 10 * time.Second}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLSConfig != nil {
		transport.TLSClientConfig = config.TLSConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		tls:     config.TLSConfig,
		token:   config.Token,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/targets", nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Targets(ctx context.Context) ([]Target, error) {
	var out []Target
	return out, c.do(ctx, http.MethodGet, "/targets", nil, &out)
}

func (c *Client) Target(ctx context.Context, name string) (Target, error) {
	var out Target
	return out, c.do(ctx, http.MethodGet, "/targets/"+url.PathEscape(name), nil, &out)
}

// Register adds a target; start also launches it.
func (c *Client) Register(ctx context.Context, cfg TargetConfig, start bool) (Target, error) {
	c.logger.Debug("Registering target", "name", cfg.Name, "path", cfg.Path)
	p := "/targets"
	if start {
		p += "?start=true"
	}
	var out Target
	return out, c.do(ctx, http.MethodPost, p, cfg, &out)
}

func (c *Client) Update(ctx context.Context, cfg TargetConfig) (Target, error) {
	var out Target
	return out, c.do(ctx, http.MethodPut, "/targets/"+url.PathEscape(cfg.Name), cfg, &out)
}

func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/targets/"+url.PathEscape(name), nil, nil)
}

func (c *Client) Start(ctx context.Context, name string) (RuntimeState, error) {
	var out RuntimeState
	return out, c.do(ctx, http.MethodPost, "/targets/"+url.PathEscape(name)+"/start", nil, &out)
}

func (c *Client) Stop(ctx context.Context, name string) (RuntimeState, error) {
	var out RuntimeState
	return out, c.do(ctx, http.MethodPost, "/targets/"+url.PathEscape(name)+"/stop", nil, &out)
}

// ResetRestarts clears the carried restart count of a stopped target.
func (c *Client) ResetRestarts(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/targets/"+url.PathEscape(name)+"/reset", nil, nil)
}

func (c *Client) TestNotification(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/targets/"+url.PathEscape(name)+"/notify/test", nil, nil)
}

func (c *Client) Stats(ctx context.Context, name string) ([]StatPoint, error) {
	var out []StatPoint
	return out, c.do(ctx, http.MethodGet, "/targets/"+url.PathEscape(name)+"/stats", nil, &out)
}

func (c *Client) History(ctx context.Context, name string, limit int) ([]HistoryRecord, error) {
	p := "/targets/" + url.PathEscape(name) + "/history"
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []HistoryRecord
	return out, c.do(ctx, http.MethodGet, p, nil, &out)
}

func (c *Client) System(ctx context.Context) (SystemStats, error) {
	var out SystemStats
	return out, c.do(ctx, http.MethodGet, "/system", nil, &out)
}

// Events streams daemon events to fn until ctx is done or the connection
// drops. An empty target subscribes to every target.
func (c *Client) Events(ctx context.Context, target string, fn func(Event)) error {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if target != "" {
		u.RawQuery = url.Values{"target": {target}}.Encode()
	}
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = c.tls
	conn, resp, err := dialer.DialContext(ctx, u.String(), c.authHeader())
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return decodeError(resp)
		}
		return fmt.Errorf("dial events: %w", err)
	}
	defer func() { _ = conn.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		fn(ev)
	}
}

// Login exchanges credentials for a token. It does not change the token the
// client sends; build a new Client with Config.Token for that.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	var out Token
	in := map[string]string{"username": username, "password": password}
	return out, c.do(ctx, http.MethodPost, "/auth/login", in, &out)
}

func (c *Client) authHeader() http.Header {
	if c.token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + c.token}}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.authHeader() {
		req.Header[k] = v
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var er ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&er)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}

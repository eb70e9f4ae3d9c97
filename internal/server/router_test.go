package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwatch/internal/history"
	"github.com/loykin/procwatch/internal/history/sqlite"
	"github.com/loykin/procwatch/internal/manager"
	"github.com/loykin/procwatch/internal/metrics"
	"github.com/loykin/procwatch/internal/notify"
	"github.com/loykin/procwatch/internal/process"
	"github.com/loykin/procwatch/internal/supervisor"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeProc struct {
	pid   int
	alive atomic.Bool
}

func (p *fakeProc) PID() int                 { return p.pid }
func (p *fakeProc) Alive() bool              { return p.alive.Load() }
func (p *fakeProc) Stop(time.Duration) error { p.alive.Store(false); return nil }

type spawner struct {
	mu    sync.Mutex
	calls int
}

func (s *spawner) spawn(process.Options) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	p := &fakeProc{pid: 1000 + s.calls}
	p.alive.Store(true)
	return p, nil
}

type fixedIntrospector struct{}

func (fixedIntrospector) Usage(int) (metrics.Usage, error) {
	return metrics.Usage{CPUPercent: 1, RSSBytes: 4 << 20}, nil
}

func newTestManager(t *testing.T, mutate ...func(*manager.Options)) *manager.Manager {
	t.Helper()
	sp := &spawner{}
	opts := manager.Options{
		Spawn:        sp.spawn,
		Introspector: fixedIntrospector{},
		TickInterval: 10 * time.Millisecond,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	m := manager.New(opts)
	t.Cleanup(m.Shutdown)
	return m
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestTargetsLifecycle(t *testing.T) {
	mgr := newTestManager(t)
	h := NewRouter(mgr, "/api").Handler()

	rec := do(t, h, http.MethodGet, "/api/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]TargetView](t, rec))

	cfg := supervisor.TargetConfig{
		Name:     "api",
		Path:     "/bin/api",
		Telegram: notify.Config{Enabled: true, Token: "secret-token", ChatID: "1"},
	}
	rec = do(t, h, http.MethodPost, "/api/targets", cfg)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decode[TargetView](t, rec)
	assert.Equal(t, supervisor.StatusStopped, v.State.Status)
	assert.Equal(t, supervisor.DefaultMaxRestarts, v.Config.MaxRestarts)
	assert.NotContains(t, rec.Body.String(), "secret-token")

	rec = do(t, h, http.MethodPost, "/api/targets", cfg)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/targets/api/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	st := decode[supervisor.RuntimeState](t, rec)
	assert.Contains(t, []supervisor.Status{supervisor.StatusStarting, supervisor.StatusRunning}, st.Status)

	rec = do(t, h, http.MethodPost, "/api/targets/api/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/targets/api", supervisor.TargetConfig{Path: "/bin/other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/targets/api/stats", nil)
		return rec.Code == http.StatusOK && len(decode[[]metrics.Point](t, rec)) > 0
	}, 3*time.Second, 20*time.Millisecond)

	rec = do(t, h, http.MethodPost, "/api/targets/api/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.StatusStopped, decode[supervisor.RuntimeState](t, rec).Status)

	rec = do(t, h, http.MethodPut, "/api/targets/api", supervisor.TargetConfig{Path: "/bin/other", MaxRestarts: 2})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v = decode[TargetView](t, rec)
	assert.Equal(t, "/bin/other", v.Config.Path)
	assert.Equal(t, 2, v.Config.MaxRestarts)

	rec = do(t, h, http.MethodPost, "/api/targets/api/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/targets", nil)
	require.Len(t, decode[[]TargetView](t, rec), 1)

	rec = do(t, h, http.MethodDelete, "/api/targets/api", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/targets/api", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterAndStart(t *testing.T) {
	mgr := newTestManager(t)
	h := NewRouter(mgr, "").Handler()

	rec := do(t, h, http.MethodPost, "/targets?start=true", supervisor.TargetConfig{Name: "w", Path: "/bin/w"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Eventually(t, func() bool {
		st, err := mgr.Status("w")
		return err == nil && st.Status == supervisor.StatusRunning
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBadRequests(t *testing.T) {
	h := NewRouter(newTestManager(t), "/api").Handler()

	rec := do(t, h, http.MethodPost, "/api/targets", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/targets", supervisor.TargetConfig{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "path is required")

	rec = do(t, h, http.MethodPost, "/api/targets", supervisor.TargetConfig{Name: "x", Path: "/bin/x", WorkDir: "../etc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/targets", supervisor.TargetConfig{Name: "x", Path: "/bin/x", Log: loggerFile("/var/log/../../etc")})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, p := range []string{
		"/api/targets/nope",
		"/api/targets/nope/stats",
	} {
		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, p, nil).Code, p)
	}
	for _, p := range []string{
		"/api/targets/nope/start",
		"/api/targets/nope/stop",
		"/api/targets/nope/reset",
		"/api/targets/nope/notify/test",
	} {
		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, p, nil).Code, p)
	}
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/targets/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPut, "/api/targets/nope", supervisor.TargetConfig{Path: "/bin/x"}).Code)
}

func TestNotifyTest(t *testing.T) {
	var hits atomic.Int32
	tg := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Path, "badtoken") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer tg.Close()

	mgr := newTestManager(t, func(o *manager.Options) {
		o.Notifier = notify.New(notify.Options{APIBase: tg.URL})
	})
	h := NewRouter(mgr, "/api").Handler()

	require.NoError(t, mgr.Register(supervisor.TargetConfig{Name: "quiet", Path: "/bin/q"}))
	require.NoError(t, mgr.Register(supervisor.TargetConfig{Name: "loud", Path: "/bin/l",
		Telegram: notify.Config{Enabled: true, Token: "tok", ChatID: "1"}}))
	require.NoError(t, mgr.Register(supervisor.TargetConfig{Name: "broken", Path: "/bin/b",
		Telegram: notify.Config{Enabled: true, Token: "badtoken", ChatID: "1"}}))

	assert.Equal(t, http.StatusPreconditionFailed, do(t, h, http.MethodPost, "/api/targets/quiet/notify/test", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/targets/loud/notify/test", nil).Code)
	rec := do(t, h, http.MethodPost, "/api/targets/broken/notify/test", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "badtoken")
	assert.Equal(t, int32(2), hits.Load())
}

func TestHistoryEndpoint(t *testing.T) {
	mgr := newTestManager(t)
	require.NoError(t, mgr.Register(supervisor.TargetConfig{Name: "api", Path: "/bin/api"}))

	rec := do(t, NewRouter(mgr, "/api").Handler(), http.MethodGet, "/api/targets/api/history", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Send(context.Background(), history.Record{
			ID: string(rune('a' + i)), Target: "api", Kind: history.KindStatus, Status: "running",
			OccurredAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	h := NewRouter(mgr, "/api", WithHistory(sink)).Handler()
	rec = do(t, h, http.MethodGet, "/api/targets/api/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	recs := decode[[]history.Record](t, rec)
	require.Len(t, recs, 2)
	assert.Equal(t, "c", recs[0].ID)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/targets/nope/history", nil).Code)
}

func TestSystemEndpoint(t *testing.T) {
	r := NewRouter(newTestManager(t), "/api")
	r.system = func() (metrics.System, error) {
		return metrics.System{CPUPercent: 12.5, NumCPU: 4}, nil
	}
	rec := do(t, r.Handler(), http.MethodGet, "/api/system", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	s := decode[metrics.System](t, rec)
	assert.Equal(t, 12.5, s.CPUPercent)
	assert.Equal(t, 4, s.NumCPU)
}

func TestMetricsMount(t *testing.T) {
	h := NewRouter(newTestManager(t), "/api", WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("procwatch_up 1\n"))
	}))).Handler()
	rec := do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "procwatch_up")

	rec = do(t, NewRouter(newTestManager(t), "/api").Handler(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

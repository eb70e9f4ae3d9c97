package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/procwatch/internal/supervisor"
)

func dialEvents(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) supervisor.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev supervisor.Event
	require.NoError(t, json.Unmarshal(b, &ev))
	return ev
}

func TestEventsStream(t *testing.T) {
	mgr := newTestManager(t)
	r := NewRouter(mgr, "/api")
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	defer r.Close()

	require.NoError(t, mgr.Register(supervisor.TargetConfig{Name: "a", Path: "/bin/a"}))
	require.NoError(t, mgr.Register(supervisor.TargetConfig{Name: "b", Path: "/bin/b"}))

	all := dialEvents(t, srv, "")
	onlyB := dialEvents(t, srv, "?target=b")
	// the subscription is registered by the handler after the upgrade
	time.Sleep(100 * time.Millisecond)

	_, err := mgr.Start("a")
	require.NoError(t, err)
	ev := readEvent(t, all)
	assert.Equal(t, "a", ev.Target)
	assert.NotEmpty(t, ev.ID)

	_, err = mgr.Start("b")
	require.NoError(t, err)
	ev = readEvent(t, onlyB)
	assert.Equal(t, "b", ev.Target)
	assert.Equal(t, "b", readEvent(t, onlyB).Target)
}

func TestEventsUnknownTarget(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newTestManager(t), "/api").Handler())
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events?target=nope"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestRouterCloseDisconnectsClients(t *testing.T) {
	r := NewRouter(newTestManager(t), "/api")
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	conn := dialEvents(t, srv, "")
	time.Sleep(100 * time.Millisecond)
	r.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

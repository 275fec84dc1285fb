package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/engine"
	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/identity"
	"github.com/energizer-project/photonmeter/internal/meter"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeReader struct {
	snap    meter.Snapshot
	hasSnap bool
	history []meter.HistoryEntry
	status  health.Status
}

func (f *fakeReader) Snapshot() (meter.Snapshot, bool) { return f.snap, f.hasSnap }

func (f *fakeReader) History(limit int) []meter.HistoryEntry {
	if limit > 0 && limit < len(f.history) {
		return f.history[:limit]
	}
	return f.history
}

func (f *fakeReader) Identity() identity.View { return identity.View{Zone: "1000", SelfName: "Alice"} }

func (f *fakeReader) Health(time.Time) health.Report { return health.Report{Status: f.status} }

type fakeController struct {
	mu   sync.Mutex
	cmds []engine.Command
	full bool
}

func (f *fakeController) Submit(cmd engine.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.cmds = append(f.cmds, cmd)
	return true
}

type fakeStore struct{ err error }

func (f fakeStore) Recent(limit int) ([]meter.HistoryEntry, error) {
	return []meter.HistoryEntry{{ID: "stored"}}, f.err
}

type fakeSettings struct {
	cfg   config.MeterConfig
	saved int
}

func (f *fakeSettings) GetMeter() config.MeterConfig { return f.cfg }

func (f *fakeSettings) SetMeterMode(mode meter.Mode) error {
	if !mode.Valid() {
		return errors.New("unknown meter mode")
	}
	f.cfg.Mode = string(mode)
	return nil
}

func (f *fakeSettings) Save() error {
	f.saved++
	return nil
}

func newServer(deps Deps) *Server {
	if deps.Reader == nil {
		deps.Reader = &fakeReader{}
	}
	return NewServer(config.DefaultConfig().API, deps, false)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestPing(t *testing.T) {
	w := do(t, newServer(Deps{}), http.MethodGet, "/api/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestSnapshot(t *testing.T) {
	r := &fakeReader{}
	s := newServer(Deps{Reader: r})
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/snapshot", "").Code)

	r.snap, r.hasSnap = meter.Snapshot{Timestamp: t0, TotalDamage: 42}, true
	w := do(t, s, http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(42), decode(t, w)["total_damage"])
}

func TestHistory(t *testing.T) {
	r := &fakeReader{history: []meter.HistoryEntry{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	s := newServer(Deps{Reader: r, Store: fakeStore{}})

	w := do(t, s, http.MethodGet, "/api/history?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/history?limit=x", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/api/history?limit=0", "").Code)

	w = do(t, s, http.MethodGet, "/api/history?source=store", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stored", decode(t, w)["entries"].([]interface{})[0].(map[string]interface{})["id"])

	s = newServer(Deps{Reader: r, Store: fakeStore{err: errors.New("disk")}})
	assert.Equal(t, http.StatusInternalServerError, do(t, s, http.MethodGet, "/api/history?source=store", "").Code)
	s = newServer(Deps{Reader: r})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/history?source=store", "").Code)
}

func TestIdentityAndHealth(t *testing.T) {
	r := &fakeReader{status: health.StatusOK}
	s := newServer(Deps{Reader: r})

	w := do(t, s, http.MethodGet, "/api/identity", "")
	assert.Equal(t, "Alice", decode(t, w)["self_name"])

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/health", "").Code)
	r.status = health.StatusDegraded
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/api/health", "").Code)
}

func TestSystem(t *testing.T) {
	w := do(t, newServer(Deps{}), http.MethodGet, "/api/system", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w), "system")
}

func TestCommands(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable,
		do(t, newServer(Deps{}), http.MethodPost, "/api/session/toggle", "").Code)

	ctrl := &fakeController{}
	s := newServer(Deps{Controller: ctrl})
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/session/toggle", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/session/end", "").Code)
	assert.Equal(t, http.StatusAccepted, do(t, s, http.MethodPost, "/api/session/reset", "").Code)
	assert.Equal(t, []engine.Command{engine.CommandToggle, engine.CommandEnd, engine.CommandReset}, ctrl.cmds)

	ctrl.full = true
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodPost, "/api/session/end", "").Code)
}

func TestMeterConfig(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, do(t, newServer(Deps{}), http.MethodGet, "/api/config/meter", "").Code)

	settings := &fakeSettings{cfg: config.DefaultConfig().Meter}
	s := newServer(Deps{Settings: settings})

	w := do(t, s, http.MethodGet, "/api/config/meter", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "battle", decode(t, w)["mode"])

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/api/config/mode", `{"mode":"zone"}`).Code)
	assert.Equal(t, "zone", settings.cfg.Mode)
	assert.Equal(t, 1, settings.saved)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/config/mode", `{"mode":"weekly"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/config/mode", `{}`).Code)
}

func TestNoRoute(t *testing.T) {
	s := newServer(Deps{})
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/nope", "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/", "").Code)
}

func TestRateLimiter(t *testing.T) {
	now := t0
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"), "burst is twice the rate")
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.True(t, NewRateLimiter(0).Allow("a"))
}

func TestStreamBroadcast(t *testing.T) {
	stream := NewStream(nil)
	s := newServer(Deps{Stream: stream})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return stream.Clients() == 1 }, time.Second, 5*time.Millisecond)

	bus := events.NewBus()
	defer bus.Stop()
	stream.Attach(bus)
	bus.Publish(events.Event{Type: events.EventSnapshot, Payload: meter.Snapshot{TotalDamage: 7}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type    events.EventType `json:"type"`
		Payload meter.Snapshot   `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, events.EventSnapshot, msg.Type)
	assert.Equal(t, uint64(7), msg.Payload.TotalDamage)

	stream.Close()
	assert.Zero(t, stream.Clients())
}

func TestStreamRejectsOrigin(t *testing.T) {
	stream := NewStream([]string{"http://allowed.example"})
	ts := httptest.NewServer(newServer(Deps{Stream: stream}).Handler())
	defer ts.Close()

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/ws", header)
	assert.Error(t, err)
	if resp != nil {
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
	}
}

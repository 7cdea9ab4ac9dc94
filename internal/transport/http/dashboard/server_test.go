package dashboardhttp

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"spacewx/internal/dashboard"
	"spacewx/internal/display"
	"spacewx/internal/render"
	"spacewx/internal/store"
)

type fakeService struct {
	board    *display.Board
	views    []render.ChartView
	cycleErr error
	last     dashboard.CycleReport

	// cycleCtxErr 记录 RunCycle 收到的 ctx 状态
	cycleCtxErr error
}

func (f *fakeService) RunCycle(ctx context.Context) (dashboard.CycleReport, error) {
	f.cycleCtxErr = ctx.Err()
	if f.cycleErr != nil {
		return dashboard.CycleReport{}, f.cycleErr
	}
	return dashboard.CycleReport{CycleID: "c-1", Feeds: []dashboard.FeedResult{{FeedID: "kp", Status: dashboard.StatusOK}}}, nil
}

func (f *fakeService) Page() ([]byte, error) {
	return []byte("<html><body>" + strings.Repeat("space weather ", 200) + "</body></html>"), nil
}

func (f *fakeService) Views() []render.ChartView { return f.views }

func (f *fakeService) View(id string) (render.ChartView, bool) {
	for _, v := range f.views {
		if v.FeedID == id {
			return v, true
		}
	}
	return render.ChartView{}, false
}

func (f *fakeService) Board() *display.Board { return f.board }

func (f *fakeService) LastReport() dashboard.CycleReport { return f.last }

type historyMock struct {
	mock.Mock
}

func (m *historyMock) RecentCycles(_ context.Context, limit int) ([]store.CycleRecord, error) {
	args := m.Called(limit)
	rows, _ := args.Get(0).([]store.CycleRecord)
	return rows, args.Error(1)
}

func newFake() *fakeService {
	board := display.NewBoard(time.UTC)
	board.Set(display.SlotKp, display.Reading{Value: 5.33, Kind: display.KindKp})
	return &fakeService{
		board: board,
		views: []render.ChartView{{FeedID: "kp", ChartID: "spacewx_kp", Labels: []string{"00:00"}, Series: []render.SeriesData{{Name: "Kp", Values: []float64{2}}}}},
	}
}

func do(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	hist := new(historyMock)
	hist.On("RecentCycles", 20).Return([]store.CycleRecord{{CycleID: "c-9"}}, nil).Once()
	hist.On("RecentCycles", 3).Return([]store.CycleRecord{}, nil).Once()

	srv, err := NewServer(ServerConfig{Service: newFake(), History: hist})
	require.NoError(t, err)
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/display", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Kp 5.33 (G1)")

	rec = do(t, h, http.MethodGet, "/api/series", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"chart_id":"spacewx_kp"`)

	rec = do(t, h, http.MethodGet, "/api/series/kp", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/series/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/cycles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c-9")
	rec = do(t, h, http.MethodGet, "/api/cycles?limit=3", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/cycles?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/cycles/last", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/refresh", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report dashboard.CycleReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "c-1", report.CycleID)

	rec = do(t, h, http.MethodGet, "/api/snapshot.png", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	hist.AssertExpectations(t)
}

type breakerStub map[string]string

func (b breakerStub) BreakerStates() map[string]string { return b }

func TestHealthzReportsBreakers(t *testing.T) {
	srv, err := NewServer(ServerConfig{Service: newFake(), Breakers: breakerStub{"xray": "OPEN", "kp": "CLOSED"}})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status   string            `json:"status"`
		Breakers map[string]string `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "OPEN", body.Breakers["xray"])
	assert.Equal(t, "CLOSED", body.Breakers["kp"])
}

func TestRefreshConflict(t *testing.T) {
	svc := newFake()
	svc.cycleErr = dashboard.ErrCycleInFlight
	srv, err := NewServer(ServerConfig{Service: svc})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodPost, "/api/refresh", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/cycles", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRefreshIgnoresClientDisconnect(t *testing.T) {
	svc := newFake()
	srv, err := NewServer(ServerConfig{Service: svc})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/refresh", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, svc.cycleCtxErr)
}

func TestPageIsGzipped(t *testing.T) {
	srv, err := NewServer(ServerConfig{Service: newFake()})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), http.MethodGet, "/", map[string]string{"Accept-Encoding": "gzip"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(body), "space weather")
}

func TestSnapshotEndpoint(t *testing.T) {
	var gotWidth int
	srv, err := NewServer(ServerConfig{
		Service:       newFake(),
		SnapshotWidth: 1280,
		Snapshot: func(_ context.Context, html []byte, w, _ int) ([]byte, error) {
			gotWidth = w
			return []byte("\x89PNG"), nil
		},
	})
	require.NoError(t, err)
	rec := do(t, srv.Handler(), http.MethodGet, "/api/snapshot.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, 1280, gotWidth)

	srv, err = NewServer(ServerConfig{
		Service: newFake(),
		Snapshot: func(context.Context, []byte, int, int) ([]byte, error) {
			return nil, errors.Join(render.ErrHeadlessUnavailable, errors.New("exec: not found"))
		},
	})
	require.NoError(t, err)
	rec = do(t, srv.Handler(), http.MethodGet, "/api/snapshot.png", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	srv, err := NewServer(ServerConfig{Service: newFake()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + WSPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.Hub().Broadcast(dashboard.Update{CycleID: "c-7", Slots: []display.Slot{{Name: "kp", Text: "Kp 2"}}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var u dashboard.Update
	require.NoError(t, json.Unmarshal(msg, &u))
	assert.Equal(t, "c-7", u.CycleID)
	require.Len(t, u.Slots, 1)
	assert.Equal(t, "Kp 2", u.Slots[0].Text)

	srv.Hub().Close()
	require.Eventually(t, func() bool { return srv.Hub().Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewServerRequiresService(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

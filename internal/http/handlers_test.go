package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feed-data-realtime/internal/config"
	"github.com/feed-data-realtime/internal/metrics"
	"github.com/feed-data-realtime/internal/models"
	"github.com/feed-data-realtime/internal/repository"
)

type fakeStore struct {
	instruments []models.Instrument
	detail      map[int64]models.InstrumentDetail
	err         error

	lastLimit    int
	lastTerm     string
	lastInterval models.ChartInterval
	lastFrom     time.Time
	lastTo       time.Time
	updates      []models.PriceUpdate
}

func (f *fakeStore) List(_ context.Context, limit int) ([]models.Instrument, error) {
	f.lastLimit = limit
	return f.instruments, f.err
}

func (f *fakeStore) Detail(_ context.Context, id int64) (models.InstrumentDetail, error) {
	if f.err != nil {
		return models.InstrumentDetail{}, f.err
	}
	d, ok := f.detail[id]
	if !ok {
		return models.InstrumentDetail{}, repository.ErrNotFound
	}
	return d, nil
}

func (f *fakeStore) Chart(_ context.Context, id int64, interval models.ChartInterval, from, to time.Time) ([]models.ChartCandle, error) {
	f.lastInterval, f.lastFrom, f.lastTo = interval, from, to
	return []models.ChartCandle{{InstrumentID: id, OpenPrice: 1, ClosePrice: 2, HighPrice: 3, LowPrice: 0.5, Volume: 10, Timestamp: from}}, f.err
}

func (f *fakeStore) Search(_ context.Context, term string, limit int) ([]models.Instrument, error) {
	f.lastTerm, f.lastLimit = term, limit
	return f.instruments, f.err
}

func (f *fakeStore) TopGainers(_ context.Context, limit int) ([]models.Instrument, error) {
	f.lastLimit = limit
	return f.instruments, f.err
}

func (f *fakeStore) TopLosers(_ context.Context, limit int) ([]models.Instrument, error) {
	f.lastLimit = limit
	return f.instruments, f.err
}

func (f *fakeStore) UpdatePrice(_ context.Context, u models.PriceUpdate) error {
	if f.err != nil {
		return f.err
	}
	if u.InstrumentID == 404 {
		return repository.ErrNotFound
	}
	f.updates = append(f.updates, u)
	return nil
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, store InstrumentStore, cfg config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewHandler(store, nil, map[string]struct{}{"OMS_SERVER": {}}, nil)
	h.now = func() time.Time { return fixedNow }

	reg := metrics.NewRegistry()
	return NewRouter(RouterDeps{
		Handler:  h,
		Config:   cfg,
		Metrics:  metrics.NewHTTP(reg),
		Registry: reg,
	})
}

func do(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t, &fakeStore{}, config.Config{})
	w := do(r, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	r := newTestRouter(t, &fakeStore{}, config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestListInstruments(t *testing.T) {
	store := &fakeStore{instruments: []models.Instrument{{
		InstrumentID: 1, Code: "BBCA", Symbol: "Bank Central Asia", LastPrice: 9500, PrevPrice: 9400, Change: 100, Volume: 12,
		Spark: []models.SparkPoint{{X: 0, Y: 9400}, {X: 1, Y: 9500}},
	}}}
	r := newTestRouter(t, store, config.Config{})

	w := do(r, http.MethodGet, "/api/instruments", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultListLimit, store.lastLimit)

	var got []models.Instrument
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, store.instruments, got)

	w = do(r, http.MethodGet, "/api/instruments?limit=1000", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxListLimit, store.lastLimit)

	w = do(r, http.MethodGet, "/api/instruments?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetInstrument(t *testing.T) {
	store := &fakeStore{detail: map[int64]models.InstrumentDetail{
		7: {InstrumentID: 7, Vol24: 1000, High24: 12, Low24: 9},
	}}
	r := newTestRouter(t, store, config.Config{})

	w := do(r, http.MethodGet, "/api/instrument/7", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"instrument_id":7,"vol_24":1000,"high_24":12,"low_24":9}`, w.Body.String())

	w = do(r, http.MethodGet, "/api/instrument/8", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/instrument/x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetChart(t *testing.T) {
	store := &fakeStore{}
	r := newTestRouter(t, store, config.Config{})

	w := do(r, http.MethodGet, "/api/instrument/7/chart", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Interval1Hour, store.lastInterval)
	assert.Equal(t, fixedNow, store.lastTo)
	assert.Equal(t, fixedNow.Add(-24*time.Hour), store.lastFrom)

	w = do(r, http.MethodGet, "/api/instrument/7/chart?interval=5m&from=2024-02-01T00:00:00Z&to=2024-02-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.Interval5Min, store.lastInterval)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), store.lastFrom.UTC())
	assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), store.lastTo.UTC())

	for _, target := range []string{
		"/api/instrument/7/chart?interval=2h",
		"/api/instrument/7/chart?from=yesterday",
		"/api/instrument/7/chart?from=2024-02-02T00:00:00Z&to=2024-02-01T00:00:00Z",
	} {
		w = do(r, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}
}

func TestSearchAndMovers(t *testing.T) {
	store := &fakeStore{instruments: []models.Instrument{}}
	r := newTestRouter(t, store, config.Config{})

	w := do(r, http.MethodGet, "/api/instruments/search?q=%20bb%20", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bb", store.lastTerm)
	assert.Equal(t, searchLimit, store.lastLimit)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(r, http.MethodGet, "/api/instruments/search", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	for _, target := range []string{"/api/instruments/top-gainers", "/api/instruments/top-losers"} {
		store.lastLimit = 0
		w = do(r, http.MethodGet, target, "")
		assert.Equal(t, http.StatusOK, w.Code, target)
		assert.Equal(t, moversLimit, store.lastLimit, target)
	}
}

func TestUpdatePrice(t *testing.T) {
	store := &fakeStore{}
	r := newTestRouter(t, store, config.Config{})

	body := `{"client_id":"OMS_SERVER","instrument":{"instrument_id":7,"last_price":101.5,"prev_price":100,"change":1.5}}`
	w := do(r, http.MethodPut, "/api/instrument", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"instrument_id":7,"last_price":101.5,"prev_price":100,"change":1.5}`, w.Body.String())
	require.Len(t, store.updates, 1)
	assert.Equal(t, models.PriceUpdate{InstrumentID: 7, LastPrice: 101.5, PrevPrice: 100, Change: 1.5}, store.updates[0])
}

func TestUpdatePrice_Rejections(t *testing.T) {
	store := &fakeStore{}
	r := newTestRouter(t, store, config.Config{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"untrusted", `{"client_id":"UNKNOWN","instrument":{"instrument_id":7,"last_price":1,"prev_price":1,"change":0}}`, http.StatusForbidden},
		{"lowercase identity", `{"client_id":"oms_server","instrument":{"instrument_id":7,"last_price":1,"prev_price":1,"change":0}}`, http.StatusForbidden},
		{"malformed", `{"client_id":"OMS_SERVER"`, http.StatusBadRequest},
		{"missing field", `{"client_id":"OMS_SERVER","instrument":{"instrument_id":7}}`, http.StatusBadRequest},
		{"unknown instrument", `{"client_id":"OMS_SERVER","instrument":{"instrument_id":404,"last_price":1,"prev_price":1,"change":0}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPut, "/api/instrument", tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), `"error"`)
		})
	}
	assert.Empty(t, store.updates)
}

func TestStoreFailureIs500(t *testing.T) {
	store := &fakeStore{err: errors.New("connection reset")}
	r := newTestRouter(t, store, config.Config{})

	w := do(r, http.MethodGet, "/api/instruments", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, w.Body.String())
}

func TestStoreUnavailableIs503(t *testing.T) {
	store := &fakeStore{err: repository.ErrUnavailable}
	r := newTestRouter(t, store, config.Config{})

	w := do(r, http.MethodGet, "/api/instruments/top-gainers", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
}

func TestMaintenanceFlag(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "maintenance.flag")
	r := newTestRouter(t, &fakeStore{instruments: []models.Instrument{}}, config.Config{MaintenanceFlag: flag})

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/instruments", "").Code)

	require.NoError(t, os.WriteFile(flag, nil, 0o600))
	w := do(r, http.MethodGet, "/api/instruments", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "maintenance")
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, &fakeStore{instruments: []models.Instrument{}}, config.Config{})
	do(r, http.MethodGet, "/api/instruments", "")

	w := do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `feed_data_http_requests_total{method="GET",route="/api/instruments",status_code="200"} 1`)
}

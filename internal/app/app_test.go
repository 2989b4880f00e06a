package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 3*time.Second, cfg.LockTimeout)
	assert.Equal(t, int64(20), cfg.LowStockThreshold)
	assert.Equal(t, 5*time.Minute, cfg.SummaryCacheTTL)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "750ms")
	t.Setenv("LEDGER_LOW_STOCK_THRESHOLD", "5")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, int64(5), cfg.LowStockThreshold)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	t.Setenv("LEDGER_LOCK_TIMEOUT", "0s")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("LEDGER_LOCK_TIMEOUT", "3s")
	t.Setenv("LEDGER_LOW_STOCK_THRESHOLD", "-1")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&Config{LogLevel: "nonsense"}, &buf).Info("text line")
	assert.Contains(t, buf.String(), "msg=\"text line\"")
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestRouterHealthz(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{}, Database: stubPinger{}})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	router = NewRouter(RouterParams{Config: &Config{}, Database: stubPinger{err: errors.New("down")}})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRouterExposesMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	router := NewRouter(RouterParams{Config: &Config{}, Metrics: metrics})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stockledger_http_requests_total{code="200",route="/healthz"} 1`)
}

func TestActorMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(ActorMiddleware)
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(shared.ActorFromContext(r.Context())))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, " clerk-7 ")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "clerk-7", rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, shared.SystemActor, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{RateLimitPerMinute: 2}})
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestInTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	assert.True(t, InTestMode())
	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	assert.False(t, InTestMode())
}

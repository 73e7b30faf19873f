package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"defi-aggregator/stable-router/internal/types"
	"defi-aggregator/stable-router/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, GetRequestID(c))
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r
}

func TestRequestIDPropagation(t *testing.T) {
	r := newEngine(RequestID())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Body.String())
	assert.Equal(t, "req-1", w.Header().Get(HeaderRequestID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Len(t, w.Body.String(), 36)
	assert.Equal(t, w.Body.String(), w.Header().Get(HeaderRequestID))
}

func TestRecoveryReturnsEnvelope(t *testing.T) {
	r := newEngine(RequestID(), Recovery(quietLogger()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp types.APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, types.ErrCodeInternalError, resp.Error.Code)
	assert.NotEmpty(t, resp.RequestID)
}

func TestRateLimitPerClient(t *testing.T) {
	rl := NewRateLimiter(types.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}, quietLogger())
	r := newEngine(RequestID(), rl.RateLimit())
	before := testutil.ToFloat64(metrics.Default().RateLimited)

	do := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":1234"
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	// 其他客户端不受影响
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Default().RateLimited))

	assert.Equal(t, 2, rl.evict(time.Now().Add(time.Minute)))
	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
}

func TestRateLimitDisabled(t *testing.T) {
	rl := NewRateLimiter(types.RateLimitConfig{}, quietLogger())
	r := newEngine(rl.RateLimit())
	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestLoggerCountsRequests(t *testing.T) {
	r := newEngine(RequestID(), Logger(quietLogger(), time.Second))
	counter := metrics.Default().HTTPRequests.WithLabelValues(http.MethodGet, "/ping", "200")
	before := testutil.ToFloat64(counter)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

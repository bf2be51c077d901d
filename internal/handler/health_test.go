package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brikpay/refund-params/internal/cache"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

type healthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Database string `json:"database"`
	Cache    struct {
		Entries int    `json:"entries"`
		Misses  uint64 `json:"misses"`
	} `json:"cache"`
}

func serveHealth(t *testing.T, h *HealthHandler) (int, healthResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", h.Health)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	router.ServeHTTP(w, req)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHealthHandler(t *testing.T) {
	rc := cache.NewTTLCache(time.Minute, 0)
	defer rc.Close()
	_, _, _ = rc.Get(context.Background(), "maxRefundAmount", "m1")

	t.Run("memory backend", func(t *testing.T) {
		code, resp := serveHealth(t, NewHealthHandler("memory", nil, rc))
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "not configured", resp.Database)
		assert.Equal(t, uint64(1), resp.Cache.Misses)
	})

	t.Run("database up", func(t *testing.T) {
		code, resp := serveHealth(t, NewHealthHandler("postgres", stubPinger{}, rc))
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "connected", resp.Database)
	})

	t.Run("database down", func(t *testing.T) {
		code, resp := serveHealth(t, NewHealthHandler("postgres", stubPinger{err: errors.New("refused")}, nil))
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "disconnected", resp.Database)
	})
}

// Integration test: requires running database
func TestHealthHandler_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool := getTestPool(t)
	if pool == nil {
		t.Skip("no database available")
	}
	defer pool.Close()

	code, resp := serveHealth(t, NewHealthHandler("postgres", pool, nil))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "connected", resp.Database)
}

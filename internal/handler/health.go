package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v3"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type CacheStats interface {
	Len() int
	Metrics() ttlcache.Metrics
}

type HealthHandler struct {
	db      Pinger
	cache   CacheStats
	backend string
}

// NewHealthHandler builds the health endpoint. db may be nil when the
// in-memory backend is used.
func NewHealthHandler(backend string, db Pinger, cache CacheStats) *HealthHandler {
	return &HealthHandler{db: db, cache: cache, backend: backend}
}

func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{
		"status":  "healthy",
		"backend": h.backend,
	}
	if h.cache != nil {
		m := h.cache.Metrics()
		resp["cache"] = gin.H{
			"entries":   h.cache.Len(),
			"hits":      m.Hits,
			"misses":    m.Misses,
			"evictions": m.Evictions,
		}
	}

	if h.db == nil {
		resp["database"] = "not configured"
		c.JSON(http.StatusOK, resp)
		return
	}

	if err := h.db.Ping(c.Request.Context()); err != nil {
		resp["status"] = "unhealthy"
		resp["database"] = "disconnected"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	resp["database"] = "connected"
	c.JSON(http.StatusOK, resp)
}

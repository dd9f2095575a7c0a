package changefeed

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jacksonlee411/member-delta-sync/internal/membersync"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Runner starts sync runs. *membersync.Orchestrator satisfies it.
type Runner interface {
	RunDailySync(ctx context.Context) (types.SyncRunResult, error)
	Running() bool
}

// Handler serves the change feed to downstream consumers and exposes the
// sync run state.
type Handler struct {
	Feed   ports.ChangeFeedStore
	Runs   ports.SyncRunStore
	Runner Runner
	// BaseContext bounds runs triggered over HTTP; request contexts end with
	// the response.
	BaseContext context.Context
	Logger      *zap.Logger

	now func() time.Time
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func (h *Handler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now()
}

// NewRouter wires the handler routes onto a fresh gin engine.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.logger()))

	r.GET("/healthz", h.Health)
	api := r.Group("/api/v1")
	api.GET("/tenants/:tenant_id/changes", h.ListChanges)
	api.POST("/tenants/:tenant_id/changes/:event_id/processed", h.MarkProcessed)
	api.GET("/sync-runs/latest", h.LatestRun)
	api.POST("/sync-runs", h.TriggerRun)
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (h *Handler) Health(c *gin.Context) {
	running := false
	if h.Runner != nil {
		running = h.Runner.Running()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sync_running": running})
}

func (h *Handler) ListChanges(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	limit := DefaultListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, MaxListLimit)
	}

	events, err := h.Feed.ListUnprocessedChangeEvents(c.Request.Context(), tenantID, limit)
	if err != nil {
		h.logger().Error("list change events failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "events": events})
}

func (h *Handler) MarkProcessed(c *gin.Context) {
	tenantID := strings.TrimSpace(c.Param("tenant_id"))
	eventID := strings.TrimSpace(c.Param("event_id"))

	found, err := h.Feed.MarkChangeEventProcessed(c.Request.Context(), tenantID, eventID, h.clock())
	if err != nil {
		h.logger().Error("mark change event processed failed",
			zap.String("tenant_id", tenantID),
			zap.String("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "change event not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) LatestRun(c *gin.Context) {
	run, ok, err := h.Runs.LatestSyncRun(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no sync run recorded"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// TriggerRun starts a run in the background. Only one run may be active.
func (h *Handler) TriggerRun(c *gin.Context) {
	if h.Runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync runner not configured"})
		return
	}
	if h.Runner.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": membersync.ErrRunInProgress.Error()})
		return
	}

	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.WithoutCancel(c.Request.Context())
	}
	logger := h.logger()
	go func() {
		res, err := h.Runner.RunDailySync(ctx)
		switch {
		case errors.Is(err, membersync.ErrRunInProgress):
			logger.Info("triggered sync run skipped: already running")
		case err != nil:
			logger.Error("triggered sync run failed", zap.String("run_id", res.ID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

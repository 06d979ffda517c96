package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/links"
	"github.com/mikepea/snip/pkg/snip/sweeper"
)

// LinkCounter summarizes the link table
type LinkCounter interface {
	Counts(ctx context.Context) (*links.Counts, error)
}

// Sweeps triggers lifecycle sweeps
type Sweeps interface {
	RunJob(ctx context.Context, name string) (sweeper.Result, error)
	RunAll(ctx context.Context) []sweeper.Result
}

// QueueStats reports click recorder throughput
type QueueStats interface {
	Written() int64
	Dropped() int64
}

// Handler handles operator requests
type Handler struct {
	links  LinkCounter
	sweeps Sweeps
	queue  QueueStats
	log    *slog.Logger
}

// NewHandler creates a new admin handler. queue may be nil.
func NewHandler(links LinkCounter, sweeps Sweeps, queue QueueStats, log *slog.Logger) *Handler {
	return &Handler{links: links, sweeps: sweeps, queue: queue, log: log}
}

// SweepRequest selects a sweep job; an empty job runs all of them
type SweepRequest struct {
	Job string `json:"job"`
}

// StatsResponse represents system statistics
type StatsResponse struct {
	*links.Counts
	ClickEventsWritten int64 `json:"clickEventsWritten"`
	ClickEventsDropped int64 `json:"clickEventsDropped"`
}

// GetStats returns system-wide statistics (admin only)
func (h *Handler) GetStats(c *gin.Context) {
	counts, err := h.links.Counts(c.Request.Context())
	if err != nil {
		h.log.Error("failed to count links", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "Failed to fetch stats"})
		return
	}

	stats := StatsResponse{Counts: counts}
	if h.queue != nil {
		stats.ClickEventsWritten = h.queue.Written()
		stats.ClickEventsDropped = h.queue.Dropped()
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": stats})
}

// Sweep runs sweep jobs immediately (admin only)
func (h *Handler) Sweep(c *gin.Context) {
	var req SweepRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Invalid request body"})
			return
		}
	}
	if req.Job == "" {
		req.Job = c.Query("job")
	}

	var results []sweeper.Result
	if req.Job == "" {
		results = h.sweeps.RunAll(c.Request.Context())
	} else {
		res, err := h.sweeps.RunJob(c.Request.Context(), req.Job)
		if errors.Is(err, sweeper.ErrUnknownJob) {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Unknown sweep job"})
			return
		}
		results = []sweeper.Result{res}
	}

	h.log.Info("sweep triggered", "job", req.Job, "results", len(results))
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": results})
}

// RegisterRoutes registers admin routes on the given router group
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/stats", h.GetStats)
	rg.POST("/sweep", h.Sweep)
}

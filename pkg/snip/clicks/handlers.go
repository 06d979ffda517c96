package clicks

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/models"
)

// Timeframes accepted by the analytics endpoint
var timeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// DefaultTimeframe applies when the request names none
const DefaultTimeframe = "7d"

const maxRecentLimit = 100

// ParseTimeframe maps a timeframe name to its window length
func ParseTimeframe(name string) (time.Duration, error) {
	if name == "" {
		name = DefaultTimeframe
	}
	d, ok := timeframes[name]
	if !ok {
		return 0, apperr.InvalidInput("Timeframe must be one of 1h, 24h, 7d, 30d")
	}
	return d, nil
}

// LinkLookup finds the active link behind a slug
type LinkLookup interface {
	Inspect(ctx context.Context, slug string) (*models.Link, error)
}

// Handler serves link analytics
type Handler struct {
	links LinkLookup
	stats StatsSource
	now   func() time.Time
	log   *slog.Logger
}

// NewHandler creates an analytics handler
func NewHandler(links LinkLookup, stats StatsSource, log *slog.Logger) *Handler {
	return &Handler{links: links, stats: stats, now: time.Now, log: log}
}

// AnalyticsResponse is the analytics payload. It never carries IP addresses or user agents.
type AnalyticsResponse struct {
	Slug       string `json:"slug"`
	Timeframe  string `json:"timeframe"`
	Since      string `json:"since"`
	Until      string `json:"until"`
	ClickCount int64  `json:"clickCount"`
	*Stats
}

// Analytics handles GET /:slug/analytics
// @Summary Link analytics
// @Description Click breakdowns for a link over a timeframe
// @Tags analytics
// @Produce json
// @Param slug path string true "Link slug"
// @Param timeframe query string false "Window: 1h, 24h, 7d or 30d"
// @Success 200 {object} AnalyticsResponse
// @Failure 400 {object} map[string]string "Invalid timeframe"
// @Failure 404 {object} map[string]string "Link not found"
// @Router /{slug}/analytics [get]
func (h *Handler) Analytics(c *gin.Context) {
	slug := c.Param("slug")

	timeframe := c.DefaultQuery("timeframe", DefaultTimeframe)
	window, err := ParseTimeframe(timeframe)
	if err != nil {
		h.respondError(c, err)
		return
	}

	link, err := h.links.Inspect(c.Request.Context(), slug)
	if err != nil {
		h.respondError(c, err)
		return
	}

	until := h.now().UTC()
	since := until.Add(-window)
	q := Query{
		Since:  since,
		Until:  until,
		Limit:  clamp(queryInt(c, "limit", DefaultRecentLimit), 1, maxRecentLimit),
		Offset: max(queryInt(c, "offset", 0), 0),
	}

	stats, err := h.stats.Aggregate(c.Request.Context(), link.ID, q)
	if err != nil {
		h.respondError(c, apperr.StoreUnavailable(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": AnalyticsResponse{
			Slug:       slug,
			Timeframe:  timeframe,
			Since:      since.Format(time.RFC3339),
			Until:      until.Format(time.RFC3339),
			ClickCount: link.ClickCount,
			Stats:      stats,
		},
	})
}

// RegisterRoutes registers analytics routes on the root router
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/:slug/analytics", h.Analytics)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if apperr.IsOperational(err) {
		h.log.Error("analytics request failed", "slug", c.Param("slug"), "error", err)
	}
	c.JSON(apperr.HTTPStatus(err), gin.H{"status": "error", "message": apperr.PublicMessage(err)})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return fallback
	}
	return n
}

func clamp(n, lo, hi int) int {
	return min(max(n, lo), hi)
}

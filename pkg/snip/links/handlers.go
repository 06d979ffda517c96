package links

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/auth"
	"github.com/mikepea/snip/pkg/snip/models"
)

// Handler handles the owner-facing link API
type Handler struct {
	service *Service
	log     *slog.Logger
}

// NewHandler creates a new links handler
func NewHandler(service *Service, log *slog.Logger) *Handler {
	return &Handler{service: service, log: log}
}

// CreateLinkRequest represents the request to create a link
type CreateLinkRequest struct {
	Kind         string     `json:"kind" binding:"omitempty,oneof=short bio"`
	URL          string     `json:"url" binding:"required"`
	Slug         string     `json:"slug" binding:"omitempty,max=50"`
	Title        string     `json:"title" binding:"max=200"`
	Password     string     `json:"password" binding:"omitempty,max=72"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	ClickLimit   *int64     `json:"clickLimit"`
	RedirectType int        `json:"redirectType" binding:"omitempty,oneof=301 302"`
}

// LinkResponse represents a link in API responses
type LinkResponse struct {
	ID                 string     `json:"id"`
	Kind               string     `json:"kind"`
	Slug               *string    `json:"slug"`
	ShortURL           string     `json:"shortUrl,omitempty"`
	URL                string     `json:"url"`
	Title              string     `json:"title"`
	Active             bool       `json:"active"`
	ExpiresAt          *time.Time `json:"expiresAt"`
	ClickLimit         *int64     `json:"clickLimit"`
	ClickCount         int64      `json:"clickCount"`
	HasPassword        bool       `json:"hasPassword"`
	RedirectType       int        `json:"redirectType"`
	Order              int        `json:"order"`
	DeactivatedAt      *time.Time `json:"deactivatedAt,omitempty"`
	DeactivationReason string     `json:"deactivationReason,omitempty"`
	CreatedAt          string     `json:"createdAt"`
	UpdatedAt          string     `json:"updatedAt"`
}

func (h *Handler) linkToResponse(link *models.Link) LinkResponse {
	return LinkResponse{
		ID:                 link.ID,
		Kind:               string(link.Kind),
		Slug:               link.Slug,
		ShortURL:           h.service.ShortURL(link),
		URL:                link.DestinationURL,
		Title:              link.Title,
		Active:             link.Active,
		ExpiresAt:          link.ExpiresAt,
		ClickLimit:         link.ClickLimit,
		ClickCount:         link.ClickCount,
		HasPassword:        link.HasPassword(),
		RedirectType:       link.RedirectType,
		Order:              link.Order,
		DeactivatedAt:      link.DeactivatedAt,
		DeactivationReason: link.DeactivationReason,
		CreatedAt:          link.CreatedAt.Format("2006-01-02T15:04:05Z"),
		UpdatedAt:          link.UpdatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// Create handles POST /api/links
// @Summary Create a link
// @Description Create a short or bio link with optional expiry, click limit and password
// @Tags links
// @Accept json
// @Produce json
// @Param request body CreateLinkRequest true "Link details"
// @Success 201 {object} LinkResponse
// @Failure 400 {object} map[string]string "Validation error"
// @Failure 409 {object} map[string]string "Slug already taken"
// @Failure 429 {object} map[string]string "Too many requests"
// @Security BearerAuth
// @Router /links [post]
func (h *Handler) Create(c *gin.Context) {
	ownerID, ok := auth.GetOwnerID(c)
	if !ok {
		h.respondError(c, apperr.ErrUnauthorized)
		return
	}

	var req CreateLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperr.InvalidInput("Invalid request body"))
		return
	}

	link, err := h.service.Create(c.Request.Context(), ownerID, CreateInput{
		Kind:         models.LinkKind(req.Kind),
		URL:          req.URL,
		Slug:         req.Slug,
		Title:        req.Title,
		Password:     req.Password,
		ExpiresAt:    req.ExpiresAt,
		ClickLimit:   req.ClickLimit,
		RedirectType: req.RedirectType,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.log.Info("link created", "link_id", link.ID, "kind", link.Kind, "owner_id", ownerID)
	c.JSON(http.StatusCreated, gin.H{"status": "success", "data": h.linkToResponse(link)})
}

// List handles GET /api/links
// @Summary List links
// @Description Get the caller's links, newest first
// @Tags links
// @Produce json
// @Param kind query string false "Filter by kind (short or bio)"
// @Param active query bool false "Filter by active status"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} LinkResponse
// @Failure 400 {object} map[string]string "Invalid filter"
// @Security BearerAuth
// @Router /links [get]
func (h *Handler) List(c *gin.Context) {
	ownerID, ok := auth.GetOwnerID(c)
	if !ok {
		h.respondError(c, apperr.ErrUnauthorized)
		return
	}

	filter := ListFilter{
		Kind:   models.LinkKind(c.Query("kind")),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if filter.Kind != "" && filter.Kind != models.LinkKindShort && filter.Kind != models.LinkKindBio {
		h.respondError(c, apperr.InvalidInput("Kind must be 'short' or 'bio'"))
		return
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(c, apperr.InvalidInput("Active must be true or false"))
			return
		}
		filter.Active = &active
	}

	links, total, err := h.service.List(c.Request.Context(), ownerID, filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	response := make([]LinkResponse, len(links))
	for i := range links {
		response[i] = h.linkToResponse(&links[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data":   response,
		"total":  total,
	})
}

// Deactivate handles DELETE /api/links/:slug
// @Summary Deactivate a link
// @Description Deactivate one of the caller's links. The link stays stored for analytics.
// @Tags links
// @Produce json
// @Param slug path string true "Link slug"
// @Success 200 {object} LinkResponse
// @Failure 404 {object} map[string]string "Link not found"
// @Security BearerAuth
// @Router /links/{slug} [delete]
func (h *Handler) Deactivate(c *gin.Context) {
	ownerID, ok := auth.GetOwnerID(c)
	if !ok {
		h.respondError(c, apperr.ErrUnauthorized)
		return
	}

	link, err := h.service.Deactivate(c.Request.Context(), ownerID, c.Param("slug"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": h.linkToResponse(link)})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if apperr.IsOperational(err) {
		h.log.Error("link request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(apperr.HTTPStatus(err), gin.H{"status": "error", "message": apperr.PublicMessage(err)})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// RegisterRoutes registers link routes. guard runs ahead of link creation.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, guard ...gin.HandlerFunc) {
	rg.GET("/links", h.List)
	rg.POST("/links", append(guard, h.Create)...)
	rg.DELETE("/links/:slug", h.Deactivate)
}

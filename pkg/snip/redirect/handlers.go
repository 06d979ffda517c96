package redirect

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/apperr"
	"github.com/mikepea/snip/pkg/snip/middleware"
	"github.com/mikepea/snip/pkg/snip/policy"
	"github.com/skip2/go-qrcode"
)

// QR image bounds in pixels
const (
	DefaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// Handler serves the public slug routes
type Handler struct {
	resolver *Resolver
	baseURL  string
	log      *slog.Logger
}

// NewHandler creates a new redirect handler
func NewHandler(resolver *Resolver, baseURL string, log *slog.Logger) *Handler {
	return &Handler{
		resolver: resolver,
		baseURL:  strings.TrimRight(baseURL, "/"),
		log:      log,
	}
}

// VerifyRequest carries a password for a protected link
type VerifyRequest struct {
	Password string `json:"password" binding:"required"`
}

// InfoResponse describes a link without resolving it
type InfoResponse struct {
	Slug         string     `json:"slug"`
	ShortURL     string     `json:"shortUrl"`
	URL          string     `json:"url,omitempty"`
	Title        string     `json:"title"`
	Kind         string     `json:"kind"`
	RedirectType int        `json:"redirectType"`
	ClickCount   int64      `json:"clickCount"`
	ClickLimit   *int64     `json:"clickLimit"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	CreatedAt    time.Time  `json:"createdAt"`
	policy.Flags
}

// Redirect handles GET /:slug. The password may be supplied as a query parameter.
// @Summary Follow a short link
// @Description Redirect to the destination and count the click
// @Tags redirect
// @Param slug path string true "Link slug"
// @Param password query string false "Link password"
// @Success 301 "Permanent redirect"
// @Success 302 "Temporary redirect"
// @Failure 401 {object} map[string]string "Password required or invalid"
// @Failure 404 {object} map[string]string "Link not found"
// @Failure 429 {object} map[string]string "Too many requests"
// @Router /{slug} [get]
func (h *Handler) Redirect(c *gin.Context) {
	req := h.requestFrom(c)
	if pw, ok := c.GetQuery("password"); ok {
		req.Password = &pw
	}
	h.resolve(c, req, false)
}

// Verify handles POST /:slug/verify and answers with the destination as JSON
// @Summary Unlock a protected link
// @Tags redirect
// @Accept json
// @Produce json
// @Param slug path string true "Link slug"
// @Param request body VerifyRequest true "Password"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string "Password missing"
// @Failure 401 {object} map[string]string "Invalid password"
// @Failure 404 {object} map[string]string "Link not found"
// @Failure 429 {object} map[string]string "Too many requests"
// @Router /{slug}/verify [post]
func (h *Handler) Verify(c *gin.Context) {
	var body VerifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondError(c, apperr.InvalidInput("Password is required"))
		return
	}

	req := h.requestFrom(c)
	req.Password = &body.Password
	h.resolve(c, req, true)
}

func (h *Handler) resolve(c *gin.Context, req Request, asJSON bool) {
	c.Header("Cache-Control", "no-store")

	outcome, err := h.resolver.Resolve(c.Request.Context(), c.Param("slug"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	switch outcome.Kind {
	case OutcomeRedirect:
		if asJSON {
			c.JSON(http.StatusOK, gin.H{
				"status": "success",
				"data":   gin.H{"url": outcome.URL, "redirectType": outcome.Status},
			})
			return
		}
		c.Redirect(outcome.Status, outcome.URL)
	case OutcomePasswordChallenge:
		h.respondError(c, apperr.ErrPasswordRequired)
	default:
		h.respondError(c, outcome.Denial)
	}
}

// Info handles GET /:slug/info. It never counts a click.
// @Summary Describe a link
// @Tags redirect
// @Produce json
// @Param slug path string true "Link slug"
// @Success 200 {object} InfoResponse
// @Failure 404 {object} map[string]string "Link not found"
// @Router /{slug}/info [get]
func (h *Handler) Info(c *gin.Context) {
	slug := c.Param("slug")
	link, err := h.resolver.Inspect(c.Request.Context(), slug)
	if err != nil {
		h.respondError(c, err)
		return
	}

	info := InfoResponse{
		Slug:         slug,
		ShortURL:     h.shortURL(slug),
		Title:        link.Title,
		Kind:         string(link.Kind),
		RedirectType: link.RedirectType,
		ClickCount:   link.ClickCount,
		ClickLimit:   link.ClickLimit,
		ExpiresAt:    link.ExpiresAt,
		CreatedAt:    link.CreatedAt,
		Flags:        policy.Describe(link, h.resolver.Now()),
	}
	if !link.HasPassword() {
		info.URL = link.DestinationURL
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "data": info})
}

// QR handles GET /:slug/qr and renders the short URL as a PNG
// @Summary QR code for a link
// @Tags redirect
// @Produce png
// @Param slug path string true "Link slug"
// @Param size query int false "Image size in pixels"
// @Success 200 {file} binary
// @Failure 404 {object} map[string]string "Link not found"
// @Router /{slug}/qr [get]
func (h *Handler) QR(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := h.resolver.Inspect(c.Request.Context(), slug); err != nil {
		h.respondError(c, err)
		return
	}

	size := DefaultQRSize
	if raw := c.Query("size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			h.respondError(c, apperr.InvalidInput("Size must be a number"))
			return
		}
		size = min(max(n, minQRSize), maxQRSize)
	}

	png, err := qrcode.Encode(h.shortURL(slug), qrcode.Medium, size)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "image/png", png)
}

// RegisterRoutes registers the slug routes on the root router.
// Call it after every other route so fixed prefixes win. guard runs ahead of
// every password attempt, including GET /:slug?password=.
func (h *Handler) RegisterRoutes(r *gin.Engine, guard ...gin.HandlerFunc) {
	withPassword := make([]gin.HandlerFunc, 0, len(guard)+1)
	for _, g := range guard {
		withPassword = append(withPassword, middleware.WhenQuery("password", g))
	}
	r.GET("/:slug", append(withPassword, h.Redirect)...)
	r.POST("/:slug/verify", append(guard, h.Verify)...)
	r.GET("/:slug/info", h.Info)
	r.GET("/:slug/qr", h.QR)
}

func (h *Handler) requestFrom(c *gin.Context) Request {
	return Request{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		Referrer:  c.Request.Referer(),
	}
}

func (h *Handler) shortURL(slug string) string {
	return h.baseURL + "/" + slug
}

func (h *Handler) respondError(c *gin.Context, err error) {
	if apperr.IsOperational(err) {
		h.log.Error("slug request failed", "path", c.FullPath(), "slug", c.Param("slug"), "error", err)
	}

	body := gin.H{"status": "error", "message": apperr.PublicMessage(err)}
	switch apperr.CodeOf(err) {
	case apperr.CodePasswordRequired, apperr.CodeInvalidPassword:
		body["requiresPassword"] = true
	}
	c.JSON(apperr.HTTPStatus(err), body)
}

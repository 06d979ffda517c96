// Package server assembles the HTTP router and the background workers.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/admin"
	"github.com/mikepea/snip/pkg/snip/auth"
	"github.com/mikepea/snip/pkg/snip/clicks"
	"github.com/mikepea/snip/pkg/snip/links"
	"github.com/mikepea/snip/pkg/snip/middleware"
	"github.com/mikepea/snip/pkg/snip/redirect"
	"gorm.io/gorm"
)

// ReservedSegments are first path segments owned by fixed routes. Custom slugs
// may not use them.
var ReservedSegments = []string{
	"api", "health", "admin", "links", "swagger", "assets", "static",
	"favicon.ico", "robots.txt", "login", "logout", "register", "auth",
	"qr", "info", "analytics", "verify",
}

// Deps are the handlers and collaborators the router is built from
type Deps struct {
	Links     *links.Handler
	Redirect  *redirect.Handler
	Analytics *clicks.Handler
	Admin     *admin.Handler
	Tokens    *auth.TokenManager
	// Limiter guards link creation and password verification. Optional.
	Limiter middleware.KeyLimiter
	// DB is pinged by the health check. Optional.
	DB  *gorm.DB
	Log *slog.Logger
}

// NewRouter builds the gin engine
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(nil); err != nil {
		d.Log.Warn("failed to set trusted proxies", "error", err)
	}
	r.Use(middleware.RequestLogger(d.Log), middleware.Recover(d.Log))

	r.GET("/health", health(d.DB))

	var guard []gin.HandlerFunc
	if d.Limiter != nil {
		guard = append(guard, middleware.RateLimit(d.Limiter, d.Log))
	}

	api := r.Group("/api")
	{
		api.GET("/health", health(d.DB))

		protected := api.Group("", auth.AuthMiddleware(d.Tokens))
		d.Links.RegisterRoutes(protected, guard...)

		adminGroup := api.Group("/admin")
		adminGroup.Use(auth.AuthMiddleware(d.Tokens), auth.RequireAdmin())
		d.Admin.RegisterRoutes(adminGroup)
	}

	// Slug routes are registered last so fixed prefixes win
	d.Analytics.RegisterRoutes(r)
	d.Redirect.RegisterRoutes(r, guard...)

	return r
}

func health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(ctx)
			}
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "Database unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "snip"})
	}
}

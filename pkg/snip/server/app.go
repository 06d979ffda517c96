package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/admin"
	"github.com/mikepea/snip/pkg/snip/auth"
	"github.com/mikepea/snip/pkg/snip/clicks"
	"github.com/mikepea/snip/pkg/snip/config"
	"github.com/mikepea/snip/pkg/snip/links"
	"github.com/mikepea/snip/pkg/snip/middleware"
	"github.com/mikepea/snip/pkg/snip/redirect"
	"github.com/mikepea/snip/pkg/snip/slug"
	"github.com/mikepea/snip/pkg/snip/sweeper"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// TokenTTL is the lifetime of issued bearer tokens
const TokenTTL = 24 * time.Hour

// Options carries the optional collaborators of an App
type Options struct {
	// Geo enables click geolocation
	Geo clicks.Locator
	// Redis, when set, backs the sweep lock and the rate limiter so both hold
	// across instances. Otherwise both are in-process.
	Redis redis.UniversalClient
	// Clock replaces the wall clock for link policy decisions
	Clock func() time.Time
}

// App is a fully wired snip server
type App struct {
	Router   *gin.Engine
	Tokens   *auth.TokenManager
	Links    *links.Service
	Resolver *redirect.Resolver
	Recorder *clicks.Recorder
	Sweeper  *sweeper.Sweeper

	log *slog.Logger
}

// New wires the stores, engine components and handlers over db
func New(cfg *config.Config, db *gorm.DB, log *slog.Logger, opts Options) (*App, error) {
	linkStore := links.NewStore(db)
	events := clicks.NewEventStore(db)

	recorder := clicks.NewRecorder(events,
		clicks.NewEnricher(opts.Geo, cfg.GeoTimeout, log),
		log,
		clicks.WithQueueSize(cfg.ClickQueueSize),
		clicks.WithWorkers(cfg.ClickWorkers),
		clicks.WithBatch(cfg.ClickBatchSize, cfg.ClickFlushInterval),
	)

	sweepOpts := []sweeper.Option{sweeper.WithTimeout(cfg.SweepTimeout)}
	if opts.Redis != nil {
		sweepOpts = append(sweepOpts, sweeper.WithLocker(sweeper.NewRedisLocker(opts.Redis, "")))
	}
	resolverOpts := []redirect.Option{redirect.WithStoreTimeout(cfg.StoreTimeout)}
	if opts.Clock != nil {
		sweepOpts = append(sweepOpts, sweeper.WithClock(opts.Clock))
		resolverOpts = append(resolverOpts, redirect.WithClock(opts.Clock))
	}

	sweep := sweeper.New(linkStore, log, sweepOpts...)
	if err := sweep.Schedule(sweeper.JobExpired, cfg.SweepExpiredSchedule); err != nil {
		return nil, err
	}
	if err := sweep.Schedule(sweeper.JobClickLimit, cfg.SweepClickLimitSchedule); err != nil {
		return nil, err
	}

	resolver := redirect.NewResolver(linkStore, recorder, log, resolverOpts...)
	service := links.NewService(linkStore,
		slug.NewGenerator(linkStore.SlugExists, ReservedSegments),
		cfg.BaseURL, cfg.RedirectStatus, log)
	tokens := auth.NewTokenManager(cfg.JWTSecret, TokenTTL)

	var limiter middleware.KeyLimiter
	switch {
	case cfg.RateLimitRPS <= 0:
	case opts.Redis != nil:
		limiter = middleware.NewRedisLimiter(opts.Redis, "", cfg.RateLimitRPS, cfg.RateLimitBurst)
	default:
		limiter = middleware.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	router := NewRouter(Deps{
		Links:     links.NewHandler(service, log),
		Redirect:  redirect.NewHandler(resolver, cfg.BaseURL, log),
		Analytics: clicks.NewHandler(resolver, events, log),
		Admin:     admin.NewHandler(linkStore, sweep, recorder, log),
		Tokens:    tokens,
		Limiter:   limiter,
		DB:        db,
		Log:       log,
	})

	return &App{
		Router:   router,
		Tokens:   tokens,
		Links:    service,
		Resolver: resolver,
		Recorder: recorder,
		Sweeper:  sweep,
		log:      log,
	}, nil
}

// Start launches the click workers and the sweep scheduler
func (a *App) Start() {
	a.Recorder.Start()
	a.Sweeper.Start()
}

// Shutdown drains queued clicks and stops the scheduler within ctx
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Recorder.Close(ctx); err != nil {
		a.log.Error("click recorder did not drain", "error", err, "dropped", a.Recorder.Dropped())
		errs = append(errs, err)
	}
	if err := a.Sweeper.Stop(ctx); err != nil {
		a.log.Error("sweeper did not stop", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

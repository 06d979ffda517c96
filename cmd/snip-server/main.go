package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/snip/pkg/snip/clicks"
	"github.com/mikepea/snip/pkg/snip/config"
	"github.com/mikepea/snip/pkg/snip/database"
	"github.com/mikepea/snip/pkg/snip/models"
	"github.com/mikepea/snip/pkg/snip/server"
	"github.com/mikepea/snip/pkg/snip/sweeper"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg := config.Load()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("snip server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gormLevel := logger.Warn
	if cfg.LogLevel <= slog.LevelDebug {
		gormLevel = logger.Info
	}
	db, err := database.Connect(cfg.DBDriver, cfg.DBDSN, gormLevel)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if err := models.AutoMigrate(db); err != nil {
		return err
	}
	log.Info("database migrations completed", "driver", cfg.DBDriver)

	var opts server.Options
	if cfg.GeoIPDBPath != "" {
		geo, err := clicks.OpenGeoIP(cfg.GeoIPDBPath)
		if err != nil {
			log.Warn("geolocation disabled", "path", cfg.GeoIPDBPath, "error", err)
		} else {
			defer geo.Close()
			opts.Geo = geo
		}
	}

	if cfg.RedisAddr != "" {
		rdb, err := sweeper.ConnectRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return err
		}
		defer rdb.Close()
		opts.Redis = rdb
		log.Info("redis coordination enabled", "redis", cfg.RedisAddr)
	}

	gin.SetMode(gin.ReleaseMode)
	app, err := server.New(cfg, db, log, opts)
	if err != nil {
		return err
	}
	app.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting snip server", "port", cfg.Port, "base_url", cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, app.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

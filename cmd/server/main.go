package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/school-run/internal/archive"
	"github.com/example/school-run/internal/config"
	"github.com/example/school-run/internal/directions"
	"github.com/example/school-run/internal/dispatch"
	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/geocode"
	httpapi "github.com/example/school-run/internal/http"
	"github.com/example/school-run/internal/ingest"
	"github.com/example/school-run/internal/logging"
	"github.com/example/school-run/internal/notify"
	"github.com/example/school-run/internal/passenger"
	"github.com/example/school-run/internal/planner"
	"github.com/example/school-run/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var store storage.Store
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN, cfg.RunMigrations)
		if err != nil {
			return err
		}
		store = ps
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set; using in-memory store")
	}
	defer store.Close()

	var history storage.HistoryStore = store
	if cfg.SQLiteHistoryPath != "" {
		h, err := storage.NewSQLiteHistory(cfg.SQLiteHistoryPath)
		if err != nil {
			return err
		}
		defer h.Close()
		history = h
	}

	var (
		positions geo.Positions = geo.NewIndex()
		bus       notify.Bus    = notify.NewLocalBus()
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return err
		}
		positions = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		bus = notify.NewRedisBus(rc, cfg.RedisAlertChannel, logger)
	}

	var locations httpapi.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		locations = kp
	}

	var dirs directions.Client = directions.StraightLine{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.DirectionsURL != "" {
		dirs = directions.NewOSRMClient(cfg.DirectionsURL)
	}
	dirs = directions.NewCached(dirs, cfg.DirectionsCacheSize, cfg.DirectionsCacheTTL)

	notifier := &notify.Notifier{Store: store, Bus: bus, Logger: logger}
	if cfg.PushEndpoint != "" {
		notifier.Sinks = append(notifier.Sinks, dispatch.NewPushSink(cfg.PushEndpoint, cfg.PushKey))
	}

	refresher := planner.NewRefresher(store, dirs, cfg.RefreshDebounce, cfg.RefreshMinMove, logger)
	defer refresher.Close()

	machine := &passenger.Machine{Store: store, Alerts: notifier, Logger: logger}
	pl := &planner.Planner{
		Store:          store,
		Positions:      positions,
		Geocoder:       geocode.NewCached(geocode.NewNominatimClient(cfg.GeocoderURL, cfg.GeocoderUserAgent), cfg.GeocodeCacheSize, cfg.GeocodeCacheTTL),
		Directions:     dirs,
		Alerts:         notifier,
		Refresher:      refresher,
		GeocodeWorkers: cfg.GeocodeWorkers,
		Logger:         logger,
	}
	completer := &archive.Completer{
		Store:     store,
		History:   history,
		Notifier:  notifier,
		Resetter:  machine,
		Refresher: refresher,
		Logger:    logger,
	}
	hub := dispatch.NewHub(store, bus, notifier, notify.SessionConfig{
		PopupLimit:    cfg.PopupLimit,
		PopupTimeout:  cfg.PopupTimeout,
		PriorityGrace: cfg.PriorityGrace,
		RetryDelay:    cfg.RetryDelay,
	}, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Store:     store,
		History:   history,
		Positions: positions,
		Planner:   pl,
		Machine:   machine,
		Completer: completer,
		Notifier:  notifier,
		Refresher: refresher,
		Hub:       hub,
		Locations: locations,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("school-run listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}


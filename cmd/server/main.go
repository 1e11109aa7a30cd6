package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fanout"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var readiness []func(context.Context) error

	var drivers storage.DriverStore = storage.NewMemoryDriverStore()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		drivers = storage.NewRedisDriverStore(rc, cfg.RedisGeoKey)
		readiness = append(readiness, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("driver store: redis", "addr", cfg.RedisAddr)
	}

	var rides storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema migrated")
		}
		rides = pg
		readiness = append(readiness, pg.Ping)
		logger.Info("ride store: postgres")
	}

	reg := registry.New(geo.NewIndex(cfg.GeoCellDeg), drivers, logger)
	n, err := reg.Hydrate(ctx)
	if err != nil {
		return fmt.Errorf("hydrate drivers: %w", err)
	}
	logger.Info("drivers hydrated", "count", n)

	estimator := &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	var notifier lifecycle.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.PushEndpoint != "" {
		notifier = notify.Multi{notifier, notify.NewHTTPPush(cfg.PushEndpoint, cfg.PushKey)}
	}

	hub := fanout.NewHub(reg, logger)
	deps := lifecycle.Deps{
		Store:    rides,
		Registry: reg,
		Matcher: &matcher.Service{
			Registry: reg,
			ETA:      estimator,
			Config:   matcher.Config{RadiiKm: cfg.MatchRadiiKm, RatingBandKm: cfg.MatchRatingBandKm, MaxRequery: 2},
			Logger:   logger,
		},
		Fares:    fare.DefaultTable(),
		ETA:      estimator,
		Fanout:   hub,
		Notifier: notifier,
		Logger:   logger,
	}

	var (
		producer  *ingest.KafkaProducer
		locations httpapi.LocationPublisher
	)
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		defer producer.Close()
		deps.Events = producer
		logger.Info("kafka producer configured", "brokers", cfg.KafkaBrokers)
	}

	engine := lifecycle.New(deps, lifecycle.Config{
		MatchWindow:   cfg.MatchWindow,
		RetryInterval: cfg.MatchRetryInterval,
		SweepInterval: cfg.ExpirySweepInterval,
		RoomGrace:     cfg.RoomGracePeriod,
	})
	defer engine.Close()
	reg.SetRideActivity(engine)
	reg.AddListener(engine)
	reg.AddListener(hub)

	if n, err := engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover rides: %w", err)
	} else if n > 0 {
		logger.Info("active rides recovered", "count", n)
	}
	go engine.RunExpirySweeper(ctx)

	if cfg.KafkaIngest {
		locations = producer
		consumer := ingest.NewLocationConsumer(
			ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaGroup),
			func(ctx context.Context, s models.LocationSample) error {
				_, err := reg.UpdateLocation(ctx, s.DriverID, s)
				return err
			},
			logger,
		)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("location consumer stopped", "error", err)
			}
		}()
		logger.Info("location ingest via kafka", "topic", cfg.KafkaLocationTopic, "group", cfg.KafkaGroup)
	}

	api := httpapi.NewServer(httpapi.Deps{
		Engine:    engine,
		Registry:  reg,
		Hub:       hub,
		Fares:     deps.Fares,
		Auth:      auth.New(cfg.JWTSecret),
		Locations: locations,
		Ready: func(ctx context.Context) error {
			var errs []error
			for _, check := range readiness {
				errs = append(errs, check(ctx))
			}
			return errors.Join(errs...)
		},
		Logger: logger,
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
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Command consumer projects the driver location stream from Kafka into the
// Redis GEO set shared with other read-side services.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "consumer_redis_updates_total",
	Help: "Total successful redis updates",
})

var staleSamples = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "consumer_stale_samples_total",
	Help: "Samples skipped because redis already held a newer position",
})

func init() {
	prometheus.MustRegister(redisUpdates, staleSamples)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch-consumer", cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	updater := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := ingest.NewLocationConsumer(
		ingest.NewKafkaReader(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup),
		func(ctx context.Context, s models.LocationSample) error {
			applied, err := updateRedisWithRetry(ctx, updater, cfg.RedisGeoKey, s, cfg.RetryAttempts, cfg.RetryDelay)
			if err != nil {
				return err
			}
			if applied {
				redisUpdates.Inc()
			} else {
				staleSamples.Inc()
			}
			return nil
		},
		logger,
	)
	defer consumer.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down consumer")
}

// RedisUpdater writes one sample and reports whether it was newer than the
// stored position.
type RedisUpdater interface {
	WriteLocation(ctx context.Context, geoKey string, s models.LocationSample) (bool, error)
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) WriteLocation(ctx context.Context, geoKey string, s models.LocationSample) (bool, error) {
	return storage.WriteLocation(ctx, r.c, geoKey, s)
}

// updateRedisWithRetry writes one sample with exponential backoff between
// attempts. A stale sample is not an error; it reports applied=false.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, geoKey string, s models.LocationSample, attempts int, delay time.Duration) (bool, error) {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		var applied bool
		if applied, err = rc.WriteLocation(ctx, geoKey, s); err == nil {
			return applied, nil
		}
	}
	return false, err
}

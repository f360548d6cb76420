package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/school-run/internal/config"
	"github.com/example/school-run/internal/geo"
	"github.com/example/school-run/internal/ident"
	"github.com/example/school-run/internal/ingest"
	"github.com/example/school-run/internal/logging"
	"github.com/example/school-run/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	positionUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_position_updates_total",
		Help: "Total successful driver position updates",
	})
	positionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_position_errors_total",
		Help: "Total driver position updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, positionUpdates, positionErrors)
}

var validate = validator.New()

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	positions := geo.NewRedisGeo(rc, cfg.RedisGeoKey)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroupID, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroupID)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		if err := handleMessage(ctx, positions, m, cfg.RetryAttempts, cfg.RetryBackoff); err != nil {
			if errors.Is(err, errInvalidMessage) {
				msgsInvalid.Inc()
			} else {
				positionErrors.Inc()
			}
			logger.Warn("location sample dropped", "key", string(m.Key), "err", err)
			continue
		}
		positionUpdates.Inc()
	}
}

var errInvalidMessage = errors.New("invalid location message")

func handleMessage(ctx context.Context, positions geo.Positions, m kafka.Message, attempts int, delay time.Duration) error {
	loc, err := ingest.DecodeLocation(m)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if err := validate.Struct(loc.Loc); err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if ident.Normalize(loc.DriverID).Empty() {
		return fmt.Errorf("%w: missing driver id", errInvalidMessage)
	}
	return updatePositionWithRetry(ctx, positions, loc, attempts, delay)
}

// updatePositionWithRetry writes the sample with retry/backoff.
func updatePositionWithRetry(ctx context.Context, positions geo.Positions, loc models.DriverLocation, attempts int, delay time.Duration) error {
	driverID := ident.Normalize(loc.DriverID)
	var err error
	for i := 0; i < attempts; i++ {
		if err = positions.Upsert(ctx, driverID, loc.Loc); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

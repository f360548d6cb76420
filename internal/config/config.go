package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup: with no Redis, Kafka
// or Postgres configured everything runs in memory.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr         string
	RedisPassword     string
	RedisGeoKey       string
	RedisAlertChannel string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN             string
	SQLiteHistoryPath string
	RunMigrations     bool

	GeocoderURL       string
	GeocoderUserAgent string
	GeocodeCacheSize  int
	GeocodeCacheTTL   time.Duration
	GeocodeWorkers    int

	// DirectionsURL empty selects the straight-line estimator.
	DirectionsURL       string
	DirectionsCacheSize int
	DirectionsCacheTTL  time.Duration
	DefaultSpeedMps     float64

	RefreshDebounce time.Duration
	RefreshMinMove  float64

	PopupLimit    int
	PopupTimeout  time.Duration
	PriorityGrace time.Duration
	RetryDelay    time.Duration

	PushEndpoint string
	PushKey      string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		RedisGeoKey:         "drivers_geo",
		RedisAlertChannel:   "school-run:alerts",
		KafkaTopic:          "driver-locations",
		GeocoderUserAgent:   "school-run/1.0",
		GeocodeCacheSize:    1024,
		GeocodeCacheTTL:     24 * time.Hour,
		GeocodeWorkers:      4,
		DirectionsCacheTTL:  time.Minute,
		DirectionsCacheSize: 512,
		DefaultSpeedMps:     8,
		RefreshDebounce:     3 * time.Second,
		RefreshMinMove:      50,
		PopupLimit:          3,
		PopupTimeout:        8 * time.Second,
		PriorityGrace:       30 * time.Second,
		RetryDelay:          2 * time.Second,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisAlertChannel, "REDIS_ALERT_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.SQLiteHistoryPath, "SQLITE_HISTORY_PATH")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.GeocoderURL, "GEOCODER_URL")
	setStringFromEnv(&cfg.GeocoderUserAgent, "GEOCODER_USER_AGENT")
	setIntFromEnv(&cfg.GeocodeCacheSize, "GEOCODE_CACHE_SIZE", &errs)
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)
	setIntFromEnv(&cfg.GeocodeWorkers, "GEOCODE_WORKERS", &errs)

	setStringFromEnv(&cfg.DirectionsURL, "DIRECTIONS_URL")
	setIntFromEnv(&cfg.DirectionsCacheSize, "DIRECTIONS_CACHE_SIZE", &errs)
	setDurationFromEnv(&cfg.DirectionsCacheTTL, "DIRECTIONS_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setDurationFromEnv(&cfg.RefreshDebounce, "ROUTE_REFRESH_DEBOUNCE", &errs)
	setFloatFromEnv(&cfg.RefreshMinMove, "ROUTE_REFRESH_MIN_MOVE_M", &errs)

	setIntFromEnv(&cfg.PopupLimit, "POPUP_LIMIT", &errs)
	setDurationFromEnv(&cfg.PopupTimeout, "POPUP_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.PriorityGrace, "POPUP_PRIORITY_GRACE", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "SUBSCRIPTION_RETRY_DELAY", &errs)

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.GeocoderURL == "" {
		errs = append(errs, errors.New("GEOCODER_URL is required"))
	}
	if cfg.GeocodeCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("GEOCODE_CACHE_SIZE must be > 0"))
	}
	if cfg.DirectionsCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("DIRECTIONS_CACHE_SIZE must be > 0"))
	}
	if cfg.GeocodeWorkers <= 0 {
		errs = append(errs, fmt.Errorf("GEOCODE_WORKERS must be > 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if cfg.PopupLimit <= 0 {
		errs = append(errs, fmt.Errorf("POPUP_LIMIT must be > 0"))
	}
	if cfg.RefreshMinMove < 0 {
		errs = append(errs, fmt.Errorf("ROUTE_REFRESH_MIN_MOVE_M must be >= 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the location consumer's environment.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroupID  string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	RetryAttempts int
	RetryBackoff  time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "driver-locations",
		KafkaGroupID:  "school-run-locations",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		RetryAttempts: 3,
		RetryBackoff:  50 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GeoConfig is shared by every process that derives or reads cell ids. All
// of them must agree on Precision.
type GeoConfig struct {
	Precision    uint
	DefaultRings int
	MaxRings     int
}

// TrackerConfig mirrors tracker.Config for the driver agent.
type TrackerConfig struct {
	HighAccuracyTimeout time.Duration
	LowAccuracyTimeout  time.Duration
	FailureThreshold    int
	StaleAfter          time.Duration
	WatchInterval       time.Duration
	DistanceFilterM     float64
}

type OfferConfig struct {
	Timeout   time.Duration
	Retention time.Duration
}

// FareConfig prices completed trips.
type FareConfig struct {
	Base        float64
	PerKm       float64
	PerMinute   float64
	PlatformFee float64
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	RabbitURL      string
	RabbitExchange string

	JWTSecret string
	JWTTTL    time.Duration

	OSRMEndpoint    string
	DefaultSpeedMps float64
	MatcherTopN     int

	Geo   GeoConfig
	Offer OfferConfig
	Fare  FareConfig

	LogLevel      string
	RunMigrations bool
}

func defaultGeoConfig() GeoConfig {
	return GeoConfig{Precision: 7, DefaultRings: 2, MaxRings: 10}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisPrefix:     "dispatch:",
		KafkaTopic:      "driver-locations",
		RabbitExchange:  "ride_topic",
		JWTSecret:       "dev-secret",
		JWTTTL:          24 * time.Hour,
		DefaultSpeedMps: 10,
		MatcherTopN:     8,
		Geo:             defaultGeoConfig(),
		Offer:           OfferConfig{Timeout: 30 * time.Second, Retention: 15 * time.Minute},
		Fare:            FareConfig{Base: 80, PerKm: 24, PerMinute: 1, PlatformFee: 0.20},
		LogLevel:        "info",
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
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RabbitURL = strings.TrimSpace(os.Getenv("RABBITMQ_URL"))
	setStringFromEnv(&cfg.RabbitExchange, "RABBITMQ_EXCHANGE")

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setDurationFromEnv(&cfg.JWTTTL, "JWT_TTL", &errs)

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	loadGeoConfig(&cfg.Geo, &errs)
	setDurationFromEnv(&cfg.Offer.Timeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Offer.Retention, "OFFER_RETENTION", &errs)
	setFloatFromEnv(&cfg.Fare.Base, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.Fare.PerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.Fare.PerMinute, "FARE_PER_MINUTE", &errs)
	setFloatFromEnv(&cfg.Fare.PlatformFee, "FARE_PLATFORM_FEE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.Offer.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if cfg.Offer.Retention < cfg.Offer.Timeout {
		errs = append(errs, fmt.Errorf("OFFER_RETENTION must be at least OFFER_TIMEOUT"))
	}
	if cfg.Fare.PlatformFee < 0 || cfg.Fare.PlatformFee >= 1 {
		errs = append(errs, fmt.Errorf("FARE_PLATFORM_FEE must be in [0, 1)"))
	}

	return cfg, errors.Join(errs...)
}

func loadGeoConfig(g *GeoConfig, errs *[]error) {
	precision := int(g.Precision)
	setIntFromEnv(&precision, "GEO_PRECISION", errs)
	if precision < 1 || precision > 12 {
		*errs = append(*errs, fmt.Errorf("GEO_PRECISION must be between 1 and 12"))
	} else {
		g.Precision = uint(precision)
	}
	setIntFromEnv(&g.DefaultRings, "NEARBY_DEFAULT_RINGS", errs)
	setIntFromEnv(&g.MaxRings, "NEARBY_MAX_RINGS", errs)
	if g.DefaultRings < 0 || g.MaxRings < 0 {
		*errs = append(*errs, fmt.Errorf("ring counts must be >= 0"))
	}
	if g.DefaultRings > g.MaxRings {
		*errs = append(*errs, fmt.Errorf("NEARBY_DEFAULT_RINGS (%d) exceeds NEARBY_MAX_RINGS (%d)", g.DefaultRings, g.MaxRings))
	}
}

// ConsumerConfig configures the Kafka location replay worker.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string

	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	PGDSN         string

	Geo GeoConfig

	MaxRetries   int
	RetryBackoff time.Duration
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroupID: "driver-location-writer",
		RedisPrefix:  "dispatch:",
		Geo:          defaultGeoConfig(),
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")
	cfg.PGDSN = os.Getenv("PG_DSN")
	loadGeoConfig(&cfg.Geo, &errs)
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryBackoff, "CONSUMER_RETRY_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// AgentConfig configures the simulated driver device.
type AgentConfig struct {
	ServerURL   string
	DriverID    string
	Phone       string
	VehicleType string
	JWTSecret   string

	StartLat float64
	StartLng float64

	// FailFirst makes the simulated device time out on its first N requests.
	FailFirst  int
	AutoAccept bool
	Duration   time.Duration
	// TripStep is the pause between trip stages once an offer is accepted.
	// Zero leaves accepted trips untouched.
	TripStep time.Duration

	Tracker  TrackerConfig
	LogLevel string
}

func LoadAgentConfig() (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:   "http://localhost:8080",
		DriverID:    "driver-1",
		VehicleType: "car",
		JWTSecret:   "dev-secret",
		StartLat:    26.7271,
		StartLng:    85.9274,
		AutoAccept:  true,
		TripStep:    10 * time.Second,
		Tracker: TrackerConfig{
			HighAccuracyTimeout: 15 * time.Second,
			LowAccuracyTimeout:  10 * time.Second,
			FailureThreshold:    3,
			StaleAfter:          30 * time.Second,
			WatchInterval:       10 * time.Second,
			DistanceFilterM:     10,
		},
		LogLevel: "info",
	}
	var errs []error

	setStringFromEnv(&cfg.ServerURL, "AGENT_SERVER_URL")
	setStringFromEnv(&cfg.DriverID, "AGENT_DRIVER_ID")
	setStringFromEnv(&cfg.Phone, "AGENT_PHONE")
	setStringFromEnv(&cfg.VehicleType, "AGENT_VEHICLE_TYPE")
	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setFloatFromEnv(&cfg.StartLat, "AGENT_START_LAT", &errs)
	setFloatFromEnv(&cfg.StartLng, "AGENT_START_LNG", &errs)
	setIntFromEnv(&cfg.FailFirst, "AGENT_FAIL_FIRST", &errs)
	setDurationFromEnv(&cfg.Duration, "AGENT_DURATION", &errs)
	setDurationFromEnv(&cfg.TripStep, "AGENT_TRIP_STEP", &errs)
	if v := os.Getenv("AGENT_AUTO_ACCEPT"); v != "" {
		cfg.AutoAccept = strings.EqualFold(v, "true")
	}

	setDurationFromEnv(&cfg.Tracker.HighAccuracyTimeout, "TRACKER_HIGH_ACCURACY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Tracker.LowAccuracyTimeout, "TRACKER_LOW_ACCURACY_TIMEOUT", &errs)
	setIntFromEnv(&cfg.Tracker.FailureThreshold, "TRACKER_FAILURE_THRESHOLD", &errs)
	setDurationFromEnv(&cfg.Tracker.StaleAfter, "TRACKER_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.Tracker.WatchInterval, "TRACKER_WATCH_INTERVAL", &errs)
	setFloatFromEnv(&cfg.Tracker.DistanceFilterM, "TRACKER_DISTANCE_FILTER_M", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.DriverID == "" {
		errs = append(errs, fmt.Errorf("AGENT_DRIVER_ID must not be empty"))
	}
	if cfg.Tracker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("TRACKER_FAILURE_THRESHOLD must be > 0"))
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

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	DB struct {
		DSN string
	}
	Kafka struct {
		Broker  string
		Topic   string
		GroupID string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
		// DedupeTTL bounds how long a delivered batch id is remembered.
		DedupeTTL time.Duration
	}
	Email struct {
		SMTPServer string
		SMTPPort   int
		Username   string
		Password   string
		FromName   string
	}
	API struct {
		Port     string
		BasePath string
	}
	Tickets struct {
		// BaseURL of the service-desk core API used for escalation
		// actions and subject-state reads.
		BaseURL string
	}
	Engine struct {
		QueueSize       int
		MaxWorkers      int
		SweepInterval   time.Duration
		DeliveryTimeout time.Duration
		// Retry defaults for failed batch delivery: bounded attempts with
		// doubling delay.
		RetryMaxAttempts  int
		RetryInitialDelay time.Duration
	}
	Logging struct {
		Dir   string
		Level string
	}
}

// Load reads environment variables, applies defaults, and returns a Config.
func Load() (Config, error) {
	// Load .env if present
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("failed to load .env file: %w", err)
	}

	var cfg Config

	cfg.DB.DSN = os.Getenv("DB_DSN")

	cfg.Kafka.Broker = os.Getenv("KAFKA_BROKER")
	cfg.Kafka.Topic = os.Getenv("KAFKA_TOPIC")
	cfg.Kafka.GroupID = os.Getenv("KAFKA_GROUP_ID")

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASSWORD")
	cfg.Redis.DB = envInt("REDIS_DB", 0)
	cfg.Redis.DedupeTTL = envDuration("REDIS_DEDUPE_TTL_MS", 24*time.Hour)

	cfg.Email.SMTPServer = os.Getenv("EMAIL_SMTP_SERVER")
	cfg.Email.SMTPPort = envInt("EMAIL_SMTP_PORT", 587)
	cfg.Email.Username = os.Getenv("EMAIL_USERNAME")
	cfg.Email.Password = os.Getenv("EMAIL_PASSWORD")
	cfg.Email.FromName = os.Getenv("EMAIL_FROM_NAME")

	cfg.API.Port = os.Getenv("API_PORT")
	cfg.API.BasePath = os.Getenv("API_BASE_PATH")

	cfg.Tickets.BaseURL = os.Getenv("TICKET_SERVICE_URL")

	cfg.Engine.QueueSize = envInt("QUEUE_SIZE", 500)
	cfg.Engine.MaxWorkers = envInt("MAX_WORKERS", 10)
	cfg.Engine.SweepInterval = envDuration("SWEEP_INTERVAL_MS", 2*time.Second)
	cfg.Engine.DeliveryTimeout = envDuration("DELIVERY_TIMEOUT_MS", 10*time.Second)
	cfg.Engine.RetryMaxAttempts = envInt("DELIVERY_RETRY_MAX_ATTEMPTS", 3)
	cfg.Engine.RetryInitialDelay = envDuration("DELIVERY_RETRY_INITIAL_DELAY_MS", 2*time.Second)

	cfg.Logging.Dir = os.Getenv("LOG_DIR")
	cfg.Logging.Level = os.Getenv("LOG_LEVEL")

	// Validate required settings
	missing := []string{}
	if cfg.DB.DSN == "" {
		missing = append(missing, "DB_DSN")
	}
	if cfg.Kafka.Broker == "" {
		missing = append(missing, "KAFKA_BROKER")
	}
	if cfg.Tickets.BaseURL == "" {
		missing = append(missing, "TICKET_SERVICE_URL")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required configurations: %v", missing)
	}

	// Apply defaults
	if cfg.API.Port == "" {
		cfg.API.Port = ":8080"
	}
	if cfg.API.BasePath == "" {
		cfg.API.BasePath = "/api/v1"
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "ticket_events"
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "notification-engine"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return cfg, nil
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Price feed variants.
const (
	FeedMock = "mock"
	FeedLive = "live"
)

// Ledger modes. In attempted mode a rejected sell still counts toward the
// ledger; in settled mode only orders that changed the holding do.
const (
	LedgerAttempted = "attempted"
	LedgerSettled   = "settled"
)

// Config holds all runtime configuration for the holdings service.
type Config struct {
	Port               int
	LogLevel           string
	StoreBackend       string
	DatabaseURL        string
	LockTimeout        time.Duration
	LockSweepInterval  time.Duration
	LedgerMode         string
	PriceFeed          string
	PriceFeedURL       string
	CORSAllowedOrigins []string
	WebhookTimeout     time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. A .env file (ENV_FILE, or ./.env) is read first when
// present; variables already set in the environment take precedence.
func Load() (*Config, error) {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("invalid ENV_FILE: %w", err)
		}
	} else {
		_ = godotenv.Load() // optional
	}

	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	logLevel := getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", logLevel)
	}

	storeBackend := getStr("STORE_BACKEND", StoreMemory)
	if storeBackend != StoreMemory && storeBackend != StorePostgres {
		return nil, fmt.Errorf("invalid STORE_BACKEND: %q, must be one of: memory, postgres", storeBackend)
	}
	databaseURL := getStr("DATABASE_URL", "")
	if storeBackend == StorePostgres && databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
	}

	lockTimeout, err := getDuration("LOCK_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid LOCK_TIMEOUT: %w", err)
	}
	if lockTimeout < 0 {
		return nil, fmt.Errorf("invalid LOCK_TIMEOUT: must be >= 0")
	}

	lockSweepInterval, err := getDuration("LOCK_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid LOCK_SWEEP_INTERVAL: %w", err)
	}
	if lockSweepInterval <= 0 {
		return nil, fmt.Errorf("invalid LOCK_SWEEP_INTERVAL: must be > 0")
	}

	ledgerMode := getStr("LEDGER_MODE", LedgerAttempted)
	if ledgerMode != LedgerAttempted && ledgerMode != LedgerSettled {
		return nil, fmt.Errorf("invalid LEDGER_MODE: %q, must be one of: attempted, settled", ledgerMode)
	}

	priceFeed := getStr("PRICE_FEED", FeedMock)
	if priceFeed != FeedMock && priceFeed != FeedLive {
		return nil, fmt.Errorf("invalid PRICE_FEED: %q, must be one of: mock, live", priceFeed)
	}
	priceFeedURL := getStr("PRICE_FEED_URL", "")
	if priceFeed == FeedLive && priceFeedURL == "" {
		return nil, fmt.Errorf("PRICE_FEED_URL is required when PRICE_FEED=live")
	}

	origins := getList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:5174"})

	webhookTimeout, err := getDuration("WEBHOOK_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:               port,
		LogLevel:           logLevel,
		StoreBackend:       storeBackend,
		DatabaseURL:        databaseURL,
		LockTimeout:        lockTimeout,
		LockSweepInterval:  lockSweepInterval,
		LedgerMode:         ledgerMode,
		PriceFeed:          priceFeed,
		PriceFeedURL:       priceFeedURL,
		CORSAllowedOrigins: origins,
		WebhookTimeout:     webhookTimeout,
		ReadTimeout:        readTimeout,
		WriteTimeout:       writeTimeout,
		IdleTimeout:        idleTimeout,
		ShutdownTimeout:    shutdownTimeout,
	}, nil
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

// getList splits a comma-separated value, dropping blanks.
func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

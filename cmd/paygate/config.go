package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/paygate/internal/logger"
	"github.com/nkiryanov/paygate/internal/service/merchantconfig"
	"github.com/nkiryanov/paygate/internal/service/reconciler"
)

const (
	defaultListenAddr       = "localhost:8000"
	defaultLoggingLevel     = logger.LevelInfo
	defaultEnvironment      = logger.EnvProduction
	defaultProvidersCatalog = "providers.yaml"
	defaultCallbackBaseURL  = "http://localhost:8000"
	defaultTimezone         = "Asia/Kolkata"
	defaultProviderTimeout  = 15 * time.Second
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Environment selects log format
	Environment string

	// YAML file with provider endpoints and call policies
	ProvidersCatalog string

	// Public base URL providers deliver callbacks to
	CallbackBaseURL string

	// Daily and monthly limit windows start at local midnight of this zone
	Timezone string

	SyncInterval time.Duration
	QuietPeriod  time.Duration
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	RetryDelay   time.Duration
	ExpiryAge    time.Duration

	ProviderTimeout time.Duration
	ConfigCacheTTL  time.Duration

	// Reconciliation pass stops early above this RSS, zero disables the check
	MemoryHighWaterMB uint64
}

func NewConfig() *Config {
	rc := reconciler.DefaultConfig()

	return &Config{
		LogLevel:         defaultLoggingLevel,
		ListenAddr:       defaultListenAddr,
		Environment:      defaultEnvironment,
		ProvidersCatalog: defaultProvidersCatalog,
		CallbackBaseURL:  defaultCallbackBaseURL,
		Timezone:         defaultTimezone,
		SyncInterval:     rc.Interval,
		QuietPeriod:      rc.QuietPeriod,
		BatchSize:        rc.BatchSize,
		Concurrency:      rc.Concurrency,
		MaxRetries:       rc.MaxRetries,
		RetryDelay:       rc.RetryDelay,
		ExpiryAge:        rc.ExpiryAge,
		ProviderTimeout:  defaultProviderTimeout,
		ConfigCacheTTL:   merchantconfig.DefaultTTL,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			*o = d
			return nil
		}
	}
	setInt := func(o *int) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.Atoi(value)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}
	setUint := func(o *uint64) func(value string) error {
		return func(value string) error {
			if value == "" {
				return nil
			}
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return err
			}
			*o = n
			return nil
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":          setString(&c.ListenAddr),
		"DATABASE_URI":         setString(&c.DatabaseDSN),
		"LOG_LEVEL":            setString(&c.LogLevel),
		"ENVIRONMENT":          setString(&c.Environment),
		"PROVIDERS_CATALOG":    setString(&c.ProvidersCatalog),
		"CALLBACK_BASE_URL":    setString(&c.CallbackBaseURL),
		"TIMEZONE":             setString(&c.Timezone),
		"SYNC_INTERVAL":        setDuration(&c.SyncInterval),
		"SYNC_QUIET_PERIOD":    setDuration(&c.QuietPeriod),
		"SYNC_BATCH_SIZE":      setInt(&c.BatchSize),
		"SYNC_CONCURRENCY":     setInt(&c.Concurrency),
		"SYNC_MAX_RETRIES":     setInt(&c.MaxRetries),
		"SYNC_RETRY_DELAY":     setDuration(&c.RetryDelay),
		"ORDER_EXPIRY_AGE":     setDuration(&c.ExpiryAge),
		"PROVIDER_TIMEOUT":     setDuration(&c.ProviderTimeout),
		"CONFIG_CACHE_TTL":     setDuration(&c.ConfigCacheTTL),
		"MEMORY_HIGH_WATER_MB": setUint(&c.MemoryHighWaterMB),
	}

	var errs []error
	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			errs = append(errs, fmt.Errorf("env %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("paygate", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production)")
	fs.StringVarP(&c.ProvidersCatalog, "providers", "p", c.ProvidersCatalog, "Provider catalog YAML file")
	fs.StringVar(&c.CallbackBaseURL, "callback-url", c.CallbackBaseURL, "Public base URL for provider callbacks")
	fs.StringVar(&c.Timezone, "timezone", c.Timezone, "Timezone of daily and monthly limit windows")

	fs.DurationVar(&c.SyncInterval, "sync-interval", c.SyncInterval, "Interval between reconciliation passes")
	fs.DurationVar(&c.QuietPeriod, "sync-quiet-period", c.QuietPeriod, "Orders updated more recently are not reconciled")
	fs.IntVar(&c.BatchSize, "sync-batch-size", c.BatchSize, "Orders per reconciliation batch")
	fs.IntVar(&c.Concurrency, "sync-concurrency", c.Concurrency, "Concurrent status queries per provider")
	fs.IntVar(&c.MaxRetries, "sync-max-retries", c.MaxRetries, "Failed status queries before an order is marked sync failed")
	fs.DurationVar(&c.RetryDelay, "sync-retry-delay", c.RetryDelay, "Delay between status query retries of an order")
	fs.DurationVar(&c.ExpiryAge, "expiry-age", c.ExpiryAge, "Age after which non-terminal orders expire")

	fs.DurationVar(&c.ProviderTimeout, "provider-timeout", c.ProviderTimeout, "Timeout of a provider HTTP call")
	fs.DurationVar(&c.ConfigCacheTTL, "config-cache-ttl", c.ConfigCacheTTL, "Merchant config cache TTL")
	fs.Uint64Var(&c.MemoryHighWaterMB, "memory-high-water", c.MemoryHighWaterMB, "RSS in MB above which reconciliation delays its next batch, 0 disables")

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return errors.New("database DSN is required")
	}
	if c.BatchSize <= 0 || c.Concurrency <= 0 || c.MaxRetries <= 0 {
		return errors.New("sync settings must be positive")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	return nil
}

func (c *Config) reconcilerConfig() reconciler.Config {
	rc := reconciler.DefaultConfig()
	rc.Interval = c.SyncInterval
	rc.QuietPeriod = c.QuietPeriod
	rc.BatchSize = c.BatchSize
	rc.Concurrency = c.Concurrency
	rc.MaxRetries = c.MaxRetries
	rc.RetryDelay = c.RetryDelay
	rc.ExpiryAge = c.ExpiryAge
	rc.MemoryHighWater = c.MemoryHighWaterMB << 20
	return rc
}

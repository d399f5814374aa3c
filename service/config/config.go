package config

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/brojonat/ledgerpipe/service/nats"
	"github.com/brojonat/ledgerpipe/service/pipeline"
	"github.com/brojonat/ledgerpipe/service/verify"
)

// Config holds all application configuration loaded from environment variables.
// Everything is validated at startup so misconfiguration fails fast.
type Config struct {
	// Server configuration
	ServerAddr  string
	LogLevel    string
	MetricsAddr string

	// Optional sinks and streams; empty disables them.
	DatabaseURL string
	NATSURL     string
	SnapshotDir string

	// Echo peer
	EchoURL   string
	EchoDelay time.Duration

	// Ledger
	GenesisAddress string
	GenesisSupply  uint64
	FunderAddress  string

	// Pipeline
	BatchSize       int
	MaxDuration     time.Duration
	MaxTransactions uint64
	MaxCycles       int
	Concurrency     int
	RandomSeed      int64
	Verifier        string

	// Dispatch
	DispatchTimeout     time.Duration
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates it.
// All problems are reported together.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.SnapshotDir = os.Getenv("SNAPSHOT_DIR")

	cfg.EchoURL = getEnvOrDefault("ECHO_URL", "http://127.0.0.1:8000/echo")
	collect(&errs, &cfg.EchoDelay, func() (time.Duration, error) { return parseDuration("ECHO_DELAY", "0s") })

	cfg.GenesisAddress = getEnvOrDefault("GENESIS_ADDRESS", "GENESIS")
	collect(&errs, &cfg.GenesisSupply, func() (uint64, error) { return parseUint("GENESIS_SUPPLY", 1_000_000_000) })
	cfg.FunderAddress = getEnvOrDefault("FUNDER_ADDRESS", cfg.GenesisAddress)

	collect(&errs, &cfg.BatchSize, func() (int, error) { return parseInt("BATCH_SIZE", 100) })
	collect(&errs, &cfg.MaxDuration, func() (time.Duration, error) { return parseDuration("MAX_DURATION", "0s") })
	collect(&errs, &cfg.MaxTransactions, func() (uint64, error) { return parseUint("MAX_TRANSACTIONS", 0) })
	collect(&errs, &cfg.MaxCycles, func() (int, error) { return parseInt("MAX_CYCLES", 1) })
	collect(&errs, &cfg.Concurrency, func() (int, error) { return parseInt("CONCURRENCY", 1) })
	collect(&errs, &cfg.RandomSeed, func() (int64, error) {
		v, err := parseInt("RANDOM_SEED", 0)
		return int64(v), err
	})
	cfg.Verifier = getEnvOrDefault("VERIFIER", verify.KindAcceptAll)

	collect(&errs, &cfg.DispatchTimeout, func() (time.Duration, error) { return parseDuration("DISPATCH_TIMEOUT", "10s") })
	collect(&errs, &cfg.DispatchMaxAttempts, func() (int, error) { return parseInt("DISPATCH_MAX_ATTEMPTS", 1) })
	collect(&errs, &cfg.DispatchBackoff, func() (time.Duration, error) { return parseDuration("DISPATCH_BACKOFF", "500ms") })

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "ledgerpipe-runs")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("configuration validation failed: %v", errs)
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks a configuration that may have been built by hand.
func (c *Config) Validate() error {
	var errs []error

	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("BatchSize must be positive"))
	}
	if c.GenesisAddress == "" {
		errs = append(errs, fmt.Errorf("GenesisAddress is required"))
	} else if !nats.ValidSubjectToken(c.GenesisAddress) {
		errs = append(errs, fmt.Errorf("GenesisAddress %q cannot contain '.', '*', '>' or whitespace", c.GenesisAddress))
	}
	if c.FunderAddress != "" && !nats.ValidSubjectToken(c.FunderAddress) {
		errs = append(errs, fmt.Errorf("FunderAddress %q cannot contain '.', '*', '>' or whitespace", c.FunderAddress))
	}
	if c.GenesisSupply == 0 {
		errs = append(errs, fmt.Errorf("GenesisSupply must be positive"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("Concurrency must be at least 1"))
	}
	if c.DispatchMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("DispatchMaxAttempts must be at least 1"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DispatchTimeout must be positive"))
	}
	if c.MaxCycles < 0 || c.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("loop bounds cannot be negative"))
	}
	if c.MaxCycles == 0 && c.MaxTransactions == 0 && c.MaxDuration == 0 {
		errs = append(errs, fmt.Errorf("at least one of MaxCycles, MaxTransactions or MaxDuration must be set"))
	}
	if u, err := url.Parse(c.EchoURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("EchoURL must be an http(s) URL, got %q", c.EchoURL))
	}
	if !slices.Contains(append(verify.Kinds(), verify.KindNone), c.Verifier) {
		errs = append(errs, fmt.Errorf("Verifier must be one of %v, got %q", verify.Kinds(), c.Verifier))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}
	return nil
}

// PipelineConfig translates the loop and dispatch settings for the controller.
func (c *Config) PipelineConfig() pipeline.Config {
	retry := pipeline.DefaultRetryPolicy()
	retry.MaxAttempts = c.DispatchMaxAttempts
	retry.InitialInterval = c.DispatchBackoff
	return pipeline.Config{
		BatchSize:       c.BatchSize,
		Funder:          c.FunderAddress,
		MaxDuration:     c.MaxDuration,
		MaxTransactions: c.MaxTransactions,
		MaxCycles:       c.MaxCycles,
		Concurrency:     c.Concurrency,
		Retry:           retry,
	}
}

// collect stores the parsed value in dst, or records the parse error.
func collect[T any](errs *[]error, dst *T, parse func() (T, error)) {
	v, err := parse()
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	*dst = v
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseUint parses a non-negative integer from an environment variable.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid non-negative integer %q: %w", key, value, err)
	}
	return result, nil
}

// Package config loads the Engine's run configuration from a YAML file plus
// the PG* environment variables naming the tabular store connection,
// following the teacher's (and blackholedex's) plain-struct + yaml.v3
// loading shape; no framework sits between the file and the struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/CoinSummer/clamm-backtest/strategy"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultStepMs              = 1000
	defaultMetricsIntervalMs   = 60000
	defaultPoolSeedEventCount  = 0
)

// Config is the Engine's run configuration, the YAML-facing mirror of
// spec.md §6's recognized field set.
type Config struct {
	PoolID      string `yaml:"pool_id"`
	StartTime   int64  `yaml:"start_time"`
	EndTime     int64  `yaml:"end_time"`
	Decimals0   int32  `yaml:"decimals0"`
	Decimals1   int32  `yaml:"decimals1"`
	Token0Name  string `yaml:"token0_name"`
	Token1Name  string `yaml:"token1_name"`
	FeeRatePpm  int64  `yaml:"fee_rate_ppm"`
	TickSpacing int32  `yaml:"tick_spacing"`

	StepMs int64 `yaml:"step_ms"`

	DataDir string `yaml:"data_dir"`

	PoolSeedEndTime     int64 `yaml:"pool_seed_end_time"`
	MetricsIntervalMs   int64 `yaml:"metrics_interval_ms"`
	PoolSeedEventCount  int   `yaml:"pool_seed_event_count"`

	Invest0        string `yaml:"invest0"`
	Invest1        string `yaml:"invest1"`
	SimulateErrors int    `yaml:"simulate_errors"`

	// StrategyFactory is not YAML-loadable; it must be set in code after
	// Load returns. cmd/backtest sets none itself and exits when it is nil.
	StrategyFactory strategy.Factory `yaml:"-"`
}

// StoreConfig holds the tabular store's connection parameters, sourced from
// the PG* environment variables named in spec.md §6.
type StoreConfig struct {
	Host             string
	Port             string
	Database         string
	User             string
	Password         string
	SSL              string
	MaxConnections   string
	IdleTimeout      string
	ConnectTimeout   string
}

// Load reads and parses path into a Config, applying the spec's defaults
// for fields marked optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if cfg.StepMs == 0 {
		cfg.StepMs = defaultStepMs
	}
	if cfg.PoolSeedEndTime == 0 {
		cfg.PoolSeedEndTime = cfg.StartTime
	}
	if cfg.MetricsIntervalMs == 0 {
		cfg.MetricsIntervalMs = defaultMetricsIntervalMs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate applies spec.md §6's required-field and ordering checks.
func (c *Config) Validate() error {
	if c.EndTime <= c.StartTime {
		return errors.New("config: end_time must be greater than start_time")
	}
	if c.Token0Name == "" || c.Token1Name == "" {
		return errors.New("config: token0_name and token1_name are required")
	}
	if c.PoolID == "" {
		return errors.New("config: pool_id is required")
	}
	if c.TickSpacing <= 0 {
		return errors.New("config: tick_spacing must be positive")
	}
	if isNegativeDecimalString(c.Invest0) || isNegativeDecimalString(c.Invest1) {
		return errors.New("config: invest0 and invest1 must be non-negative")
	}
	return nil
}

func isNegativeDecimalString(s string) bool {
	return len(s) > 0 && s[0] == '-'
}

// LoadStoreConfig reads the PG* environment variables, loading a .env file
// first (via godotenv) when one is present in the working directory, the
// same secrets-loading shape blackholedex's cmd/main.go uses for its own
// env-sourced credentials.
func LoadStoreConfig() StoreConfig {
	_ = godotenv.Load()

	return StoreConfig{
		Host:           os.Getenv("PGHOST"),
		Port:           os.Getenv("PGPORT"),
		Database:       os.Getenv("PGDATABASE"),
		User:           os.Getenv("PGUSER"),
		Password:       os.Getenv("PGPASSWORD"),
		SSL:            os.Getenv("PGSSL"),
		MaxConnections: os.Getenv("PGMAXCONNECTIONS"),
		IdleTimeout:    os.Getenv("PGIDLE_TIMEOUT"),
		ConnectTimeout: os.Getenv("PGCONNECT_TIMEOUT"),
	}
}

// DSN assembles a libpq connection string from the store config's fields;
// any blank field is simply omitted rather than substituted with a default,
// leaving libpq's own defaults to apply.
func (s StoreConfig) DSN() string {
	dsn := ""
	add := func(key, value string) {
		if value == "" {
			return
		}
		dsn += key + "=" + value + " "
	}
	add("host", s.Host)
	add("port", s.Port)
	add("dbname", s.Database)
	add("user", s.User)
	add("password", s.Password)
	add("sslmode", s.SSL)
	add("connect_timeout", s.ConnectTimeout)
	return dsn
}

// MaxConnectionsInt parses MaxConnections, defaulting to 0 (meaning "let the
// driver decide") on an empty or unparseable value. Passed to
// eventsource.NewTabularSource to bound the pool's open-connection count.
func (s StoreConfig) MaxConnectionsInt() int {
	n, err := strconv.Atoi(s.MaxConnections)
	if err != nil {
		return 0
	}
	return n
}

// IdleTimeoutDuration parses IdleTimeout (seconds) into a time.Duration,
// defaulting to 0 (meaning "let the driver decide") on an empty or
// unparseable value. Passed to eventsource.NewTabularSource to bound how
// long an idle pooled connection is kept open.
func (s StoreConfig) IdleTimeoutDuration() time.Duration {
	n, err := strconv.Atoi(s.IdleTimeout)
	if err != nil || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

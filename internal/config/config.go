package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server  ServerConfig
	Log     LogConfig
	Storage StorageConfig
	Scrape  ScrapeConfig
	Cache   CacheConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir string
}

type ScrapeConfig struct {
	MaxWorkers      int
	MinInterval     time.Duration
	RequestTimeout  time.Duration
	MaxAttempts     int
	BackoffUnit     time.Duration
	Adapter         string
	HTTPBaseURL     string
	Schedule        string
	FollowerCeiling int64
	FailureRate     float64
}

type CacheConfig struct {
	RedisURL      string
	RedisPassword string
	L1Capacity    int
	L1TTL         time.Duration
	OutageTTL     time.Duration
	ProbeInterval time.Duration
	WarmTopN      int
	KeyPrefix     string
}

// Adapter kinds.
const (
	AdapterSimulated = "simulated"
	AdapterHTTP      = "http"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Scrape: ScrapeConfig{
			MaxWorkers:      4,
			MinInterval:     500 * time.Millisecond,
			RequestTimeout:  20 * time.Second,
			MaxAttempts:     4,
			BackoffUnit:     time.Second,
			Adapter:         AdapterSimulated,
			Schedule:        "0 6 * * *",
			FollowerCeiling: 10_000_000_000,
		},
		Cache: CacheConfig{
			RedisURL:      "redis://localhost:6379/0",
			L1Capacity:    1000,
			L1TTL:         60 * time.Second,
			OutageTTL:     10 * time.Second,
			ProbeInterval: 5 * time.Second,
			WarmTopN:      10,
			KeyPrefix:     "smt",
		},
	}
}

// Load reads configuration in increasing order of precedence: built-in
// defaults, the JSON file at $XDG_CONFIG_HOME/smtrack/config.json, and SMT_*
// environment variables. Variables in .env and .env.local in the working
// directory are loaded first without overriding the process environment.
func Load() (Config, error) {
	loadDotEnv()
	return loadWith(newBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv() {
	for _, file := range []string{".env", ".env.local"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not load %s: %v\n", file, err)
		}
	}
}

func (c Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Scrape.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("scrape.max_workers must be at least 1, got %d", c.Scrape.MaxWorkers))
	}
	if c.Scrape.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("scrape.max_attempts must be at least 1, got %d", c.Scrape.MaxAttempts))
	}
	if c.Scrape.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("scrape.request_timeout must be positive, got %s", c.Scrape.RequestTimeout))
	}
	if c.Scrape.FailureRate < 0 || c.Scrape.FailureRate > 1 {
		errs = append(errs, fmt.Errorf("scrape.failure_rate must be within [0, 1], got %v", c.Scrape.FailureRate))
	}
	switch c.Scrape.Adapter {
	case AdapterSimulated:
	case AdapterHTTP:
		if c.Scrape.HTTPBaseURL == "" {
			errs = append(errs, errors.New("scrape.http_base_url is required when scrape.adapter is http"))
		}
	default:
		errs = append(errs, fmt.Errorf("scrape.adapter must be %s or %s, got %q", AdapterSimulated, AdapterHTTP, c.Scrape.Adapter))
	}
	if c.Cache.L1Capacity < 1 {
		errs = append(errs, fmt.Errorf("cache.l1_capacity must be at least 1, got %d", c.Cache.L1Capacity))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "smtrack-data"
		}
	}
	return filepath.Join(dir, "smtrack")
}

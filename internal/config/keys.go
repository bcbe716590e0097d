package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kInt64
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SMT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "SMT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SMT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "scrape.max_workers", typ: kInt, env: "SMT_SCRAPE_MAX_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Scrape.MaxWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Scrape.MaxWorkers },
	},
	{
		key: "scrape.min_interval", typ: kDuration, env: "SMT_SCRAPE_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scrape.MinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scrape.MinInterval },
	},
	{
		key: "scrape.request_timeout", typ: kDuration, env: "SMT_SCRAPE_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Scrape.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scrape.RequestTimeout },
	},
	{
		key: "scrape.max_attempts", typ: kInt, env: "SMT_SCRAPE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Scrape.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Scrape.MaxAttempts },
	},
	{
		key: "scrape.backoff_unit", typ: kDuration, env: "SMT_SCRAPE_BACKOFF_UNIT",
		apply:   func(cfg *Config, v any) { cfg.Scrape.BackoffUnit = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scrape.BackoffUnit },
	},
	{
		key: "scrape.adapter", typ: kString, env: "SMT_SCRAPE_ADAPTER",
		apply:   func(cfg *Config, v any) { cfg.Scrape.Adapter = v.(string) },
		extract: func(cfg Config) any { return cfg.Scrape.Adapter },
	},
	{
		key: "scrape.http_base_url", typ: kString, env: "SMT_SCRAPE_HTTP_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Scrape.HTTPBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Scrape.HTTPBaseURL },
	},
	{
		key: "scrape.schedule", typ: kString, env: "SMT_SCRAPE_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Scrape.Schedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Scrape.Schedule },
	},
	{
		key: "scrape.follower_ceiling", typ: kInt64, env: "SMT_SCRAPE_FOLLOWER_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Scrape.FollowerCeiling = v.(int64) },
		extract: func(cfg Config) any { return cfg.Scrape.FollowerCeiling },
	},
	{
		key: "scrape.failure_rate", typ: kFloat, env: "SMT_SCRAPE_FAILURE_RATE",
		apply:   func(cfg *Config, v any) { cfg.Scrape.FailureRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Scrape.FailureRate },
	},
	{
		key: "cache.redis_url", typ: kString, env: "SMT_CACHE_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisURL },
	},
	{
		key: "cache.redis_password", typ: kString, env: "SMT_CACHE_REDIS_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Cache.RedisPassword = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.RedisPassword },
	},
	{
		key: "cache.l1_capacity", typ: kInt, env: "SMT_CACHE_L1_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Cache.L1Capacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.L1Capacity },
	},
	{
		key: "cache.l1_ttl", typ: kDuration, env: "SMT_CACHE_L1_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.L1TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.L1TTL },
	},
	{
		key: "cache.outage_ttl", typ: kDuration, env: "SMT_CACHE_OUTAGE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.OutageTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.OutageTTL },
	},
	{
		key: "cache.probe_interval", typ: kDuration, env: "SMT_CACHE_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cache.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.ProbeInterval },
	},
	{
		key: "cache.warm_top_n", typ: kInt, env: "SMT_CACHE_WARM_TOP_N",
		apply:   func(cfg *Config, v any) { cfg.Cache.WarmTopN = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.WarmTopN },
	},
	{
		key: "cache.key_prefix", typ: kString, env: "SMT_CACHE_KEY_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Cache.KeyPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Cache.KeyPrefix },
	},
}

// parseValue converts raw into the Go type for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kInt64:
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i, nil
		}
		// JSON numbers read back from the file backend may be in float form.
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
			return nil, fmt.Errorf("%q is not a whole number", raw)
		}
		return int64(f), nil
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// Package config loads the engine's configuration from environment
// variables (prefix VISTORE_), with an optional .env file for local
// development. Every policy constant the engine applies (tolerances,
// TTLs, pool sizes, backoff) lives here rather than being hard-coded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig      `envPrefix:"SERVER_"`
	Storage     StorageConfig     `envPrefix:"STORAGE_"`
	Tx          TxConfig          `envPrefix:"TX_"`
	Cache       CacheConfig       `envPrefix:"CACHE_"`
	Consistency ConsistencyConfig `envPrefix:"CONSISTENCY_"`
	Prefetch    PrefetchConfig    `envPrefix:"PREFETCH_"`
	Compress    CompressConfig    `envPrefix:"COMPRESS_"`
	Query       QueryConfig       `envPrefix:"QUERY_"`
	Log         LogConfig         `envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port     int    `env:"PORT" envDefault:"4600"`
	APIToken string `env:"API_TOKEN"`
}

type StorageConfig struct {
	DataDir  string `env:"DATA_DIR"`
	PoolSize int    `env:"POOL_SIZE" envDefault:"5"`
}

type TxConfig struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"500ms"`
}

type CacheConfig struct {
	L1Capacity    int           `env:"L1_CAPACITY" envDefault:"100"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	DerivedTTL    time.Duration `env:"DERIVED_TTL" envDefault:"10m"`
	ImmutableTTL  time.Duration `env:"IMMUTABLE_TTL" envDefault:"24h"`
}

type ConsistencyConfig struct {
	SamplingIntervalSec float64       `env:"SAMPLING_INTERVAL_SEC" envDefault:"1.0"`
	FrameCountTolerance float64       `env:"FRAME_COUNT_TOLERANCE" envDefault:"0.25"`
	CaptionTolerance    float64       `env:"CAPTION_TOLERANCE" envDefault:"0.10"`
	GapThresholdSec     float64       `env:"GAP_THRESHOLD_SEC" envDefault:"2.0"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"0"` // 0 disables the periodic sweep
}

type PrefetchConfig struct {
	WindowSize     int           `env:"WINDOW_SIZE" envDefault:"20"`
	LaneWidth      int64         `env:"LANE_WIDTH" envDefault:"2"`
	AcquireTimeout time.Duration `env:"ACQUIRE_TIMEOUT" envDefault:"100ms"`
	PageSize       int           `env:"PAGE_SIZE" envDefault:"50"`
	WarmTimeout    time.Duration `env:"WARM_TIMEOUT" envDefault:"5s"`
}

type CompressConfig struct {
	MinSize      int `env:"MIN_SIZE" envDefault:"512"`
	ImageQuality int `env:"IMAGE_QUALITY" envDefault:"80"`
}

type QueryConfig struct {
	AcquireTimeout time.Duration `env:"ACQUIRE_TIMEOUT" envDefault:"2s"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"100"`
}

type LogConfig struct {
	Level string `env:"LEVEL" envDefault:"info"`
}

// Load reads .env (when present) and the VISTORE_* environment.
func Load() (Config, error) {
	// Missing .env is fine; env vars alone are a complete config.
	_ = godotenv.Load()

	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "VISTORE_"})
	if err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaultDataDir()
	}
	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API token. Set VISTORE_SERVER_API_TOKEN")
	}
	return cfg, nil
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".vistore")
	}
	return ".vistore"
}

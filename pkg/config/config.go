package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lsmkv/pkg/persistence"
	"lsmkv/pkg/store"
)

// Config is the root of the YAML configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	Server ServerConfig `yaml:"http-server"`
	DB     DBConfig     `yaml:"db"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type DBConfig struct {
	Path           string            `yaml:"path"`
	BlockSize      int               `yaml:"block_size"`
	SyncWrites     bool              `yaml:"sync_writes"`
	FlushThreshold int               `yaml:"flush_threshold"`
	CompactTrigger int               `yaml:"compact_trigger"`
	BloomFilter    BloomFilterConfig `yaml:"bloom_filter"`
}

type BloomFilterConfig struct {
	FPRate        float64 `yaml:"fp_rate"`
	ExpectedItems uint    `yaml:"expected_items"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
		},
		DB: DBConfig{
			Path:           "./data",
			BlockSize:      persistence.DefaultBlockSize,
			SyncWrites:     true,
			FlushThreshold: 4 << 20,
			CompactTrigger: 4,
			BloomFilter: BloomFilterConfig{
				FPRate:        0.01,
				ExpectedItems: 100_000,
			},
		},
	}
}

// Validate rejects values the store or the server cannot run with.
func (c Config) Validate() error {
	if _, err := c.Logger.SlogLevel(); err != nil {
		return err
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("http-server.port out of range: %d", c.Server.Port)
	}
	if c.DB.Path == "" {
		return fmt.Errorf("db.path is required")
	}
	if c.DB.BlockSize < 0 {
		return fmt.Errorf("db.block_size must not be negative: %d", c.DB.BlockSize)
	}
	if fp := c.DB.BloomFilter.FPRate; fp < 0 || fp >= 1 {
		return fmt.Errorf("db.bloom_filter.fp_rate must be in [0, 1): %v", fp)
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToUpper(l.Level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "", "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown logger.level %q", l.Level)
	}
}

// StoreOptions converts the db section into store options.
func (c DBConfig) StoreOptions() store.Options {
	opts := store.DefaultOptions()
	opts.SyncWrites = c.SyncWrites
	opts.FlushThreshold = c.FlushThreshold
	opts.CompactTrigger = c.CompactTrigger
	opts.Persistence = persistence.Options{
		BlockSize:          c.BlockSize,
		BloomFPRate:        c.BloomFilter.FPRate,
		BloomExpectedItems: c.BloomFilter.ExpectedItems,
	}
	return opts
}

package main

import (
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"lsmkv/pkg/config"
	"lsmkv/pkg/store"
)

// initConfig loads the YAML config over the defaults. A missing file means
// config.Default().
func initConfig(path string) (config.Config, error) {
	cfg := config.Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) error {
	level, err := cfg.Logger.SlogLevel()
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", level, "json", cfg.Logger.JSON)
	return nil
}

// openDB creates the data directory if needed and opens the store.
func openDB() (*store.DB, error) {
	if err := os.MkdirAll(cfg.DB.Path, 0o755); err != nil {
		return nil, err
	}
	return store.Open(cfg.DB.Path, cfg.DB.StoreOptions())
}

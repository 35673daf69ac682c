// Package config loads the settings for the liovf binary.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration.
type Config struct {
	RxQueues int    `yaml:"rx_queues"`
	TxQueues int    `yaml:"tx_queues"`
	RxDescs  int    `yaml:"rx_descs"`
	TxDescs  int    `yaml:"tx_descs"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		RxQueues: 4,
		TxQueues: 4,
		RxDescs:  512,
		TxDescs:  512,
		LogLevel: "info",
	}
}

// Load reads a YAML config file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate rejects settings the driver would refuse anyway, with better
// error messages than it would give.
func (c Config) Validate() error {
	if c.RxQueues < 1 || c.TxQueues < 1 {
		return fmt.Errorf("config: queue counts must be at least 1, got %d rx / %d tx",
			c.RxQueues, c.TxQueues)
	}

	for _, n := range []int{c.RxDescs, c.TxDescs} {
		if n < 32 || n > 32768 || n&(n-1) != 0 {
			return fmt.Errorf("config: descriptor counts must be powers of two in [32, 32768], got %d", n)
		}
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// Level translates the configured log level.
func (c Config) Level() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}

	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return 0, fmt.Errorf("config: unknown log level %q", s)
}

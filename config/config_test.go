package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/c35s/liovf/config"
	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "liovf.yaml")

	data := []byte("rx_queues: 2\ntx_queues: 8\nlog_level: debug\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	want := config.Config{
		RxQueues: 2,
		TxQueues: 8,
		RxDescs:  512, // default
		TxDescs:  512, // default
		LogLevel: "debug",
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config differs (-want +got):\n%s", diff)
	}

	if cfg.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", cfg.Level())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("no error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{name: "default", mutate: func(*config.Config) {}, ok: true},
		{name: "zero queues", mutate: func(c *config.Config) { c.RxQueues = 0 }},
		{name: "descs not power of two", mutate: func(c *config.Config) { c.TxDescs = 100 }},
		{name: "descs too small", mutate: func(c *config.Config) { c.RxDescs = 16 }},
		{name: "bad level", mutate: func(c *config.Config) { c.LogLevel = "loud" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)

			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Errorf("err = %v, ok = %t", err, tc.ok)
			}
		})
	}
}

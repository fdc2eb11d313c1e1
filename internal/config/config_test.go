package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.APIPort != 8080 || cfg.OrchPort != 8083 || cfg.SchedPort != 8081 {
		t.Errorf("ports = %d/%d/%d", cfg.APIPort, cfg.OrchPort, cfg.SchedPort)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.ResumeInterval != time.Second || cfg.RunningLease != 30*time.Second {
		t.Errorf("intervals = %v/%v", cfg.ResumeInterval, cfg.RunningLease)
	}
	if cfg.GraphCacheTTL != 5*time.Minute {
		t.Errorf("GraphCacheTTL = %v", cfg.GraphCacheTTL)
	}
	if cfg.RedisURL != "" {
		t.Errorf("RedisURL = %q, want empty", cfg.RedisURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_ATTEMPTS", "5")
	t.Setenv("RESUME_INTERVAL", "250ms")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if cfg.ResumeInterval != 250*time.Millisecond {
		t.Errorf("ResumeInterval = %v", cfg.ResumeInterval)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "funnel.yaml")
	data := "batch_size: 25\ngateway_url: http://gw:9000\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(viper.New(), path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BatchSize != 25 || cfg.GatewayURL != "http://gw:9000" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := load(viper.New(), "/nonexistent/funnel.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := load(viper.New(), "")
	cfg.MaxAttempts = 0
	cfg.PollInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error")
	}
}

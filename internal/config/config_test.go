// Copyright 2025 James Ross
package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.ConsumerCount != 4 {
		t.Fatalf("expected default consumer count 4, got %d", cfg.Queue.ConsumerCount)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if len(cfg.Topics) != 1 || cfg.Topics[0] != "default" {
		t.Fatalf("expected default topic list, got %v", cfg.Topics)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Queue.ConsumerCount = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue.consumer_count < 1")
	}

	cfg = defaultConfig()
	cfg.Queue.HeartbeatTimeout = cfg.Queue.HeartbeatInterval
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error when heartbeat_timeout <= heartbeat_interval")
	}

	cfg = defaultConfig()
	cfg.Topics = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty topics")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid metrics port")
	}
}

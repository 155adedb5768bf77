package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TWIN_ADDR", "")
	t.Setenv("TWIN_MAX_PAYLOAD_BYTES", "")
	t.Setenv("TWIN_PING_INTERVAL", "")
	t.Setenv("TWIN_MAX_CLIENTS", "")
	t.Setenv("TWIN_POOL_SIZE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default max payload %d, got %d", DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval != DefaultPingInterval {
		t.Fatalf("expected default ping interval %v, got %v", DefaultPingInterval, cfg.PingInterval)
	}
	if cfg.MaxClients != DefaultMaxClients {
		t.Fatalf("expected default max clients %d, got %d", DefaultMaxClients, cfg.MaxClients)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Fatalf("expected default pool size %d, got %d", DefaultPoolSize, cfg.PoolSize)
	}
	if cfg.OutboundQueueBound != DefaultPoolSize-1 {
		t.Fatalf("expected default outbound queue bound %d, got %d", DefaultPoolSize-1, cfg.OutboundQueueBound)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TWIN_ADDR", "127.0.0.1:9000")
	t.Setenv("TWIN_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("TWIN_PING_INTERVAL", "45s")
	t.Setenv("TWIN_MAX_CLIENTS", "12")
	t.Setenv("TWIN_POOL_SIZE", "8")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.MaxPayloadBytes != 2048 {
		t.Fatalf("expected overridden max payload, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval.String() != "45s" {
		t.Fatalf("expected ping interval 45s, got %v", cfg.PingInterval)
	}
	if cfg.MaxClients != 12 {
		t.Fatalf("expected max clients 12, got %d", cfg.MaxClients)
	}
	if cfg.PoolSize != 8 || cfg.OutboundQueueBound != 7 {
		t.Fatalf("expected pool size 8 and queue bound 7, got pool=%d bound=%d", cfg.PoolSize, cfg.OutboundQueueBound)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("TWIN_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("TWIN_PING_INTERVAL", "abc")
	t.Setenv("TWIN_MAX_CLIENTS", "-1")
	t.Setenv("TWIN_POOL_SIZE", "1")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"TWIN_MAX_PAYLOAD_BYTES",
		"TWIN_PING_INTERVAL",
		"TWIN_MAX_CLIENTS",
		"TWIN_POOL_SIZE",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadAllowsUnlimitedClients(t *testing.T) {
	t.Setenv("TWIN_MAX_CLIENTS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.MaxClients != 0 {
		t.Fatalf("expected zero to disable limit, got %d", cfg.MaxClients)
	}
}

func TestLoadAppliesOutboundQueueOverride(t *testing.T) {
	t.Setenv("TWIN_OUTBOUND_QUEUE_BOUND", "16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.OutboundQueueBound != 16 {
		t.Fatalf("expected outbound queue bound 16, got %d", cfg.OutboundQueueBound)
	}
}

func TestLoadAppliesHistoryCapacityOverride(t *testing.T) {
	t.Setenv("TWIN_HISTORY_CAPACITY", "2500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.HistoryCapacity != 2500 {
		t.Fatalf("expected history capacity 2500, got %d", cfg.HistoryCapacity)
	}
}

func TestLoadRejectsNonPositiveHistoryCapacity(t *testing.T) {
	t.Setenv("TWIN_HISTORY_CAPACITY", "0")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TWIN_HISTORY_CAPACITY") {
		t.Fatalf("expected TWIN_HISTORY_CAPACITY validation error, got %v", err)
	}
}

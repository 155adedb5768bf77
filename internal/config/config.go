// Package config loads runtime tunables for the digital twin server from
// environment variables, applying sane defaults and validating overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the server listens on.
	DefaultAddr = "0.0.0.0:3001"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 16
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 0

	// DefaultPoolSize is the number of rotating broadcast slots (K).
	DefaultPoolSize = 4
	// DefaultSlotCapacityBytes is the fixed capacity of a broadcast slot.
	DefaultSlotCapacityBytes = 512
	// DefaultHistoryCapacity is the number of StatePayload samples retained (10s at 100Hz).
	DefaultHistoryCapacity = 1000
	// DefaultOutboundQueueBound caps a session's pending-write queue before it is closed.
	DefaultOutboundQueueBound = DefaultPoolSize - 1
	// DefaultTickPeriod is the target physics tick period.
	DefaultTickPeriod = 10 * time.Millisecond
	// DefaultStatsInterval controls how often the tick driver logs periodic stats.
	DefaultStatsInterval = 2 * time.Second

	// DefaultHistoryExportWindow bounds how frequently /history may be requested.
	DefaultHistoryExportWindow = time.Minute
	// DefaultHistoryExportBurst sets how many /history requests may be made per window.
	DefaultHistoryExportBurst = 5

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "digital-twin.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the server.
type Config struct {
	Address             string
	MaxPayloadBytes     int64
	PingInterval        time.Duration
	MaxClients          int
	PoolSize            int
	SlotCapacityBytes   int
	HistoryCapacity     int
	OutboundQueueBound  int
	TickPeriod          time.Duration
	StatsInterval       time.Duration
	HistoryExportWindow time.Duration
	HistoryExportBurst  int
	Logging             LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the server configuration from environment variables, applying sane defaults
// and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:             getString("TWIN_ADDR", DefaultAddr),
		MaxPayloadBytes:     DefaultMaxPayloadBytes,
		PingInterval:        DefaultPingInterval,
		MaxClients:          DefaultMaxClients,
		PoolSize:            DefaultPoolSize,
		SlotCapacityBytes:   DefaultSlotCapacityBytes,
		HistoryCapacity:     DefaultHistoryCapacity,
		OutboundQueueBound:  DefaultOutboundQueueBound,
		TickPeriod:          DefaultTickPeriod,
		StatsInterval:       DefaultStatsInterval,
		HistoryExportWindow: DefaultHistoryExportWindow,
		HistoryExportBurst:  DefaultHistoryExportBurst,
		Logging: LoggingConfig{
			Level:      getString("TWIN_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("TWIN_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("TWIN_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TWIN_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TWIN_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TWIN_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_POOL_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 2 {
			problems = append(problems, fmt.Sprintf("TWIN_POOL_SIZE must be an integer >= 2, got %q", raw))
		} else {
			cfg.PoolSize = value
			cfg.OutboundQueueBound = value - 1
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_HISTORY_CAPACITY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 {
			problems = append(problems, fmt.Sprintf("TWIN_HISTORY_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.HistoryCapacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_OUTBOUND_QUEUE_BOUND")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 {
			problems = append(problems, fmt.Sprintf("TWIN_OUTBOUND_QUEUE_BOUND must be a positive integer, got %q", raw))
		} else {
			cfg.OutboundQueueBound = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TWIN_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TWIN_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("TWIN_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("TWIN_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_HISTORY_EXPORT_WINDOW")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("TWIN_HISTORY_EXPORT_WINDOW must be a positive duration, got %q", raw))
		} else {
			cfg.HistoryExportWindow = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("TWIN_HISTORY_EXPORT_BURST")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("TWIN_HISTORY_EXPORT_BURST must be a positive integer, got %q", raw))
		} else {
			cfg.HistoryExportBurst = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultBusAddr is the default TCP address the event bus REST API listens on.
	DefaultBusAddr = ":8080"
	// DefaultBusGRPCAddr is the default TCP address for the event bus gRPC surface.
	DefaultBusGRPCAddr = ":50051"
	// DefaultMaxBodyBytes limits inbound HTTP request bodies.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultJournalSegmentMB caps the size of a single journal segment before it seals.
	DefaultJournalSegmentMB = 64
	// DefaultJournalRetainMB bounds the on-disk footprint of sealed journal
	// segments; the live segment is not counted. Zero disables cleanup.
	DefaultJournalRetainMB = 1024

	// DefaultCoordinatorHost is the interface the resource coordinator binds to.
	DefaultCoordinatorHost = "0.0.0.0"
	// DefaultCoordinatorPort is the resource coordinator HTTP port.
	DefaultCoordinatorPort = 9090
	// DefaultCPUCores sizes the shared CPU core pool.
	DefaultCPUCores = 8
	// DefaultMemoryMB sizes the shared memory pool in megabytes.
	DefaultMemoryMB int64 = 8192
	// DefaultGPUCount is the number of exclusive GPU slots.
	DefaultGPUCount = 1
	// DefaultClaudeHourlyLimit bounds Claude API calls per hour.
	DefaultClaudeHourlyLimit = 100
	// DefaultLeaseDuration applies when an allocation request omits duration_secs.
	DefaultLeaseDuration = 5 * time.Minute
	// DefaultRequestTimeout bounds coordinator HTTP request handling.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Bus captures all runtime tunables for the event bus service.
type Bus struct {
	Address          string        `yaml:"address"`
	GRPCAddress      string        `yaml:"grpc_address"`
	MaxBodyBytes     int64         `yaml:"max_body_bytes"`
	JournalDir       string        `yaml:"journal_dir"`
	JournalSegmentMB int           `yaml:"journal_segment_mb"`
	JournalRetainMB  int           `yaml:"journal_retain_mb"`
	Logging          LoggingConfig `yaml:"logging"`
}

// Coordinator captures all runtime tunables for the resource coordinator service.
type Coordinator struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	CPUCores          int           `yaml:"cpu_cores"`
	MemoryMB          int64         `yaml:"memory_mb"`
	GPUCount          int           `yaml:"gpu_count"`
	ClaudeHourlyLimit int           `yaml:"claude_hourly_limit"`
	LeaseDuration     time.Duration `yaml:"-"`
	RequestTimeout    time.Duration `yaml:"-"`
	Logging           LoggingConfig `yaml:"logging"`
}

// Addr renders the coordinator bind address.
func (c *Coordinator) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultLogging(path string) LoggingConfig {
	return LoggingConfig{
		Level:      DefaultLogLevel,
		Path:       path,
		MaxSizeMB:  DefaultLogMaxSizeMB,
		MaxBackups: DefaultLogMaxBackups,
		MaxAgeDays: DefaultLogMaxAgeDays,
		Compress:   DefaultLogCompress,
	}
}

// LoadBus reads the event bus configuration from an optional YAML file named by
// EVENT_BUS_CONFIG plus environment variables, applying sane defaults and
// returning descriptive errors for invalid overrides.
func LoadBus() (*Bus, error) {
	cfg := &Bus{
		Address:          DefaultBusAddr,
		GRPCAddress:      DefaultBusGRPCAddr,
		MaxBodyBytes:     DefaultMaxBodyBytes,
		JournalSegmentMB: DefaultJournalSegmentMB,
		JournalRetainMB:  DefaultJournalRetainMB,
		Logging:          defaultLogging("event-bus.log"),
	}
	if err := applyFile(os.Getenv("EVENT_BUS_CONFIG"), cfg); err != nil {
		return nil, err
	}

	var problems []string

	cfg.Address = getString("EVENT_BUS_ADDR", cfg.Address)
	cfg.GRPCAddress = getString("EVENT_BUS_GRPC_ADDR", cfg.GRPCAddress)
	cfg.JournalDir = getString("EVENT_BUS_JOURNAL_DIR", cfg.JournalDir)

	if raw := strings.TrimSpace(os.Getenv("EVENT_BUS_MAX_BODY_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("EVENT_BUS_MAX_BODY_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxBodyBytes = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("EVENT_BUS_JOURNAL_SEGMENT_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("EVENT_BUS_JOURNAL_SEGMENT_MB must be a positive integer, got %q", raw))
		} else {
			cfg.JournalSegmentMB = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("EVENT_BUS_JOURNAL_RETAIN_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("EVENT_BUS_JOURNAL_RETAIN_MB must be a non-negative integer, got %q", raw))
		} else {
			cfg.JournalRetainMB = value
		}
	}

	problems = appendLoggingProblems(&cfg.Logging, "EVENT_BUS", problems)

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// LoadCoordinator reads the resource coordinator configuration from an optional
// YAML file named by RESOURCE_COORDINATOR_CONFIG plus environment variables.
func LoadCoordinator() (*Coordinator, error) {
	cfg := &Coordinator{
		Host:              DefaultCoordinatorHost,
		Port:              DefaultCoordinatorPort,
		CPUCores:          DefaultCPUCores,
		MemoryMB:          DefaultMemoryMB,
		GPUCount:          DefaultGPUCount,
		ClaudeHourlyLimit: DefaultClaudeHourlyLimit,
		LeaseDuration:     DefaultLeaseDuration,
		RequestTimeout:    DefaultRequestTimeout,
		Logging:           defaultLogging("resource-coordinator.log"),
	}
	if err := applyFile(os.Getenv("RESOURCE_COORDINATOR_CONFIG"), cfg); err != nil {
		return nil, err
	}

	var problems []string

	cfg.Host = getString("RESOURCE_COORDINATOR_HOST", cfg.Host)

	if raw := strings.TrimSpace(os.Getenv("RESOURCE_COORDINATOR_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 || value > 65535 {
			problems = append(problems, fmt.Sprintf("RESOURCE_COORDINATOR_PORT must be a valid TCP port, got %q", raw))
		} else {
			cfg.Port = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RESOURCE_CPU_CORES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RESOURCE_CPU_CORES must be a positive integer, got %q", raw))
		} else {
			cfg.CPUCores = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RESOURCE_MEMORY_MB")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("RESOURCE_MEMORY_MB must be a positive integer, got %q", raw))
		} else {
			cfg.MemoryMB = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RESOURCE_GPU_COUNT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RESOURCE_GPU_COUNT must be a non-negative integer, got %q", raw))
		} else {
			cfg.GPUCount = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("CLAUDE_HOURLY_LIMIT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("CLAUDE_HOURLY_LIMIT must be a positive integer, got %q", raw))
		} else {
			cfg.ClaudeHourlyLimit = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv("RESOURCE_DEFAULT_DURATION_SECS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("RESOURCE_DEFAULT_DURATION_SECS must be a non-negative integer, got %q", raw))
		} else {
			cfg.LeaseDuration = time.Duration(value) * time.Second
		}
	}

	problems = appendLoggingProblems(&cfg.Logging, "RESOURCE_COORDINATOR", problems)

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// applyFile overlays YAML configuration onto cfg when path names a readable file.
func applyFile(path string, cfg any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func appendLoggingProblems(logging *LoggingConfig, prefix string, problems []string) []string {
	logging.Level = strings.TrimSpace(getString(prefix+"_LOG_LEVEL", logging.Level))
	logging.Path = strings.TrimSpace(getString(prefix+"_LOG_PATH", logging.Path))

	if raw := strings.TrimSpace(os.Getenv(prefix + "_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("%s_LOG_MAX_SIZE_MB must be a positive integer, got %q", prefix, raw))
		} else {
			logging.MaxSizeMB = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv(prefix + "_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("%s_LOG_MAX_BACKUPS must be a non-negative integer, got %q", prefix, raw))
		} else {
			logging.MaxBackups = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv(prefix + "_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("%s_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", prefix, raw))
		} else {
			logging.MaxAgeDays = value
		}
	}
	if raw := strings.TrimSpace(os.Getenv(prefix + "_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s_LOG_COMPRESS must be a boolean value, got %q", prefix, raw))
		} else {
			logging.Compress = value
		}
	}
	return problems
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

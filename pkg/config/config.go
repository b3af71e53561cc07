package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yairfalse/flowtrace/pkg/ringbuffer"
)

// Config is the full pipeline configuration surface
type Config struct {
	// Capture
	Enabled         bool   `yaml:"enabled"`
	BufferCapacity  uint64 `yaml:"buffer_capacity"`
	OverflowPolicy  string `yaml:"overflow_policy"` // drop_oldest, drop_newest, reject
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`

	// Correlation
	CorrelationTTL         Duration `yaml:"correlation_ttl"`
	SweepInterval          Duration `yaml:"sweep_interval"`
	SweepTimeBox           Duration `yaml:"sweep_time_box"`
	MaxTrackedCorrelations int      `yaml:"max_tracked_correlations"`

	// Drain loop
	DrainBatchSize int      `yaml:"drain_batch_size"`
	DrainInterval  Duration `yaml:"drain_interval"`
	BatchTimeout   Duration `yaml:"batch_timeout"`

	// Hot store retention; zero disables scheduled pruning
	Retention     Duration `yaml:"retention"`
	PruneInterval Duration `yaml:"prune_interval"`
}

// Default returns production-ready defaults
func Default() Config {
	return Config{
		Enabled:                true,
		BufferCapacity:         65536,
		OverflowPolicy:         "drop_oldest",
		MaxPayloadBytes:        4096,
		CorrelationTTL:         Duration(5 * time.Minute),
		SweepInterval:          Duration(30 * time.Second),
		SweepTimeBox:           Duration(50 * time.Millisecond),
		MaxTrackedCorrelations: 100000,
		DrainBatchSize:         1024,
		DrainInterval:          Duration(10 * time.Millisecond),
		BatchTimeout:           Duration(5 * time.Second),
		Retention:              Duration(15 * time.Minute),
		PruneInterval:          Duration(time.Minute),
	}
}

// Load reads a YAML config file over the defaults
func Load(path string) (Config, error) {
	config := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.BufferCapacity == 0 || c.BufferCapacity&(c.BufferCapacity-1) != 0 {
		return fmt.Errorf("buffer_capacity must be a power of 2, got %d", c.BufferCapacity)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.MaxPayloadBytes < 0 {
		return fmt.Errorf("max_payload_bytes must not be negative, got %d", c.MaxPayloadBytes)
	}
	if c.CorrelationTTL <= 0 {
		return fmt.Errorf("correlation_ttl must be positive, got %s", c.CorrelationTTL)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	}
	if c.SweepTimeBox <= 0 {
		return fmt.Errorf("sweep_time_box must be positive, got %s", c.SweepTimeBox)
	}
	if c.DrainBatchSize <= 0 {
		return fmt.Errorf("drain_batch_size must be positive, got %d", c.DrainBatchSize)
	}
	if c.DrainInterval <= 0 {
		return fmt.Errorf("drain_interval must be positive, got %s", c.DrainInterval)
	}
	if c.BatchTimeout <= 0 {
		return fmt.Errorf("batch_timeout must be positive, got %s", c.BatchTimeout)
	}
	if c.Retention > 0 && c.PruneInterval <= 0 {
		return fmt.Errorf("prune_interval must be positive when retention is set")
	}
	return nil
}

// Policy maps the configured overflow policy name to the buffer policy
func (c *Config) Policy() (ringbuffer.OverflowPolicy, error) {
	switch c.OverflowPolicy {
	case "drop_oldest", "":
		return ringbuffer.DropOldest, nil
	case "drop_newest":
		return ringbuffer.DropNewest, nil
	case "reject":
		return ringbuffer.Reject, nil
	}
	return 0, fmt.Errorf("unknown overflow_policy %q", c.OverflowPolicy)
}

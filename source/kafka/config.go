package kafka

import (
	"time"

	"conveyor/internal/config"
	"conveyor/internal/x12"
)

// EnvPrefix selects the environment overlay for the Kafka source config.
const EnvPrefix = "CONVEYOR_KAFKA__"

type Config struct {
	Brokers   []string `koanf:"brokers"`
	Topic     string   `koanf:"topic"`
	Partition int32    `koanf:"partition"`
	StartFrom string   `koanf:"start_from"` // oldest|newest (default oldest)
	// EndOffset stops the source after the message before this offset.
	// Zero means no end offset.
	EndOffset int64 `koanf:"end_offset"`
	// IdleTimeout ends the input when no message arrives for this long.
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	Version     string        `koanf:"version"`
	TLSEn       bool          `koanf:"tls_enabled"`
	SASLUser    string        `koanf:"sasl_user"`
	SASLPass    string        `koanf:"sasl_pass"`

	// SegmentTerminator overrides the terminator declared in the ISA header.
	SegmentTerminator string `koanf:"segment_terminator"`
	// Detected, when set, receives the delimiters of the ISA header.
	Detected *x12.Detected `koanf:"-"`
}

// LoadConfig merges YAML (if present) with env-vars
// (prefix `CONVEYOR_KAFKA__`, delimiter `__`).
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if err := config.LoadKoanf(path, EnvPrefix, &cfg); err != nil {
		return cfg, err
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(c *Config) {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Second
	}
	if c.StartFrom == "" {
		c.StartFrom = "oldest"
	}
	if c.Version == "" {
		c.Version = "2.1.0"
	}
}

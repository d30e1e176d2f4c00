// config.go - Connection settings parsed from YAML

package odmongo

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds connection settings.
type Config struct {
	URL            string        `yaml:"url"`
	Database       string        `yaml:"database"` // overrides the URL path when set
	AppName        string        `yaml:"app_name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RetryWrites    bool          `yaml:"retry_writes"`
}

// ParseConfig decodes YAML data into a Config with defaults applied.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url is required")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("config: connect_timeout must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

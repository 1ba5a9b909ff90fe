package dfdb

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk client configuration consumed by dfdbctl.
type Config struct {
	Endpoint   string `yaml:"endpoint"`
	Token      string `yaml:"token"`
	TimeoutMs  int    `yaml:"timeout_ms"`
	MaxRetries *int   `yaml:"max_retries"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if config.Endpoint == "" {
		return nil, fmt.Errorf("config requires an endpoint")
	}
	return config, nil
}

// Connection builds the immutable connection config from the file values,
// filling defaults for anything unset.
func (self *Config) Connection() (*Connection, error) {
	settings := DefaultConnectionSettings()
	settings.Token = self.Token
	if 0 < self.TimeoutMs {
		settings.RequestTimeout = time.Duration(self.TimeoutMs) * time.Millisecond
	}
	if self.MaxRetries != nil {
		settings.MaxRetries = *self.MaxRetries
	}
	return NewConnectionWithSettings(self.Endpoint, settings)
}

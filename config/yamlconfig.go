package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfiguration is the yaml schema. Durations are written in Go
// duration syntax ("30s", "5m"). Pointer fields distinguish "absent,
// keep the default" from an explicit zero.
type fileConfiguration struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	UseTLS        *bool  `yaml:"useTLS"`
	TLSSkipVerify *bool  `yaml:"tlsSkipVerify"`

	ConnectionTimeout *string `yaml:"connectionTimeout"`
	ResponseTimeout   *string `yaml:"responseTimeout"`

	MaxRetryAttempts *uint64 `yaml:"maxRetryAttempts"`
	RetryDelay       *string `yaml:"retryDelay"`

	MaxMessageSize *int  `yaml:"maxMessageSize"`
	AutoReconnect  *bool `yaml:"autoReconnect"`

	KeepAliveInterval *string `yaml:"keepAliveInterval"`

	MaxConnections           *int    `yaml:"maxConnections"`
	MaxRequestsPerConnection *int    `yaml:"maxRequestsPerConnection"`
	ConnectionTTL            *string `yaml:"connectionTTL"`
	AcquireTimeout           *string `yaml:"acquireTimeout"`
}

// Load reads a Configuration from a yaml file. Fields absent from the
// file keep the Default values for the host/port the file names.
func Load(path string) (Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Configuration{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file fileConfiguration
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Configuration{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := Default(file.Host, file.Port)

	if file.UseTLS != nil {
		cfg.UseTLS = *file.UseTLS
	}
	if file.TLSSkipVerify != nil {
		cfg.TLSSkipVerify = *file.TLSSkipVerify
	}
	if file.MaxRetryAttempts != nil {
		cfg.MaxRetryAttempts = *file.MaxRetryAttempts
	}
	if file.MaxMessageSize != nil {
		cfg.MaxMessageSize = *file.MaxMessageSize
	}
	if file.AutoReconnect != nil {
		cfg.AutoReconnect = *file.AutoReconnect
	}
	if file.MaxConnections != nil {
		cfg.MaxConnections = *file.MaxConnections
	}
	if file.MaxRequestsPerConnection != nil {
		cfg.MaxRequestsPerConnection = *file.MaxRequestsPerConnection
	}

	durations := []struct {
		name  string
		value *string
		into  *time.Duration
	}{
		{"connectionTimeout", file.ConnectionTimeout, &cfg.ConnectionTimeout},
		{"responseTimeout", file.ResponseTimeout, &cfg.ResponseTimeout},
		{"retryDelay", file.RetryDelay, &cfg.RetryDelay},
		{"keepAliveInterval", file.KeepAliveInterval, &cfg.KeepAliveInterval},
		{"connectionTTL", file.ConnectionTTL, &cfg.ConnectionTTL},
		{"acquireTimeout", file.AcquireTimeout, &cfg.AcquireTimeout},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return Configuration{}, fmt.Errorf("invalid %s in %s: %w", d.name, path, err)
		}
		*d.into = parsed
	}

	if err := cfg.Validate(); err != nil {
		return Configuration{}, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return cfg, nil
}

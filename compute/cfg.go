package compute

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/perfnum-platform/perfnum/internal/logging"
	"github.com/perfnum-platform/perfnum/internal/shm"
)

// Config represents the worker configuration.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// SharedMemory settings for the shared-memory method.
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	// Socket settings for the socket method.
	Socket SocketConfig `yaml:"socket"`
}

// SharedMemoryConfig locates the shared region.
type SharedMemoryConfig struct {
	// Path of the region object.
	Path string `yaml:"path"`
}

// SocketConfig describes the coordinator's TCP endpoint.
type SocketConfig struct {
	// Port the coordinator listens on.
	Port uint16 `yaml:"port"`
	// DialAttempts bounds connect retries before giving up.
	DialAttempts int `yaml:"dial_attempts"`
}

// LoadConfig loads configuration from a YAML file at the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		SharedMemory: SharedMemoryConfig{
			Path: shm.DefaultObjectPath,
		},
		Socket: SocketConfig{
			Port:         10054,
			DialAttempts: 5,
		},
	}
}

package manage

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/perfnum-platform/perfnum/internal/logging"
	"github.com/perfnum-platform/perfnum/internal/shm"
)

// Config represents the coordinator configuration.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`
	// SharedMemory settings for the shared-memory method.
	SharedMemory SharedMemoryConfig `yaml:"shared_memory"`
	// Pipes settings for the pipes method.
	Pipes PipesConfig `yaml:"pipes"`
	// Socket settings for the socket method.
	Socket SocketConfig `yaml:"socket"`
}

// SharedMemoryConfig locates the shared region.
type SharedMemoryConfig struct {
	// Path of the region object.
	Path string `yaml:"path"`
}

// PipesConfig names the rendezvous points of the pipes method.
type PipesConfig struct {
	// FIFOPath is where the reporter picks up the result stream.
	FIFOPath string `yaml:"fifo_path"`
	// PIDFile holds the coordinator pid for the reporter's kill path.
	PIDFile string `yaml:"pid_file"`
	// ComputeBin is the worker binary to exec.
	ComputeBin string `yaml:"compute_bin"`
}

// SocketConfig describes the TCP control channel.
type SocketConfig struct {
	// ListenAddr is the TCP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// Assign is the number of candidates per range grant.
	Assign int32 `yaml:"assign"`
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
		Pipes: PipesConfig{
			FIFOPath:   ".perfect_numbers",
			PIDFile:    "manage.pid",
			ComputeBin: "compute",
		},
		Socket: SocketConfig{
			ListenAddr: ":10054",
			Assign:     1000,
		},
	}
}

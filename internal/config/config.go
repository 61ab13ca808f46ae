// Package config loads the optional YAML deployment configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML deployment configuration. Command line flags override
// anything set here.
type Config struct {
	ListenAddress     string        `yaml:"listen_address"`
	WorkspacePath     string        `yaml:"workspace_path"`
	DBPath            string        `yaml:"db_path"`
	Storage           string        `yaml:"storage"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`

	Kernel KernelConfig `yaml:"kernel"`
	Auth   AuthConfig   `yaml:"auth"`
}

// KernelConfig is the kernel provisioning section.
type KernelConfig struct {
	Image                string `yaml:"image"`
	MountPath            string `yaml:"mount_path"`
	WorkingDir           string `yaml:"working_dir"`
	MemoryLimitBytes     int64  `yaml:"memory_limit_bytes"`
	CPUShares            int64  `yaml:"cpu_shares"`
	Accelerated          bool   `yaml:"accelerated"`
	CapabilityGapPattern string `yaml:"capability_gap_pattern"`
}

// AuthConfig is the credentials section.
type AuthConfig struct {
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// Load reads a YAML configuration.
func Load(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("could not decode configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open configuration file: %w", err)
	}
	defer f.Close()

	cfg, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("configuration file %s: %w", path, err)
	}

	return cfg, nil
}

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" envconfig:"SERVER"`
	License LicenseConfig `yaml:"license" envconfig:"LICENSE"`
	Logging LoggingConfig `yaml:"logging" envconfig:"LOGGING"`
	Paths   PathsConfig   `yaml:"paths" envconfig:"PATHS"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8270"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LicenseConfig contains license subsystem tuning
type LicenseConfig struct {
	// Activation attempts allowed per minute before callers see 429
	ActivationRPM     float64       `yaml:"activation_rpm" envconfig:"ACTIVATION_RPM" default:"5"`
	ActivationBurst   int           `yaml:"activation_burst" envconfig:"ACTIVATION_BURST" default:"3"`
	RevalidateEvery   time.Duration `yaml:"revalidate_every" envconfig:"REVALIDATE_EVERY" default:"5m"`
	ExpiryWarningDays int           `yaml:"expiry_warning_days" envconfig:"EXPIRY_WARNING_DAYS" default:"7"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/clinickey.log"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	DataDir      string `yaml:"data_dir" envconfig:"DATA_DIR"`
	LicenseFile  string `yaml:"license_file" envconfig:"LICENSE_FILE" default:"license.dat"`
	RegistryFile string `yaml:"registry_file" envconfig:"REGISTRY_FILE" default:"registry.db"`
}

// Load reads configuration from an optional YAML file and then applies
// environment variable overrides via envconfig. Missing file is not an error;
// the defaults declared on the struct tags apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if err := envconfig.Process("CLINICKEY", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	return cfg, nil
}

// Validate performs sanity checks on the loaded configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.License.ActivationRPM <= 0 {
		return fmt.Errorf("activation_rpm must be positive, got %f", c.License.ActivationRPM)
	}
	if c.License.ActivationBurst < 1 {
		return fmt.Errorf("activation_burst must be at least 1, got %d", c.License.ActivationBurst)
	}
	return nil
}

package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fhirload/internal/store"
)

// FileConfig mirrors the loader's YAML config file. Flags override any
// value set here.
//
//	base_url: https://fhir.example.org/fhir
//	username: loader
//	password: secret
//	insecure: false
//	timeout: 30s
//	max_retries: 3
type FileConfig struct {
	BaseURL    string
	Username   string
	Password   string
	Insecure   bool
	Timeout    time.Duration
	MaxRetries *int
}

// UnmarshalYAML parses the timeout as a Go duration string ("30s").
// yaml.v3 has no native time.Duration support.
func (c *FileConfig) UnmarshalYAML(value *yaml.Node) error {
	type rawConfig struct {
		BaseURL    string `yaml:"base_url"`
		Username   string `yaml:"username"`
		Password   string `yaml:"password"`
		Insecure   bool   `yaml:"insecure"`
		Timeout    string `yaml:"timeout"`
		MaxRetries *int   `yaml:"max_retries"`
	}
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.BaseURL = raw.BaseURL
	c.Username = raw.Username
	c.Password = raw.Password
	c.Insecure = raw.Insecure
	c.MaxRetries = raw.MaxRetries
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		c.Timeout = timeout
	}
	return nil
}

// LoadFileConfig reads and parses a YAML config file.
func LoadFileConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// storeConfig merges the config file (if any) with flag values into the
// store client configuration. A flag set to its non-zero value wins.
func storeConfig(file *FileConfig, flags *LoadOptions) store.Config {
	cfg := store.Config{}
	if file != nil {
		cfg.BaseURL = file.BaseURL
		cfg.Username = file.Username
		cfg.Password = file.Password
		cfg.Insecure = file.Insecure
		cfg.Timeout = file.Timeout
		if file.MaxRetries != nil {
			cfg.MaxRetries = *file.MaxRetries
		}
	}
	if flags.BaseURL != "" {
		cfg.BaseURL = flags.BaseURL
	}
	if flags.Username != "" {
		cfg.Username = flags.Username
	}
	if flags.Password != "" {
		cfg.Password = flags.Password
	}
	if flags.Insecure {
		cfg.Insecure = true
	}
	if flags.Timeout > 0 {
		cfg.Timeout = flags.Timeout
	}
	if flags.MaxRetriesSet {
		cfg.MaxRetries = flags.MaxRetries
	}
	return cfg
}

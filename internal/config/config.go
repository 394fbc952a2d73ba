package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		APIKey string `yaml:"apiKey"`
	} `yaml:"server"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Vault struct {
		Dir string `yaml:"dir"`
	} `yaml:"vault"`

	Recording struct {
		TmpDir      string `yaml:"tmpDir"`
		Backend     string `yaml:"backend"`
		InputDevice string `yaml:"inputDevice"`
		SampleRate  int    `yaml:"sampleRate"`
	} `yaml:"recording"`

	Inference struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeoutSeconds"`
	} `yaml:"inference"`

	Submitter struct {
		IntervalSeconds int `yaml:"intervalSeconds"`
		BatchSize       int `yaml:"batchSize"`
	} `yaml:"submitter"`

	Archive struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	AI struct {
		APIKey string `yaml:"apiKey"`
		Model  string `yaml:"model"`
	} `yaml:"ai"`
}

// Load reads the yaml config file. A missing file is not an error; the
// defaults describe a self-contained on-device setup.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		// run on defaults
	default:
		return nil, err
	}
	cfg.applyDefaults()
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/speechanalysis.db"
	}
	if c.Vault.Dir == "" {
		c.Vault.Dir = "data/recordings"
	}
	if c.Recording.TmpDir == "" {
		c.Recording.TmpDir = os.TempDir()
	}
	if c.Recording.SampleRate == 0 {
		c.Recording.SampleRate = 16000
	}
	if c.Inference.URL == "" {
		c.Inference.URL = "http://localhost:8000"
	}
	if c.Inference.TimeoutSeconds == 0 {
		c.Inference.TimeoutSeconds = 120
	}
	if c.Submitter.IntervalSeconds == 0 {
		c.Submitter.IntervalSeconds = 30
	}
	if c.Submitter.BatchSize == 0 {
		c.Submitter.BatchSize = 5
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Inference.TimeoutSeconds < 1 {
		return fmt.Errorf("inference.timeoutSeconds must be positive: %d", c.Inference.TimeoutSeconds)
	}
	return nil
}

// SQLiteDSN builds the database/sql DSN for the on-device store.
func (c *Config) SQLiteDSN() string {
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		c.Database.Path)
}

// ArchiveEnabled reports whether an object-store endpoint is configured.
func (c *Config) ArchiveEnabled() bool {
	return c.Archive.Endpoint != ""
}

// AIEnabled reports whether a summarizer API key is configured.
func (c *Config) AIEnabled() bool {
	return c.AI.APIKey != ""
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Tokenizer Tokenizer `yaml:"tokenizer"`
	Engine    Engine    `yaml:"engine"`
	Log       Log       `yaml:"log"`
	Metrics   Metrics   `yaml:"metrics"`
	Tracing   Tracing   `yaml:"tracing"`
}

// Server configures the protocol server
type Server struct {
	Addr string `yaml:"addr"`

	// AllowedIPs restricts clients to these addresses or CIDR ranges.
	// Empty allows everyone.
	AllowedIPs []string `yaml:"allowed_ip"`

	// AuthSecret, when set, requires a bearer token signed with it
	AuthSecret string `yaml:"auth_secret"`

	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Database configures the item cache
type Database struct {
	Path string `yaml:"path"`
}

// Tokenizer configures the tokenizer client
type Tokenizer struct {
	URL           string   `yaml:"url"`
	Timeout       Duration `yaml:"timeout"`
	MaxAttempts   int      `yaml:"max_attempts"`
	Concurrency   int      `yaml:"concurrency"`
	ChunkSize     int      `yaml:"chunk_size"`
	SweepInterval Duration `yaml:"sweep_interval"`
	SweepBatch    int      `yaml:"sweep_batch"`

	// AccessID and Secret sign outbound requests when both are set
	AccessID string `yaml:"access_id"`
	Secret   string `yaml:"secret"`
}

// Engine configures the classification job engine
type Engine struct {
	Workers        int      `yaml:"workers"`
	JobRetention   Duration `yaml:"job_retention"`
	ReapInterval   Duration `yaml:"reap_interval"`
	BackgroundSize int      `yaml:"background_size"`
	Threshold      float64  `yaml:"threshold"`
}

// Log configures logging
type Log struct {
	Level string `yaml:"level"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Tracing configures span export to stdout
type Tracing struct {
	Enabled bool `yaml:"enabled"`
	Pretty  bool `yaml:"pretty"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8008",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: Database{Path: "classifier.db"},
		Tokenizer: Tokenizer{
			URL:           "http://localhost:8080/tokenize",
			Timeout:       Duration(30 * time.Second),
			MaxAttempts:   5,
			Concurrency:   4,
			ChunkSize:     16 * 1024,
			SweepInterval: Duration(time.Minute),
			SweepBatch:    100,
		},
		Engine: Engine{
			Workers:        1,
			ReapInterval:   Duration(time.Minute),
			BackgroundSize: 500,
			Threshold:      0.9,
		},
		Log:     Log{Level: "info"},
		Metrics: Metrics{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a YAML file over the defaults
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would make the daemon misbehave
func (c Config) Validate() error {
	switch {
	case c.Tokenizer.URL == "":
		return fmt.Errorf("tokenizer.url is required")
	case c.Tokenizer.MaxAttempts < 1:
		return fmt.Errorf("tokenizer.max_attempts must be at least 1")
	case c.Tokenizer.Concurrency < 1:
		return fmt.Errorf("tokenizer.concurrency must be at least 1")
	case c.Tokenizer.ChunkSize < 1:
		return fmt.Errorf("tokenizer.chunk_size must be positive")
	case c.Engine.Workers < 1:
		return fmt.Errorf("engine.workers must be at least 1")
	case c.Engine.Threshold <= 0 || c.Engine.Threshold >= 1:
		return fmt.Errorf("engine.threshold must be between 0 and 1")
	case c.Engine.JobRetention < 0:
		return fmt.Errorf("engine.job_retention must not be negative")
	}
	return nil
}

// Duration is a time.Duration written as "10s" in YAML
type Duration time.Duration

// D returns d as a time.Duration
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds everything safetyctl reads from file and environment.
type Config struct {
	Project  string `yaml:"project"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	Neo4j struct {
		URL       string `yaml:"url"`
		User      string `yaml:"user"`
		Pass      string `yaml:"pass"`
		BatchSize int    `yaml:"batch_size" validate:"gte=1"`
		Workers   int    `yaml:"workers" validate:"gte=1"`
	} `yaml:"neo4j"`

	NATS struct {
		URL       string  `yaml:"url"`
		Prefix    string  `yaml:"prefix" validate:"required,excludesall=*>"`
		QueueSize int     `yaml:"queue_size" validate:"gte=1"`
		Rate      float64 `yaml:"rate" validate:"gte=0"`
		Burst     int     `yaml:"burst" validate:"gte=1"`
	} `yaml:"nats"`

	Archive struct {
		Dir        string        `yaml:"dir"`
		GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
	} `yaml:"archive"`

	Metrics struct {
		Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
	} `yaml:"metrics"`

	Tracing struct {
		Exporter string `yaml:"exporter" validate:"oneof=none stdout otlp"`
		Endpoint string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	} `yaml:"tracing"`

	Mail struct {
		From string `yaml:"from" validate:"omitempty,email"`
	} `yaml:"mail"`

	// Debounce delays a reload after the project file changes so that a
	// burst of writes triggers one reload.
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

func defaultConfig() Config {
	var c Config
	c.LogLevel = "info"
	c.Neo4j.User = "neo4j"
	c.Neo4j.BatchSize = 500
	c.Neo4j.Workers = 4
	c.NATS.Prefix = "safetygraph"
	c.NATS.QueueSize = 256
	c.NATS.Rate = 500
	c.NATS.Burst = 50
	c.Archive.GCInterval = 5 * time.Minute
	c.Tracing.Exporter = "none"
	c.Tracing.Endpoint = "localhost:4317"
	c.Debounce = 250 * time.Millisecond
	return c
}

// LoadFromFile overlays the YAML file at path onto c.
func (c *Config) LoadFromFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// applyEnv overlays environment variables onto c.
func (c *Config) applyEnv() {
	c.Project = envOr("SAFETYGRAPH_PROJECT", c.Project)
	c.LogLevel = envOr("SAFETYGRAPH_LOG_LEVEL", c.LogLevel)
	c.Neo4j.URL = envOr("NEO4J_URL", c.Neo4j.URL)
	c.Neo4j.User = envOr("NEO4J_USER", c.Neo4j.User)
	c.Neo4j.Pass = envOr("NEO4J_PASS", c.Neo4j.Pass)
	c.Neo4j.BatchSize = envIntOr("NEO4J_BATCH_SIZE", c.Neo4j.BatchSize)
	c.NATS.URL = envOr("NATS_URL", c.NATS.URL)
	c.NATS.Prefix = envOr("SAFETYGRAPH_SUBJECT_PREFIX", c.NATS.Prefix)
	c.Archive.Dir = envOr("SAFETYGRAPH_ARCHIVE_DIR", c.Archive.Dir)
	c.Metrics.Addr = envOr("SAFETYGRAPH_METRICS_ADDR", c.Metrics.Addr)
	c.Tracing.Exporter = envOr("OTEL_TRACES_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = envOr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Mail.From = envOr("SAFETYGRAPH_MAIL_FROM", c.Mail.From)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// loadConfig builds the effective configuration: defaults, then the file at
// path when given, then the environment.
func loadConfig(path string) (Config, error) {
	c := defaultConfig()
	if path != "" {
		if err := c.LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	c.applyEnv()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

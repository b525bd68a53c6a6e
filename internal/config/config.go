// Package config provides configuration loading for researchd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RESEARCHD_SERVER_PORT, RESEARCHD_MONGO_URI, ...)
//  2. YAML config file (optional, passed on the command line)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"time"
)

// Config holds the complete researchd configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Temporal TemporalConfig `koanf:"temporal"`
	Mongo    MongoConfig    `koanf:"mongo"`
	Blob     BlobConfig     `koanf:"blob"`
	Search   SearchConfig   `koanf:"search"`
	OpenAI   OpenAIConfig   `koanf:"openai"`
	Email    EmailConfig    `koanf:"email"`
	Scanner  ScannerConfig  `koanf:"scanner"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TemporalConfig holds Temporal client and worker configuration.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// MongoConfig holds entity store configuration.
type MongoConfig struct {
	URI      Secret `koanf:"uri"`
	Database string `koanf:"database"`
}

// BlobConfig holds S3-compatible object store configuration.
type BlobConfig struct {
	Bucket          string   `koanf:"bucket"`
	Region          string   `koanf:"region"`
	Endpoint        string   `koanf:"endpoint"`
	AccessKeyID     string   `koanf:"access_key_id"`
	SecretAccessKey Secret   `koanf:"secret_access_key"`
	PresignTTL      Duration `koanf:"presign_ttl"`
}

// SearchConfig holds the web search provider configuration.
type SearchConfig struct {
	Endpoint      string   `koanf:"endpoint"`
	APIKey        Secret   `koanf:"api_key"`
	TopK          int      `koanf:"top_k"`
	Timeout       Duration `koanf:"timeout"`
	RatePerSecond float64  `koanf:"rate_per_second"`
}

// OpenAIConfig holds the LLM synthesis provider configuration.
type OpenAIConfig struct {
	APIKey         Secret `koanf:"api_key"`
	Model          string `koanf:"model"`
	MaxSourceChars int    `koanf:"max_source_chars"`
}

// EmailConfig holds SendGrid delivery configuration.
type EmailConfig struct {
	APIKey      Secret `koanf:"api_key"`
	FromAddress string `koanf:"from_address"`
	FromName    string `koanf:"from_name"`
}

// ScannerConfig holds due-schedule scanner and janitor configuration.
type ScannerConfig struct {
	TickSpec    string   `koanf:"tick_spec"`
	BatchLimit  int      `koanf:"batch_limit"`
	Concurrency int      `koanf:"concurrency"`
	Retention   Duration `koanf:"retention"`
	CleanupSpec string   `koanf:"cleanup_spec"`
}

// Default returns the configuration defaults. Every field can be overridden
// by file or environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "research-reports",
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "researchd",
		},
		Blob: BlobConfig{
			Bucket:     "reports",
			Region:     "us-east-1",
			PresignTTL: Duration(7 * 24 * time.Hour),
		},
		Search: SearchConfig{
			Endpoint:      "https://api.bing.microsoft.com",
			TopK:          6,
			Timeout:       Duration(15 * time.Second),
			RatePerSecond: 3,
		},
		OpenAI: OpenAIConfig{
			Model:          "gpt-4o",
			MaxSourceChars: 4000,
		},
		Email: EmailConfig{
			FromName: "Research Reports",
		},
		Scanner: ScannerConfig{
			TickSpec:    "@every 1m",
			BatchLimit:  50,
			Concurrency: 4,
			Retention:   Duration(90 * 24 * time.Hour),
			CleanupSpec: "@daily",
		},
	}
}

// Validate checks invariants that would otherwise fail at first use.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !c.Mongo.URI.IsSet() {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	if c.Temporal.HostPort == "" {
		return fmt.Errorf("temporal.host_port is required")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is required")
	}
	if c.Scanner.BatchLimit < 1 {
		return fmt.Errorf("scanner.batch_limit must be >= 1")
	}
	if c.Scanner.Concurrency < 1 {
		return fmt.Errorf("scanner.concurrency must be >= 1")
	}
	return nil
}

// Package config handles SDR bot configuration.
//
// Behavior lives in config.yaml, the sales persona in sales_context.yaml,
// and secrets in the environment (optionally seeded from a .env file).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all behavior configuration
type Config struct {
	// Paths
	DataDir string `yaml:"data_dir"`

	Polling        PollingConfig       `yaml:"polling"`
	Classification ModelConfig         `yaml:"classification"`
	ReplyDrafting  ReplyDraftingConfig `yaml:"reply_drafting"`
	Sending        SendingConfig       `yaml:"sending"`
	Connections    ConnectionsConfig   `yaml:"connections"`
	Enrichment     EnrichmentConfig    `yaml:"enrichment"`
	ErrorHandling  ErrorHandlingConfig `yaml:"error_handling"`
	Learning       LearningConfig      `yaml:"learning"`
	FollowUp       FollowUpConfig      `yaml:"followup"`
	API            APIConfig           `yaml:"api"`
}

// PollingConfig controls the inbound poll cycle
type PollingConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	GmailMaxResults int `yaml:"gmail_max_results"`
}

// ModelConfig selects model and temperature for classification
type ModelConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

// ReplyDraftingConfig controls reply generation
type ReplyDraftingConfig struct {
	Model               string  `yaml:"model"`
	Temperature         float64 `yaml:"temperature"`
	MaxLinkedInWords    int     `yaml:"max_linkedin_words"`
	MaxEmailWords       int     `yaml:"max_email_words"`
	SelfCritiqueEnabled bool    `yaml:"self_critique_enabled"`
}

// RateLimitConfig caps outbound sends per channel
type RateLimitConfig struct {
	GmailPerHour    int `yaml:"gmail_per_hour"`
	LinkedInPerHour int `yaml:"linkedin_per_hour"`
}

// SendingConfig controls the outbound loop
type SendingConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ConnectionsConfig controls LinkedIn connection-request handling
type ConnectionsConfig struct {
	AutoAccept       bool    `yaml:"auto_accept"`
	MinICPConfidence float64 `yaml:"min_icp_confidence"`
}

// EnrichmentConfig controls contact enrichment
type EnrichmentConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ErrorHandlingConfig controls retries and the per-source circuit breaker
type ErrorHandlingConfig struct {
	MaxRetries                    int `yaml:"max_retries"`
	CircuitBreakerThreshold       int `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldownSeconds int `yaml:"circuit_breaker_cooldown_seconds"`
}

// LearningConfig controls the daily self-learning cycle
type LearningConfig struct {
	Enabled                bool   `yaml:"enabled"`
	ScheduleTime           string `yaml:"schedule_time"` // "HH:MM"
	LookbackDays           int    `yaml:"lookback_days"`
	MaxActiveRules         int    `yaml:"max_active_rules"`
	MinMessagesForAnalysis int    `yaml:"min_messages_for_analysis"`
}

// FollowUpConfig controls the follow-up cadence engine
type FollowUpConfig struct {
	Enabled              bool    `yaml:"enabled"`
	ScheduleTime         string  `yaml:"schedule_time"` // "HH:MM"
	TotalFollowUps       int     `yaml:"total_followups"`
	LinkedInFollowUps    int     `yaml:"linkedin_followups"`
	DaysBetween          int     `yaml:"days_between"`
	DaysBeforeActivation int     `yaml:"days_before_activation"`
	AutoApproveThreshold int     `yaml:"auto_approve_threshold"`
	Model                string  `yaml:"model"`
	Temperature          float64 `yaml:"temperature"`
}

// APIConfig for the read-only ops HTTP server
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

const defaultModel = "claude-sonnet-4-5-20250929"

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".growlancer-sdr"),
		Polling: PollingConfig{
			IntervalSeconds: 120,
			GmailMaxResults: 50,
		},
		Classification: ModelConfig{
			Model:       defaultModel,
			Temperature: 0.1,
		},
		ReplyDrafting: ReplyDraftingConfig{
			Model:               defaultModel,
			Temperature:         0.7,
			MaxLinkedInWords:    60,
			MaxEmailWords:       150,
			SelfCritiqueEnabled: true,
		},
		Sending: SendingConfig{
			RateLimit: RateLimitConfig{
				GmailPerHour:    20,
				LinkedInPerHour: 10,
			},
		},
		Connections: ConnectionsConfig{
			AutoAccept:       true,
			MinICPConfidence: 0.7,
		},
		Enrichment: EnrichmentConfig{
			Enabled: true,
		},
		ErrorHandling: ErrorHandlingConfig{
			MaxRetries:                    3,
			CircuitBreakerThreshold:       5,
			CircuitBreakerCooldownSeconds: 600,
		},
		Learning: LearningConfig{
			Enabled:                true,
			ScheduleTime:           "06:00",
			LookbackDays:           7,
			MaxActiveRules:         10,
			MinMessagesForAnalysis: 3,
		},
		FollowUp: FollowUpConfig{
			Enabled:              true,
			ScheduleTime:         "08:00",
			TotalFollowUps:       8,
			LinkedInFollowUps:    4,
			DaysBetween:          3,
			DaysBeforeActivation: 3,
			AutoApproveThreshold: 2,
			Model:                defaultModel,
			Temperature:          0.7,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    8090,
		},
	}
}

// Load loads config from a YAML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DBPath returns the path of the local SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "sdr.db")
}

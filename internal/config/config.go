// Package config loads settings from the config file, environment, and
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Source    Source    `mapstructure:"source"`
	Database  Database  `mapstructure:"database"`
	Model     Model     `mapstructure:"model"`
	Sync      Sync      `mapstructure:"sync"`
	Retrieval Retrieval `mapstructure:"retrieval"`
	Memory    Memory    `mapstructure:"memory"`
	Log       Log       `mapstructure:"log"`
	Telemetry Telemetry `mapstructure:"telemetry"`
}

// Source configures the content source client.
type Source struct {
	BaseURL           string  `mapstructure:"base_url"`
	Token             string  `mapstructure:"token"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
}

// Database configures the pgvector connection.
type Database struct {
	URL string `mapstructure:"url"`
}

// Model configures the embedding and generation models.
type Model struct {
	APIKey         string `mapstructure:"api_key"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	GenerateModel  string `mapstructure:"generate_model"`
}

// Sync configures the sync engine loop.
type Sync struct {
	Interval          time.Duration `mapstructure:"interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	TokenBudget       int           `mapstructure:"token_budget"`
}

// Retrieval configures search fusion.
type Retrieval struct {
	TopK          int     `mapstructure:"top_k"`
	MinSimilarity float64 `mapstructure:"min_similarity"`
}

// Memory configures the conversation tiers.
type Memory struct {
	TurnCapacity   int `mapstructure:"turn_capacity"`
	FactTopK       int `mapstructure:"fact_top_k"`
	ExtractWorkers int `mapstructure:"extract_workers"`
	ExtractQueue   int `mapstructure:"extract_queue"`
}

// Log configures the logger.
type Log struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Telemetry configures trace export. Disabled when Endpoint is empty.
type Telemetry struct {
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads configuration from ~/.almanac/config.yaml (when present)
// and the ALMANAC_* environment, on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ALMANAC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".almanac"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	// Conventional unprefixed names take precedence when set.
	for key, env := range map[string]string{
		"database.url":  "DATABASE_URL",
		"source.token":  "NOTION_TOKEN",
		"model.api_key": "GEMINI_API_KEY",
	} {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.base_url", "https://api.notion.com")
	v.SetDefault("source.requests_per_second", 3.0)
	v.SetDefault("source.burst", 3)
	v.SetDefault("source.max_attempts", 4)
	v.SetDefault("model.embedding_model", "googleai/gemini-embedding-001")
	v.SetDefault("model.generate_model", "googleai/gemini-2.5-flash")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.reconcile_interval", 24*time.Hour)
	v.SetDefault("sync.token_budget", 400)
	v.SetDefault("retrieval.top_k", 6)
	v.SetDefault("retrieval.min_similarity", 0.2)
	v.SetDefault("memory.turn_capacity", 20)
	v.SetDefault("memory.fact_top_k", 5)
	v.SetDefault("memory.extract_workers", 2)
	v.SetDefault("memory.extract_queue", 64)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Validate reports the first missing required setting.
func (c *Config) Validate() error {
	if c.Source.Token == "" {
		return fmt.Errorf("source token is required (NOTION_TOKEN)")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Model.APIKey == "" {
		return fmt.Errorf("model api key is required (GEMINI_API_KEY)")
	}
	return nil
}

// MarshalJSON masks secrets so a dumped config is safe to log.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	masked := alias(c)
	masked.Source.Token = maskSecret(c.Source.Token)
	masked.Database.URL = maskSecret(c.Database.URL)
	masked.Model.APIKey = maskSecret(c.Model.APIKey)
	return json.Marshal(masked)
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****"
}

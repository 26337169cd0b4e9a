// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	CORS    CORSConfig    `mapstructure:"cors"`
	Safety  SafetyConfig  `mapstructure:"safety"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Extract ExtractConfig `mapstructure:"extract"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Mirror  MirrorConfig  `mapstructure:"mirror"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SafetyConfig governs outbound-target classification.
type SafetyConfig struct {
	// AllowPrivate disables private/reserved address blocking. Development
	// only; never set in a deployed environment.
	AllowPrivate bool `mapstructure:"allow_private"`
}

// FetchConfig bounds every outbound fetch.
type FetchConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRedirects   int    `mapstructure:"max_redirects"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
	UserAgent      string `mapstructure:"user_agent"`
}

// BatchConfig governs the chapter batch fetcher.
type BatchConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// ExtractConfig tunes table-of-contents extraction.
type ExtractConfig struct {
	MaxChapters int `mapstructure:"max_chapters"`
}

// ArchiveConfig selects where fetched chapter bodies are archived.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"` // "none" or "gcs"
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// MirrorConfig selects where terminal job events are mirrored.
type MirrorConfig struct {
	Provider  string `mapstructure:"provider"` // "none" or "pubsub"
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NOVELGRAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("safety.allow_private", false)
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.max_body_bytes", 10*1024*1024)
	v.SetDefault("fetch.user_agent", "novelgrab/0.1")
	v.SetDefault("batch.concurrency", 4)
	v.SetDefault("extract.max_chapters", 5000)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "chapters")
	v.SetDefault("mirror.provider", "none")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.MaxRedirects <= 0 {
		return fmt.Errorf("fetch.max_redirects must be > 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Batch.Concurrency <= 0 {
		return fmt.Errorf("batch.concurrency must be > 0")
	}
	switch c.Archive.Provider {
	case "", "none":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be none or gcs")
	}
	switch c.Mirror.Provider {
	case "", "none":
	case "pubsub":
		if c.Mirror.ProjectID == "" || c.Mirror.TopicID == "" {
			return fmt.Errorf("mirror.project_id and mirror.topic_id must be set when mirror.provider is pubsub")
		}
	default:
		return fmt.Errorf("mirror.provider must be none or pubsub")
	}
	return nil
}

// FetchTimeout converts the per-hop timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

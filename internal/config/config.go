package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "COLLABBOARD"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "collabboard.db"
	defaultLogLevel       = "info"
	defaultObjectCapacity = 2000
	defaultFlushInterval  = 15 * time.Second
	defaultPresenceTTL    = 30 * time.Second
	defaultEditLockTTL    = 20 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	SigningSecret  string
	DatabasePath   string
	LogLevel       string
	ObjectCapacity int
	FlushInterval  time.Duration
	PresenceTTL    time.Duration
	EditLockTTL    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("board.object_capacity", defaultObjectCapacity)
	configViper.SetDefault("flush.interval", defaultFlushInterval)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("editlock.ttl", defaultEditLockTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		ObjectCapacity: configViper.GetInt("board.object_capacity"),
		FlushInterval:  configViper.GetDuration("flush.interval"),
		PresenceTTL:    configViper.GetDuration("presence.ttl"),
		EditLockTTL:    configViper.GetDuration("editlock.ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.ObjectCapacity <= 0 {
		return fmt.Errorf("board.object_capacity must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush.interval must be positive")
	}
	if c.PresenceTTL <= 0 || c.EditLockTTL <= 0 {
		return fmt.Errorf("presence.ttl and editlock.ttl must be positive")
	}
	return nil
}

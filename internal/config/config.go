// Package config loads environment configuration for the voicekit binaries.
package config

import (
	"sync"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds environment configuration for the demo binary.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" env-default:"info"`

	Broker struct {
		URL    string `env:"BROKER_URL" env-required:"true"`
		APIKey string `env:"BROKER_API_KEY"`
	}

	Realtime struct {
		URL   string `env:"REALTIME_URL" env-default:"https://api.openai.com/v1/realtime"`
		Model string `env:"REALTIME_MODEL" env-default:"gpt-4o-realtime-preview-2024-12-17"`
		Voice string `env:"REALTIME_VOICE" env-default:"alloy"`
	}

	Store struct {
		SQLitePath string `env:"SQLITE_PATH" env-default:"voicekit.db"`
	}
}

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Load reads environment variables into the singleton Config.
func Load() (*Config, error) {
	once.Do(func() {
		instance = &Config{}
		loadErr = cleanenv.ReadEnv(instance)
	})
	return instance, loadErr
}

// Package config loads the runtime environment for the ghostship binaries.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"ghostship.forum/internal/completion"
)

// Config holds process-level settings. Simulation tuning lives in the
// tuning file named by TuningPath.
type Config struct {
	DataDir      string `env:"GHOSTSHIP_DATA_DIR" envDefault:"./data"`
	DBPath       string `env:"GHOSTSHIP_DB" envDefault:"./data/ghostship.sqlite"`
	TuningPath   string `env:"GHOSTSHIP_TUNING"`
	CatalogsPath string `env:"GHOSTSHIP_CATALOGS"`
	ListenAddr   string `env:"GHOSTSHIP_LISTEN" envDefault:"127.0.0.1:8088"`
	DisableLogs  bool   `env:"GHOSTSHIP_DISABLE_ARCHIVE"`
	AutoTicks    string `env:"FORUM_AUTO_TICKS" envDefault:"1"`

	OpenRouter OpenRouter
}

type OpenRouter struct {
	APIKey        string        `env:"OPENROUTER_API_KEY"`
	BaseURL       string        `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1"`
	Model         string        `env:"OPENROUTER_MODEL" envDefault:"gpt-4o-mini"`
	MaxTokens     int           `env:"OPENROUTER_MAX_TOKENS" envDefault:"220"`
	DailyLimit    int           `env:"OPENROUTER_DAILY_LIMIT" envDefault:"1000"`
	OfflineWindow time.Duration `env:"OPENROUTER_OFFLINE_WINDOW" envDefault:"5m"`
	Timeout       time.Duration `env:"OPENROUTER_TIMEOUT" envDefault:"30s"`
	Title         string        `env:"OPENROUTER_APP_TITLE" envDefault:"ghostship"`
	Referer       string        `env:"OPENROUTER_REFERER"`
}

// Load parses the environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return c, nil
}

// Completion maps the OpenRouter block onto the completion client config.
func (c Config) Completion() completion.Config {
	o := c.OpenRouter
	return completion.Config{
		APIKey:           o.APIKey,
		BaseURL:          o.BaseURL,
		Model:            o.Model,
		DefaultMaxTokens: o.MaxTokens,
		DailyLimit:       o.DailyLimit,
		OfflineWindow:    o.OfflineWindow,
		Title:            o.Title,
		Referer:          o.Referer,
		Timeout:          o.Timeout,
	}
}

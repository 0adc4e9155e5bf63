// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/stormfell-games/duelsrv/internal/duel"
)

type Config struct {
	Addr string `env:"DUELSRV_ADDR" envDefault:":8080"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Duel rule overrides. Zero values fall back to the engine defaults.
	TargetScore      int           `env:"DUEL_TARGET_SCORE"`
	MaxRounds        int           `env:"DUEL_MAX_ROUNDS"`
	SelectionTimeout time.Duration `env:"DUEL_SELECTION_TIMEOUT"`
	GracePeriod      time.Duration `env:"DUEL_GRACE_PERIOD"`
	Wager            int64         `env:"DUEL_DEFAULT_WAGER"`
}

// Rules layers the environment overrides onto the engine defaults.
func (c *Config) Rules() duel.Rules {
	r := duel.DefaultRules()
	if c.TargetScore > 0 {
		r.TargetScore = c.TargetScore
	}
	if c.MaxRounds > 0 {
		r.MaxRounds = c.MaxRounds
	}
	if c.SelectionTimeout > 0 {
		r.SelectionTimeout = c.SelectionTimeout
	}
	if c.GracePeriod > 0 {
		r.GracePeriod = c.GracePeriod
	}
	return r
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &c, nil
}

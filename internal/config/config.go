// Package config loads the service configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full service configuration. Defaults are suitable for local
// development; deployments must override the secrets.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	DBPath     string `env:"DB_PATH" envDefault:"./data/quest.db"`

	// JWTSecret signs session tokens; SealingSecret derives the reward
	// sealing key.
	JWTSecret     string `env:"JWT_SECRET" envDefault:"dev-jwt-secret-change-me"`
	SealingSecret string `env:"SEALING_SECRET" envDefault:"dev-sealing-secret-change-me"`

	TokenDuration time.Duration `env:"TOKEN_DURATION" envDefault:"24h"`

	// Reward policy constants. Changing these on a live deployment breaks
	// ledger-side verification of in-flight completions.
	RewardBase           uint64 `env:"REWARD_BASE" envDefault:"1000"`
	RewardPerMemberBonus uint64 `env:"REWARD_MEMBER_BONUS" envDefault:"100"`

	// PendingHorizon bounds how long a caller waits on a pending transaction
	// before the operation reports a timeout. ConfirmDelay is the simulated
	// ledger's mining delay.
	PendingHorizon time.Duration `env:"PENDING_HORIZON" envDefault:"30s"`
	ConfirmDelay   time.Duration `env:"CONFIRM_DELAY" envDefault:"150ms"`

	// SeedDemo inserts a demo party on startup for manual testing.
	SeedDemo bool `env:"SEED_DEMO" envDefault:"false"`
}

// Load parses the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

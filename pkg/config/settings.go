package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/storyplayer/storyplayer/pkg/engine"
	"github.com/storyplayer/storyplayer/pkg/telemetry"
)

// Settings are the tool's own options, read from the "storyplayer" section.
type Settings struct {
	LogLevel  string           `mapstructure:"logLevel" validate:"omitempty,oneof=trace debug info warn error"`
	Runtime   RuntimeSettings  `mapstructure:"runtime"`
	History   HistorySettings  `mapstructure:"history"`
	Policy    PolicySettings   `mapstructure:"policy"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// RuntimeSettings selects where the runtime table is persisted.
type RuntimeSettings struct {
	Backend       string `mapstructure:"backend" validate:"oneof=file sqlite redis"`
	Path          string `mapstructure:"path" validate:"required_unless=Backend redis"`
	RedisAddress  string `mapstructure:"redisAddress" validate:"required_if=Backend redis"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB" validate:"gte=0"`
	RedisPrefix   string `mapstructure:"redisPrefix"`
}

// HistorySettings controls the SQLite run history.
type HistorySettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// PolicySettings lists Rego files or directories consulted by the blacklist
// check. Data is visible to policies as data.storyplayer.
type PolicySettings struct {
	Paths []string               `mapstructure:"paths"`
	Data  map[string]interface{} `mapstructure:"data"`
}

// LoadSettings decodes and validates the "storyplayer" section of t on top
// of the built-in defaults.
func LoadSettings(t *Tree) (*Settings, error) {
	s := &Settings{
		Runtime:   RuntimeSettings{Backend: "file"},
		Telemetry: *telemetry.DefaultConfig(),
	}

	if t.Has("storyplayer") {
		if err := t.Decode("storyplayer", s); err != nil {
			return nil, err
		}
	}
	if s.LogLevel != "" {
		s.Telemetry.Logging.Level = s.LogLevel
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, engine.NewInvalidConfigError("invalid storyplayer settings", err).WithResource("storyplayer")
	}
	if err := s.Telemetry.Validate(); err != nil {
		return nil, engine.NewInvalidConfigError(fmt.Sprintf("invalid telemetry settings: %v", err), err).
			WithResource("storyplayer.telemetry")
	}
	return s, nil
}

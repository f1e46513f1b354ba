package recorder

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/steprec/recorder/internal/config"
)

// Config is the recorder configuration.
type Config = config.Config

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config { return config.Default() }

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) { return config.LoadFile(path) }

// WatchConfig reloads the recorder whenever the file at path changes. It
// blocks until ctx is done.
func (r *Recorder) WatchConfig(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(cfg *config.Config) {
		r.Reload(ctx, cfg)
	}, r.logger.With("component", "config"))
}

// ParseLevel maps a --log-level flag onto a slog level.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

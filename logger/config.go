package logger

import (
	"go.uber.org/zap/zapcore"
)

// Config selects the log encoding and verbosity.
type Config struct {
	// Format is one of auto, console, json or logfmt.
	Format string        `toml:"format"`
	Level  zapcore.Level `toml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}

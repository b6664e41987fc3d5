// Package logging builds the root hclog.Logger shared by all components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

type Config struct {
	Level  string // trace, debug, info, warn, error
	Format string // text or json
	Output io.Writer
}

// New returns the root logger. Unknown levels fall back to info.
func New(cfg Config) hclog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       "vpnledger",
		Level:      level,
		Output:     out,
		JSONFormat: strings.EqualFold(cfg.Format, "json"),
		TimeFormat: "2006-01-02 15:04:05",
	})
}

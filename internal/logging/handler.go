// Package logging builds the slog.Handler used by chatus-edge.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// Output formats accepted in configuration.
const (
	FormatAuto   = "auto"
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// ParseLevel converts a level name (debug, info, warn, error) to a slog.Level.
// An empty name means info.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if name == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}

// NewHandler returns a JSON handler or a colorized tint handler writing to out.
// FormatAuto picks tint only when out is a terminal.
func NewHandler(out io.Writer, format, levelName string) (slog.Handler, error) {
	level, err := ParseLevel(levelName)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(format) {
	case "", FormatAuto:
		if isTerminal(out) {
			return newPretty(out, level), nil
		}
		return newJSON(out, level), nil
	case FormatJSON:
		return newJSON(out, level), nil
	case FormatPretty:
		return newPretty(out, level), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s (valid: auto, json, pretty)", format)
	}
}

func newJSON(out io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
}

func newPretty(out io.Writer, level slog.Level) slog.Handler {
	return tint.NewHandler(out, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    !isTerminal(out),
	})
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

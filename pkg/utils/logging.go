// Package utils holds logging setup and byte-size helpers shared by the
// daemon and the library packages.
package utils

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggingOptions configures the process logger.
type LoggingOptions struct {
	// Level is a zerolog level name; it wins over Verbosity when set.
	Level string
	// Verbosity follows the SQ_VERBOSITY convention: 0 warn, 1 info, 2+ debug.
	Verbosity int
	// Pretty selects the human readable console writer instead of JSON.
	Pretty bool
	// File appends logs to a file instead of stderr.
	File string
}

// LevelFromVerbosity maps a verbosity count to a zerolog level.
func LevelFromVerbosity(v int) zerolog.Level {
	switch {
	case v <= 0:
		return zerolog.WarnLevel
	case v == 1:
		return zerolog.InfoLevel
	case v == 2:
		return zerolog.DebugLevel
	default:
		return zerolog.TraceLevel
	}
}

// ParseLogLevel parses a level name, accepting "warning" as an alias.
func ParseLogLevel(level string) (zerolog.Level, error) {
	l := strings.ToLower(strings.TrimSpace(level))
	if l == "warning" {
		l = "warn"
	}
	parsed, err := zerolog.ParseLevel(l)
	if err != nil || l == "" {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
	return parsed, nil
}

// SetupLogging builds the process logger, installs it as the global zerolog
// logger and returns it together with a closer for the log file (if any).
func SetupLogging(opts LoggingOptions) (zerolog.Logger, io.Closer, error) {
	level := LevelFromVerbosity(opts.Verbosity)
	if opts.Level != "" {
		parsed, err := ParseLogLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		level = parsed
	}

	var output io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if opts.File != "" {
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		closer = file
	}
	if opts.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	logger := NewLogger(output, level)
	log.Logger = logger
	zerolog.SetGlobalLevel(level)
	return logger, closer, nil
}

// NewLogger returns a timestamped logger writing to w at level.
func NewLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ParseBytes parses a human-readable byte string with binary suffixes,
// so "2048k" is 2 MiB.
func ParseBytes(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty string")
	}

	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "IB")
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	numStr := s

	if len(s) > 0 {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1 << 10
		case 'M':
			multiplier = 1 << 20
		case 'G':
			multiplier = 1 << 30
		case 'T':
			multiplier = 1 << 40
		case 'P':
			multiplier = 1 << 50
		}
		if multiplier > 1 {
			numStr = strings.TrimSpace(s[:len(s)-1])
		}
	}

	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid number format: %s", s)
	}

	return int64(num * float64(multiplier)), nil
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

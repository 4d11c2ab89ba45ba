package common

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const LogLevelEnv = "CTFTRACE_LOG_LEVEL"

var (
	logMu  sync.RWMutex
	logger = newLogger(os.Stderr, levelFromEnv())
)

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", "ctftrace").Logger()
}

func levelFromEnv() zerolog.Level {
	level, err := ParseLevel(os.Getenv(LogLevelEnv))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// ParseLevel maps a level name to a zerolog level. Empty means info.
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return zerolog.InfoLevel, nil
	}
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
	return level, nil
}

// SetOutput replaces the process logger. console selects the human readable
// zerolog console writer instead of JSON lines.
func SetOutput(w io.Writer, level zerolog.Level, console bool) {
	if w == nil {
		w = os.Stderr
	}
	if console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	logMu.Lock()
	logger = newLogger(w, level)
	logMu.Unlock()
}

func Logger() *zerolog.Logger {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	return &l
}

func Logf(format string, args ...interface{}) {
	Logger().Info().Msgf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	Logger().Debug().Msgf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	Logger().Warn().Msgf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	Logger().Fatal().Msgf(format, args...)
}

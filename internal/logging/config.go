package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel     = "PSB_LOG_LEVEL"
	EnvLogTimestamp = "PSB_LOG_TIMESTAMP"
	EnvLogNoColor   = "PSB_LOG_NOCOLOR"
	EnvLogBypass    = "PSB_LOG_BYPASS"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the resolved logger setup for one process.
type Config struct {
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
	// Bypass writes plain JSON lines instead of the console format.
	Bypass bool
}

var (
	configureOnce sync.Once
	mu            sync.RWMutex
	logger        = zerolog.New(os.Stderr).Level(zerolog.InfoLevel)
)

func ConfigureRuntime() {
	Configure(ProfileRuntime)
}

func ConfigureTests() {
	Configure(ProfileTest)
}

func Configure(profile Profile) {
	configureOnce.Do(func() {
		cfg := defaultConfig(profile)
		applyEnvOverrides(&cfg)
		Apply(cfg)
	})
}

// Apply replaces the process logger. It is also used to change the level after
// Configure, e.g. from a config file value.
func Apply(cfg Config) {
	var l zerolog.Logger
	if cfg.Bypass {
		l = zerolog.New(os.Stderr)
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    cfg.NoColor,
			TimeFormat: time.RFC3339,
		})
	}
	if cfg.Timestamp {
		l = l.With().Timestamp().Logger()
	}
	l = l.Level(cfg.Level)
	mu.Lock()
	logger = l
	mu.Unlock()
}

// SetLevel adjusts the level of the current logger.
func SetLevel(raw string) bool {
	lvl, ok := ParseLevel(raw)
	if !ok {
		return false
	}
	mu.Lock()
	logger = logger.Level(lvl)
	mu.Unlock()
	return true
}

func defaultConfig(profile Profile) Config {
	switch profile {
	case ProfileTest:
		return Config{Level: zerolog.DebugLevel, Timestamp: false}
	default:
		return Config{Level: zerolog.InfoLevel, Timestamp: true}
	}
}

func applyEnvOverrides(cfg *Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
}

func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none", "inactive":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

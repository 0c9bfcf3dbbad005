package observability

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFileConfig describes an optional rotating log file.
type LogFileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewLogger creates a structured JSON logger.
// Level comes from CDP_LOG_LEVEL (default info). When CDP_LOG_FILE is set,
// output goes to a rotating file instead of stdout.
func NewLogger(component string) zerolog.Logger {
	level := parseLogLevel(os.Getenv("CDP_LOG_LEVEL"))
	return NewLoggerWithLevel(component, level, logFileFromEnv())
}

// NewLoggerWithLevel creates a logger with an explicit level and optional file output.
func NewLoggerWithLevel(component string, level zerolog.Level, file *LogFileConfig) zerolog.Logger {
	return zerolog.New(logWriter(file)).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func logWriter(file *LogFileConfig) io.Writer {
	if file == nil || file.Path == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    file.MaxSizeMB,
		MaxBackups: file.MaxBackups,
		MaxAge:     file.MaxAgeDays,
		Compress:   file.Compress,
	}
}

func logFileFromEnv() *LogFileConfig {
	path := os.Getenv("CDP_LOG_FILE")
	if path == "" {
		return nil
	}
	return &LogFileConfig{
		Path:       path,
		MaxSizeMB:  envInt("CDP_LOG_MAX_SIZE_MB", 100),
		MaxBackups: envInt("CDP_LOG_MAX_BACKUPS", 10),
		MaxAgeDays: envInt("CDP_LOG_MAX_AGE_DAYS", 30),
		Compress:   os.Getenv("CDP_LOG_COMPRESS") != "false",
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// ParseLogLevel maps a config string to a zerolog level. Unknown values mean info.
func ParseLogLevel(s string) zerolog.Level {
	return parseLogLevel(s)
}

func parseLogLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultMaxSizeBytes = 20 * 1024 * 1024
	envLogFilePath      = "LOG_FILE_PATH"
	envLogMaxSizeMB     = "LOG_MAX_SIZE_MB"
	envLogMaxBackups    = "LOG_MAX_BACKUPS"
	envLogFormat        = "LOG_FORMAT"
	envLogLevel         = "LOG_LEVEL"
	logFormatText       = "text"
	logFormatJSON       = "json"
)

type Options struct {
	Format       string
	Level        string
	FilePath     string
	MaxSizeBytes int64
	MaxBackups   int
	Stdout       io.Writer
}

var (
	mu     sync.RWMutex
	global = newLogger(optionsFromEnv())
)

func optionsFromEnv() Options {
	path := strings.TrimSpace(os.Getenv(envLogFilePath))
	maxSizeBytes := int64(defaultMaxSizeBytes)
	if raw := strings.TrimSpace(os.Getenv(envLogMaxSizeMB)); raw != "" {
		if sizeMB, err := strconv.Atoi(raw); err == nil && sizeMB > 0 {
			maxSizeBytes = int64(sizeMB) * 1024 * 1024
		}
	}
	maxBackups, _ := strconv.Atoi(strings.TrimSpace(os.Getenv(envLogMaxBackups)))
	return Options{
		Format:       strings.ToLower(strings.TrimSpace(os.Getenv(envLogFormat))),
		Level:        strings.ToLower(strings.TrimSpace(os.Getenv(envLogLevel))),
		FilePath:     path,
		MaxSizeBytes: maxSizeBytes,
		MaxBackups:   maxBackups,
	}
}

func newLogger(opts Options) zerolog.Logger {
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	var console io.Writer = stdout
	if opts.Format != logFormatJSON {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339Nano}
	}
	writers := []io.Writer{console}
	if opts.FilePath != "" {
		writers = append(writers, newRotatingFile(opts.FilePath, opts.MaxSizeBytes, opts.MaxBackups))
	}
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
}

// Configure replaces the process-wide logger. Used by the CLI and tests.
func Configure(opts Options) {
	l := newLogger(opts)
	mu.Lock()
	global = l
	mu.Unlock()
}

func Debugf(format string, args ...any) {
	logf(zerolog.DebugLevel, format, args...)
}

func Infof(format string, args ...any) {
	logf(zerolog.InfoLevel, format, args...)
}

func Warnf(format string, args ...any) {
	logf(zerolog.WarnLevel, format, args...)
}

func Errorf(format string, args ...any) {
	logf(zerolog.ErrorLevel, format, args...)
}

// Exceptionf logs at error level and tags the line so it stands out from
// expected failures.
func Exceptionf(format string, args ...any) {
	mu.RLock()
	l := global
	mu.RUnlock()
	l.Error().Bool("exception", true).Str("caller", callerFuncName(2)).Msg(fmt.Sprintf(format, args...))
}

func logf(lv zerolog.Level, format string, args ...any) {
	mu.RLock()
	l := global
	mu.RUnlock()
	l.WithLevel(lv).Str("caller", callerFuncName(3)).Msg(fmt.Sprintf(format, args...))
}

func callerFuncName(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	fullName := fn.Name()
	parts := strings.Split(fullName, "/")
	return parts[len(parts)-1]
}

package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

var logger = zerolog.Nop()
var once sync.Once

type LoggerOption func(*LoggerConfig)

type LoggerConfig struct {
	fileName string
	console  bool
	logLevel zerolog.Level
	output   io.Writer
}

func WithFileLogger(fileName string) LoggerOption {
	return func(l *LoggerConfig) {
		l.fileName = fileName
	}
}

func WithConsoleLogger() LoggerOption {
	return func(l *LoggerConfig) {
		l.console = true
	}
}

func WithLogLevel(logLevel zerolog.Level) LoggerOption {
	return func(l *LoggerConfig) {
		l.logLevel = logLevel
	}
}

// WithLevelName accepts "debug", "info", "warn", ... and keeps the default on unknown names.
func WithLevelName(name string) LoggerOption {
	return func(l *LoggerConfig) {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name))); err == nil && lvl != zerolog.NoLevel {
			l.logLevel = lvl
		}
	}
}

// WithWriter replaces stdout, mostly for tests.
func WithWriter(w io.Writer) LoggerOption {
	return func(l *LoggerConfig) {
		l.output = w
	}
}

func Init(serviceName string, opts ...LoggerOption) {
	once.Do(func() {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
		zerolog.TimeFieldFormat = time.RFC3339Nano
		l := &LoggerConfig{logLevel: zerolog.InfoLevel}

		for _, opt := range opts {
			opt(l)
		}

		output := make([]io.Writer, 0, 2)
		var defaultOutput io.Writer = os.Stdout
		if l.output != nil {
			defaultOutput = l.output
		}
		if l.console {
			output = append(output, zerolog.ConsoleWriter{
				Out:        defaultOutput,
				TimeFormat: time.RFC3339,
			})
		}
		if l.fileName != "" {
			output = append(output, &lumberjack.Logger{
				Filename:   l.fileName,
				MaxSize:    5,
				MaxBackups: 10,
				MaxAge:     14,
				Compress:   true,
			})
		}

		if len(output) == 0 {
			output = append(output, defaultOutput)
		}

		logger = zerolog.New(zerolog.MultiLevelWriter(output...)).
			Level(l.logLevel).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	})
}

// GetLogger returns the process logger; before Init it is a no-op logger.
func GetLogger() zerolog.Logger {
	return logger
}

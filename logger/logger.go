package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel mirrors zerolog's levels so callers don't import zerolog
// directly.
type LogLevel string

const (
	Debug LogLevel = "debug"
	Info  LogLevel = "info"
	Error LogLevel = "error"
	Trace LogLevel = "trace"
)

type Config struct {
	// Zero or more destinations for human-readable console output
	ConsoleWriters []io.Writer

	// If set, logs are additionally written to this file with rotation
	FilePath string

	LogLevel LogLevel
}

type Logger struct {
	logger zerolog.Logger
}

func DefaultLoggerConfig(level string) *Config {
	return &Config{
		LogLevel:       LogLevel(level),
		ConsoleWriters: []io.Writer{os.Stdout},
	}
}

func New(config *Config) (*Logger, error) {
	logLevel, err := zerolog.ParseLevel(string(config.LogLevel))
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	writers := []io.Writer{}

	if config.FilePath != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    100, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		writers = append(writers, fileWriter)
	}

	for _, consoleWriter := range config.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{Out: consoleWriter})
	}

	if len(writers) == 0 {
		return nil, fmt.Errorf("logger requires at least one file or console writer")
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(logLevel).
		With().
		Timestamp().
		Logger()

	return &Logger{
		logger: logger,
	}, nil
}

// GetComponentLogger returns a child logger annotated with the given
// component name, e.g. "Pool" -> "Connection" -> "TcpSocket".
func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", component).Logger(),
	}
}

// GetConnectionLogger annotates a child logger with a connection id so
// interleaved connection logs can be told apart.
func (l *Logger) GetConnectionLogger(id string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("connection", id).Logger(),
	}
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

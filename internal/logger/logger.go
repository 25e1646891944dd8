package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"pii-redactor/internal/config"
)

var Logger *slog.Logger

// InitLogger initializes structured logging based on configuration
func InitLogger(cfg *config.Config) {
	InitLoggerTo(os.Stdout, cfg.GinMode == "debug")
}

// InitLoggerTo writes JSON logs to w; debug enables debug level and source info
func InitLoggerTo(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: debug, // Only add source in debug mode
	}

	Logger = slog.New(slog.NewJSONHandler(w, opts)).With("service", "pii-redactor")
	Logger.Debug("Structured logging initialized", "level", level.String())
}

// Helper functions for common log operations
func Info(msg string, args ...any) {
	if Logger != nil {
		Logger.Info(msg, args...)
	}
}

func Error(msg string, args ...any) {
	if Logger != nil {
		Logger.Error(msg, args...)
	}
}

func Debug(msg string, args ...any) {
	if Logger != nil {
		Logger.Debug(msg, args...)
	}
}

func Warn(msg string, args ...any) {
	if Logger != nil {
		Logger.Warn(msg, args...)
	}
}

// QueueLogger adapts the structured logger to the asynq server logger
type QueueLogger struct{}

func (QueueLogger) Debug(args ...any) { Debug(fmt.Sprint(args...), "component", "asynq") }
func (QueueLogger) Info(args ...any)  { Info(fmt.Sprint(args...), "component", "asynq") }
func (QueueLogger) Warn(args ...any)  { Warn(fmt.Sprint(args...), "component", "asynq") }
func (QueueLogger) Error(args ...any) { Error(fmt.Sprint(args...), "component", "asynq") }

func (QueueLogger) Fatal(args ...any) {
	Error(fmt.Sprint(args...), "component", "asynq")
	os.Exit(1)
}

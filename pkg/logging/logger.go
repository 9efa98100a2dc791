package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"curator/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(formatterFor(config.GetEnv("LOG_FORMAT", "json")))
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewScriptLogger creates a logger for one-shot scripts that the orchestrator
// runs as subprocesses. It writes plain text lines to stdout so the parent can
// match marker lines; LOG_FORMAT=json still wins when set explicitly.
func NewScriptLogger(out io.Writer) *logrus.Logger {
	if out == nil {
		out = os.Stdout
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(formatterFor(config.GetEnv("LOG_FORMAT", "text")))
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewDiscardLogger returns a logger that drops everything. Useful in tests.
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func formatterFor(format string) logrus.Formatter {
	if format == "text" {
		return &logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  "15:04:05",
			DisableColors:    true,
			DisableQuote:     true,
			QuoteEmptyFields: true,
		}
	}
	return &logrus.JSONFormatter{}
}

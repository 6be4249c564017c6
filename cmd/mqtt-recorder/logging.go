package main

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// verbosityLevel maps -v to a logrus level.
func verbosityLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.WarnLevel
	case v == 1:
		return logrus.InfoLevel
	case v == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// newLogger builds the process logger. When logFile cannot be opened the
// logger falls back to stderr and says so.
func newLogger(verbose int, logFile string) (*logrus.Logger, func()) {
	logger := logrus.New()
	logger.SetLevel(verbosityLevel(verbose))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	logger.SetOutput(os.Stderr)

	if logFile == "" {
		return logger, func() {}
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		logger.WithError(err).Warn("log file unavailable, logging to stderr")
		return logger, func() {}
	}
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logger.WithError(err).Warn("log file unavailable, logging to stderr")
		return logger, func() {}
	}

	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(f)
	return logger, func() {
		_ = f.Close()
	}
}

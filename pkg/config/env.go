package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// envFiles are read in order; a key set by an earlier file is not replaced
// by a later one.
var envFiles = []string{".env.local", ".env"}

// LoadEnv reads env files from dir (the working directory when empty) and
// returns the ones it loaded. Variables already in the process environment
// always win, so values the orchestrator hands a task survive the task's own
// .env.
func LoadEnv(logger *logrus.Logger, dir string) []string {
	var loaded []string
	for _, name := range envFiles {
		file := filepath.Join(dir, name)
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger != nil && len(loaded) > 0 {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
	return loaded
}

// GetEnv returns the trimmed value of key, or def when unset or blank.
func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func GetEnvInt(key string, def int) int {
	if v, err := strconv.Atoi(GetEnv(key, "")); err == nil {
		return v
	}
	return def
}

// GetEnvDuration parses a Go duration ("90s", "5m"). Unparseable values fall
// back to def.
func GetEnvDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(GetEnv(key, "")); err == nil {
		return v
	}
	return def
}

// GetLogLevel maps LOG_LEVEL to a logrus level, info by default.
func GetLogLevel() logrus.Level {
	if lvl, err := logrus.ParseLevel(GetEnv("LOG_LEVEL", "info")); err == nil {
		return lvl
	}
	return logrus.InfoLevel
}

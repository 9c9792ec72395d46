// Package config loads cmd/* entrypoint settings from the process
// environment, grounded in the teacher's own registry/cmd/registry/main.go
// envOr-helper idiom, plus github.com/joho/godotenv (from kadirpekel-hector)
// for local .env loading — no heavier config framework, matching the
// teacher's own lack of one.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotenv loads a .env file from the working directory if present. A
// missing file is not an error: production deployments set real environment
// variables instead.
func LoadDotenv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		// Malformed .env is a local-dev mistake worth surfacing, but not
		// fatal: fall through to whatever the real environment provides.
		os.Stderr.WriteString("config: .env load warning: " + err.Error() + "\n")
	}
}

// StringOr returns the environment variable value or def if unset/empty.
func StringOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// IntOr returns the environment variable parsed as int, or def if
// unset/unparseable.
func IntOr(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// DurationOr returns the environment variable parsed as a time.Duration, or
// def if unset/unparseable.
func DurationOr(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

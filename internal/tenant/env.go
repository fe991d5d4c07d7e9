// SPDX-License-Identifier: MIT

package tenant

import (
	"os"
	"strconv"
	"strings"

	"github.com/radscheduler/core/internal/log"
)

// ParseString reads an environment variable, logging at debug level which
// source (environment or default) supplied the value. Token/secret-shaped
// keys are never logged with their value.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("tenant")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().Str("key", key).Str("source", "default").Msg("using default value")
		return defaultValue
	}
	lowerKey := strings.ToLower(key)
	if strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "secret") || strings.Contains(lowerKey, "key") {
		logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", v).Str("source", "environment").Msg("using environment variable")
	}
	return v
}

// ParseInt reads an integer environment variable, falling back to
// defaultValue on absence or parse failure.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("tenant")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer env value, using default")
		return defaultValue
	}
	return i
}

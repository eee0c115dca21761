// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package env reads process settings from environment variables.
//
// Every getter takes the variable name, whether it is required and a default.
// A missing optional variable or an unparsable optional value yields the default;
// a missing or unparsable required variable yields an error.
package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Process settings read by cmd/labcore.
const (
	KeyConfigPath = "LABCORE_CONFIG"
	KeyDataDir    = "LABCORE_DATA_DIR"
	KeyAPIAddr    = "LABCORE_API_ADDR"
	KeyWorkers    = "LABCORE_WORKERS"
	KeyShutdown   = "LABCORE_SHUTDOWN_TIMEOUT"
	KeyWatch      = "LABCORE_WATCH_CONFIG"
	KeySentryDSN  = "SENTRY_DSN"
)

// GetAsString retrieves an environment variable as a string.
func GetAsString(key string, required bool, defaultValue string) (string, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		if required {
			return "", fmt.Errorf("required environment variable %s is not set", key)
		}

		return defaultValue, nil
	}

	return value, nil
}

// parse is shared by the typed getters. It only calls conv when the variable is set.
func parse[T any](key string, required bool, defaultValue T, kind string, conv func(string) (T, error)) (T, error) {
	raw, err := GetAsString(key, required, "")
	if err != nil {
		var zero T
		return zero, err
	}

	if raw == "" {
		return defaultValue, nil
	}

	value, err := conv(raw)
	if err != nil {
		if required {
			var zero T
			return zero, fmt.Errorf("environment variable %s must be %s: %w", key, kind, err)
		}

		return defaultValue, nil
	}

	return value, nil
}

// GetAsInt retrieves an environment variable as an integer.
func GetAsInt(key string, required bool, defaultValue int) (int, error) {
	return parse(key, required, defaultValue, "an integer", strconv.Atoi)
}

// GetAsFloat retrieves an environment variable as a float64.
func GetAsFloat(key string, required bool, defaultValue float64) (float64, error) {
	return parse(key, required, defaultValue, "a number", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// GetAsBool retrieves an environment variable as a boolean.
// Accepts true/false, 1/0, yes/no, y/n and on/off in any case.
func GetAsBool(key string, required bool, defaultValue bool) (bool, error) {
	return parse(key, required, defaultValue, "a boolean value", func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off":
			return false, nil
		}

		return false, fmt.Errorf("unrecognised boolean %q", s)
	})
}

// GetAsDuration retrieves an environment variable as a time.Duration ("5s", "250ms").
func GetAsDuration(key string, required bool, defaultValue time.Duration) (time.Duration, error) {
	return parse(key, required, defaultValue, "a duration", time.ParseDuration)
}

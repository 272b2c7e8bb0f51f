package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// GetUint64 reads key as a uint64, falling back to defaultValue if unset or
// unparsable. An unparsable value is not reported: this package has no
// logger dependency and returns no error.
func GetUint64(key string, defaultValue uint64) uint64 {
	raw := Get(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetDuration reads key as a time.Duration (Go duration syntax, e.g. "30s"),
// falling back to defaultValue if unset or unparsable.
func GetDuration(key string, defaultValue time.Duration) time.Duration {
	raw := Get(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetDecimal reads key as a decimal.Decimal, falling back to defaultValue if
// unset or unparsable.
func GetDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	raw := Get(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// GetBool reads key as a bool ("true"/"false"/"1"/"0"), falling back to
// defaultValue if unset or unparsable.
func GetBool(key string, defaultValue bool) bool {
	raw := Get(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// RequireString reads key, returning an error if it is unset — used for
// values with no sane default (DATABASE_URL, RPC_URL, contract addresses).
func RequireString(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is not set", key)
	}
	return v, nil
}

package utils

import (
	"fmt"
	"os"
	"strconv"

	"github.com/segmentio/ksuid"
)

func EnvOrDefault(env, defaultVal string) string {
	if val := os.Getenv(env); val != "" {
		return val
	}
	return defaultVal
}

func MustEnvOrDefaultInt64(env string, defaultVal int64) int64 {
	val := os.Getenv(env)
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		panic(fmt.Errorf("error parsing env var %s: %w", env, err))
	}
	return parsed
}

// GenKSortedID generates a k-sorted ID with an optional prefix
func GenKSortedID(prefix string) string {
	return prefix + ksuid.New().String()
}

package config

import (
	"os"
	"strconv"
	"strings"
)

// DefaultConcurrency keeps relay pressure low unless an operator raises it.
const DefaultConcurrency = 1

// Concurrency returns the configured number of jobs handled at once.
// Defaults to DefaultConcurrency when unset or invalid.
func Concurrency() int {
	value := strings.TrimSpace(os.Getenv("WORKER_CONCURRENCY"))
	if value == "" {
		return DefaultConcurrency
	}
	workers, err := strconv.Atoi(value)
	if err != nil || workers < 1 {
		return DefaultConcurrency
	}
	return workers
}

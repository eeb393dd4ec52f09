package txwork

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds configuration for a Worker.
type Config struct {
	// TaskQueue is the queue this worker will poll.
	TaskQueue string `env:"TXWORK_TASK_QUEUE" envDefault:"default"`

	// Concurrency is the maximum number of activity invocations processed
	// concurrently.
	Concurrency int `env:"TXWORK_CONCURRENCY" envDefault:"10"`

	// PollInterval is how long a poller sleeps after an empty poll or a
	// poll error.
	PollInterval time.Duration `env:"TXWORK_POLL_INTERVAL" envDefault:"1s"`

	// ShutdownTimeout is the maximum time to wait for in-flight invocations
	// during graceful shutdown before cancelling them.
	ShutdownTimeout time.Duration `env:"TXWORK_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TaskQueue:       "default",
		Concurrency:     10,
		PollInterval:    1 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFromEnv builds a Config from TXWORK_* environment variables,
// falling back to the defaults for unset variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("txwork: parse config from env: %w", err)
	}
	return cfg, nil
}

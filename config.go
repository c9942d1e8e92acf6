package flowstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the environment-driven settings of a flowstate process.
// All fields have working defaults so a zero-config start is valid.
type Config struct {
	// WorkerID is a stable identity for this process's trigger worker.
	// Empty means a random UUID per start.
	WorkerID string `env:"FLOWSTATE_WORKER_ID"`

	// LockTTL is the lease duration granted on entity locks.
	LockTTL time.Duration `env:"FLOWSTATE_LOCK_TTL" envDefault:"15s"`

	// LockTimeout bounds how long a caller waits for a contended lock.
	LockTimeout time.Duration `env:"FLOWSTATE_LOCK_TIMEOUT" envDefault:"5s"`

	// DateScanInterval is how often date triggers re-read deadlines.
	DateScanInterval time.Duration `env:"FLOWSTATE_DATE_SCAN_INTERVAL" envDefault:"1s"`

	// PollInterval is the default function-trigger polling interval.
	PollInterval time.Duration `env:"FLOWSTATE_POLL_INTERVAL" envDefault:"5s"`

	// TriggerPoolSize bounds concurrent trigger evaluations.
	TriggerPoolSize int `env:"FLOWSTATE_TRIGGER_POOL_SIZE" envDefault:"16"`

	// RedisAddr selects the Redis backend when set, e.g. "localhost:6379".
	RedisAddr string `env:"FLOWSTATE_REDIS_ADDR"`

	// SQLitePath selects the SQLite backend when set.
	SQLitePath string `env:"FLOWSTATE_SQLITE_PATH"`
}

var dotenvLoaded sync.Once

// LoadConfig reads configuration from the environment, loading a .env file
// first if one exists.
func LoadConfig() (Config, error) {
	dotenvLoaded.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("flowstate: parse config: %w", err)
	}
	return cfg, nil
}

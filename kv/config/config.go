package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	DBPath string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.
	WALDir string `toml:"wal-dir"` // Directory for the write-ahead log. Defaults to DBPath.

	// Ceiling on concurrently active transactions. Begin fails once reached.
	MaxActiveTxns int `toml:"max-active-txns"`
	// A transaction with no activity for this long is aborted by housekeeping.
	TxnIdleTimeout time.Duration `toml:"txn-idle-timeout"`

	// How long a lock request waits before failing with a timeout.
	LockWaitTimeout time.Duration `toml:"lock-wait-timeout"`
	// Interval of the periodic deadlock detection pass.
	DeadlockDetectInterval time.Duration `toml:"deadlock-detect-interval"`
	// Wait-graph size beyond which a new wait edge triggers detection immediately.
	DeadlockUrgentSize int `toml:"deadlock-urgent-size"`

	// Serializable commits validate read sets against recently committed writes.
	DetectWriteSkew bool `toml:"detect-write-skew"`
	// Bounds on the committed-write log consulted by that validation.
	CommittedWriteLogCap    int           `toml:"committed-write-log-cap"`
	CommittedWriteRetention time.Duration `toml:"committed-write-retention"`

	// Maximum versions retained on a single key's chain.
	MaxVersionsPerKey int `toml:"max-versions-per-key"`
	// Interval of the vacuum pass (version GC, committed-write pruning, idle aborts).
	VacuumInterval time.Duration `toml:"vacuum-interval"`

	// Commit records appended within this window share one fsync.
	GroupCommitInterval time.Duration `toml:"group-commit-interval"`
	// WAL buffer size that forces an early flush.
	WALBufferSize int  `toml:"wal-buffer-size"`
	SyncOnCommit  bool `toml:"sync-on-commit"`
}

func (c *Config) Validate() error {
	if c.MaxActiveTxns <= 0 {
		return fmt.Errorf("max-active-txns must be greater than 0")
	}
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("lock-wait-timeout must be greater than 0")
	}
	if c.DeadlockDetectInterval <= 0 {
		return fmt.Errorf("deadlock-detect-interval must be greater than 0")
	}
	if c.MaxVersionsPerKey <= 0 {
		return fmt.Errorf("max-versions-per-key must be greater than 0")
	}
	if c.CommittedWriteLogCap <= 0 {
		return fmt.Errorf("committed-write-log-cap must be greater than 0")
	}
	return nil
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:                getLogLevel(),
		DBPath:                  "/tmp/tinytxn",
		MaxActiveTxns:           100000,
		TxnIdleTimeout:          10 * time.Minute,
		LockWaitTimeout:         30 * time.Second,
		DeadlockDetectInterval:  100 * time.Millisecond,
		DeadlockUrgentSize:      1000,
		DetectWriteSkew:         true,
		CommittedWriteLogCap:    100000,
		CommittedWriteRetention: 300 * time.Second,
		MaxVersionsPerKey:       100,
		VacuumInterval:          60 * time.Second,
		GroupCommitInterval:     2 * time.Millisecond,
		WALBufferSize:           4 * int(MB),
		SyncOnCommit:            true,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:                getLogLevel(),
		DBPath:                  "/tmp/tinytxn-test",
		MaxActiveTxns:           1024,
		TxnIdleTimeout:          time.Minute,
		LockWaitTimeout:         time.Second,
		DeadlockDetectInterval:  20 * time.Millisecond,
		DeadlockUrgentSize:      8,
		DetectWriteSkew:         true,
		CommittedWriteLogCap:    4096,
		CommittedWriteRetention: 30 * time.Second,
		MaxVersionsPerKey:       100,
		VacuumInterval:          100 * time.Millisecond,
		GroupCommitInterval:     0,
		WALBufferSize:           64 * int(KB),
		SyncOnCommit:            true,
	}
}

// FromFile loads a TOML config file over the defaults.
func FromFile(path string) (*Config, error) {
	c := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, errors.Trace(err)
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

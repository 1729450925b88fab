package reencryption

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ledgerwatch/log/v3"
)

// Config holds the coordinator's tunables, all optional with defaults,
// the way eth/ethconfig's XLayerConfig/DefaultXLayerConfig pairs a plain
// struct with a package-level default value rather than reading flags
// itself.
type Config struct {
	// SleepInterval is the Coordinator's inter-zone wait when idle.
	SleepInterval time.Duration

	// BatchSize is the number of EDEKs per Batch. Values above
	// batchSizeWarnThreshold are accepted but logged at warn level.
	BatchSize int

	// ThrottleRatio is the maximum share of wall time the Coordinator may
	// spend holding the namespace read lock, in (0, 1].
	ThrottleRatio float64

	// EdekThreads is the worker pool size.
	EdekThreads int

	// UpdaterCheckpointEvery is how many successfully applied records
	// elapse between durable checkpoints.
	UpdaterCheckpointEvery int

	// MaxInFlightEdekBytes is a human-readable byte-size ceiling for
	// in-flight EDEK memory, in the same idiom zk/txpool/acl.go uses for
	// pool memory limits. Validate fills its default; nothing else in this
	// package reads it, so the pending EDEK cache (edekcache.go) is not
	// bounded by it and Submit never backs off on it.
	MaxInFlightEdekBytes datasize.ByteSize
}

const batchSizeWarnThreshold = 2000

// DefaultConfig mirrors eth/ethconfig.DefaultXLayerConfig: a ready-to-use
// zero-ish value callers can selectively override.
var DefaultConfig = Config{
	SleepInterval:          1 * time.Second,
	BatchSize:              500,
	ThrottleRatio:          0.5,
	EdekThreads:            4,
	UpdaterCheckpointEvery: 100,
	MaxInFlightEdekBytes:   64 * datasize.MB,
}

// Validate fills in any zero fields from DefaultConfig and rejects
// out-of-range values.
func (c *Config) Validate(logger log.Logger) error {
	if c.SleepInterval <= 0 {
		c.SleepInterval = DefaultConfig.SleepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultConfig.BatchSize
	}
	if c.BatchSize > batchSizeWarnThreshold {
		logger.Warn("reencryption: batch size above recommended threshold", "batchSize", c.BatchSize, "threshold", batchSizeWarnThreshold)
	}
	if c.ThrottleRatio == 0 {
		c.ThrottleRatio = DefaultConfig.ThrottleRatio
	}
	if c.ThrottleRatio < 0 || c.ThrottleRatio > 1 {
		return fmt.Errorf("reencryption: throttleRatio must be in (0,1], got %v", c.ThrottleRatio)
	}
	if c.EdekThreads <= 0 {
		c.EdekThreads = DefaultConfig.EdekThreads
	}
	if c.UpdaterCheckpointEvery <= 0 {
		c.UpdaterCheckpointEvery = DefaultConfig.UpdaterCheckpointEvery
	}
	if c.MaxInFlightEdekBytes <= 0 {
		c.MaxInFlightEdekBytes = DefaultConfig.MaxInFlightEdekBytes
	}
	return nil
}

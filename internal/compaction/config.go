package compaction

import "time"

// DefaultMaxBatchSizeBytes caps the raw bytes read per batch at 512 MiB.
const DefaultMaxBatchSizeBytes = 512 * 1024 * 1024

// DefaultLockDuration is the lease granted on each lock acquisition or
// extension. Status saves extend the lease, so a healthy run never lets it
// lapse; a crashed run frees the lock within one lease.
const DefaultLockDuration = 30 * time.Minute

// DefaultStalledRunThreshold is how old an unfinished run status may be
// before a new run treats it as abandoned and force-releases its lock.
const DefaultStalledRunThreshold = 24 * time.Hour

// Config holds compaction settings loaded from the environment.
//
// Environment variables:
//   - COMPACTION__PERIODICRUNENABLED: schedule one run per day (default: true)
//   - COMPACTION__RUNHOURJST: JST hour of day for the scheduled run (default: 6)
//   - COMPACTION__MAXBATCHSIZEBYTES: raw bytes read per batch (default: 536870912)
//   - COMPACTION__ROWGROUPSIZE: rows per output row group (default: 10000)
//   - COMPACTION__LOCKDURATION: distributed lock lease (default: 30m)
//   - COMPACTION__STALLEDRUNTHRESHOLD: age after which an unfinished run is
//     considered stalled (default: 24h)
type Config struct {
	PeriodicRunEnabled  bool          `env:"COMPACTION__PERIODICRUNENABLED" envDefault:"true"`
	RunHourJST          int           `env:"COMPACTION__RUNHOURJST" envDefault:"6"`
	MaxBatchSizeBytes   int64         `env:"COMPACTION__MAXBATCHSIZEBYTES" envDefault:"536870912"`
	RowGroupSize        int           `env:"COMPACTION__ROWGROUPSIZE" envDefault:"10000"`
	LockDuration        time.Duration `env:"COMPACTION__LOCKDURATION" envDefault:"30m"`
	StalledRunThreshold time.Duration `env:"COMPACTION__STALLEDRUNTHRESHOLD" envDefault:"24h"`
}

// DefaultConfig returns the default compaction configuration.
func DefaultConfig() Config {
	return Config{
		PeriodicRunEnabled:  true,
		RunHourJST:          DefaultRunHourJST,
		MaxBatchSizeBytes:   DefaultMaxBatchSizeBytes,
		RowGroupSize:        10_000,
		LockDuration:        DefaultLockDuration,
		StalledRunThreshold: DefaultStalledRunThreshold,
	}
}

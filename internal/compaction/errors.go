package compaction

import "errors"

// ErrLockHeld reports that another instance currently holds the distributed
// compaction lock. Callers treat it as contention, not as a fault.
var ErrLockHeld = errors.New("compaction lock held")

// ErrRunInProgress reports that the stored run status shows an unfinished run
// that has not yet crossed the stalled threshold, so a new run must not start.
var ErrRunInProgress = errors.New("compaction run already in progress")

package compaction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SebastienMelki/mailvault/internal/identity"
	"github.com/SebastienMelki/mailvault/internal/objectstore"
)

// LockDocument is the JSON body of the distributed lock object. The lock is
// never deleted: releasing it rewrites the document with expiresAt in the
// past, so the object's ETag history stays linear and every transition is a
// compare-and-swap against the last observed version.
type LockDocument struct {
	LockID     string    `json:"lockId"`
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
	HostName   string    `json:"hostName"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (d LockDocument) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

func (d LockDocument) canonical() []byte {
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}

// LockService coordinates exclusive compaction runs through a single lock
// object. Ownership is the (lockId, ownerId) pair: lockId names one run and
// ownerId names one process instance, so neither a retried run nor a
// restarted process can mutate a lock it did not acquire.
type LockService struct {
	store    ObjectStore
	key      string
	ownerID  string
	hostName string
	duration time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewLockService returns a lock service writing to key. A non-positive
// duration selects DefaultLockDuration.
func NewLockService(store ObjectStore, key string, duration time.Duration, logger *slog.Logger) *LockService {
	if duration <= 0 {
		duration = DefaultLockDuration
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LockService{
		store:    store,
		key:      key,
		ownerID:  identity.InstanceID(),
		hostName: identity.HostName(),
		duration: duration,
		logger:   logger.With("component", "compaction_lock"),
		now:      time.Now,
	}
}

// Current returns the stored lock document, or nil when none exists.
func (l *LockService) Current(ctx context.Context) (*LockDocument, error) {
	data, _, err := l.store.Get(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var doc LockDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode lock: %w", err)
	}
	return &doc, nil
}

// TryAcquire claims the lock for lockID with a fresh lease. It fails with
// ErrLockHeld when an unexpired lock exists or when another writer wins the
// swap between our read and our conditional write.
func (l *LockService) TryAcquire(ctx context.Context, lockID string) error {
	data, etag, err := l.store.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}

	now := l.now().UTC()
	if data != nil {
		var current LockDocument
		if err := json.Unmarshal(data, &current); err != nil {
			l.logger.Warn("lock document is corrupt, replacing", "error", err)
		} else if !current.Expired(now) {
			return fmt.Errorf("%w: %s until %s", ErrLockHeld,
				current.OwnerID, current.ExpiresAt.UTC().Format(time.RFC3339))
		}
	}

	doc := LockDocument{
		LockID:     lockID,
		OwnerID:    l.ownerID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.duration),
		HostName:   l.hostName,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}

	if err := l.store.PutIf(ctx, l.key, body, etag); err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return fmt.Errorf("%w: lost the acquire race", ErrLockHeld)
		}
		return fmt.Errorf("write lock: %w", err)
	}
	l.logger.Info("lock acquired", "lock_id", lockID, "expires_at", doc.ExpiresAt)
	return nil
}

// Extend renews the lease of a lock this instance holds for lockID. A lock
// that is missing, owned by someone else, or swapped out concurrently leaves
// the store untouched and returns nil; only transport failures are errors.
func (l *LockService) Extend(ctx context.Context, lockID string) error {
	return l.renew(ctx, lockID, l.duration, "extend")
}

// Release ends this instance's hold on lockID by expiring the lease in
// place. Releasing a lock that is already released, missing, or owned by
// someone else is a no-op, so callers may release unconditionally.
func (l *LockService) Release(ctx context.Context, lockID string) error {
	return l.renew(ctx, lockID, 0, "release")
}

func (l *LockService) renew(ctx context.Context, lockID string, lease time.Duration, op string) error {
	data, etag, err := l.store.Get(ctx, l.key)
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	if data == nil {
		l.logger.Debug("lock missing, nothing to do", "op", op, "lock_id", lockID)
		return nil
	}

	var current LockDocument
	if err := json.Unmarshal(data, &current); err != nil {
		return fmt.Errorf("decode lock: %w", err)
	}
	if current.LockID != lockID || current.OwnerID != l.ownerID {
		l.logger.Debug("lock not ours, leaving it",
			"op", op, "lock_id", current.LockID, "owner_id", current.OwnerID)
		return nil
	}

	current.ExpiresAt = l.now().UTC().Add(lease)
	body, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	if err := l.store.PutIf(ctx, l.key, body, etag); err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			l.logger.Debug("lock changed concurrently, leaving it", "op", op, "lock_id", lockID)
			return nil
		}
		return fmt.Errorf("write lock: %w", err)
	}
	l.logger.Debug("lock lease updated", "op", op, "lock_id", lockID, "expires_at", current.ExpiresAt)
	return nil
}

// InvalidateIfExpired expires the stored lock when it still equals expected
// and expected's lease has already lapsed. It returns true when the lock was
// invalidated, false when the precondition did not hold or another writer got
// there first.
func (l *LockService) InvalidateIfExpired(ctx context.Context, expected LockDocument) (bool, error) {
	if !expected.Expired(l.now().UTC()) {
		return false, nil
	}
	return l.invalidate(ctx, expected)
}

// ForceInvalidate expires the stored lock when it still equals expected,
// regardless of the lease. It exists for recovering from stalled runs whose
// owner stopped saving progress; routine paths use InvalidateIfExpired.
func (l *LockService) ForceInvalidate(ctx context.Context, expected LockDocument) (bool, error) {
	return l.invalidate(ctx, expected)
}

func (l *LockService) invalidate(ctx context.Context, expected LockDocument) (bool, error) {
	data, etag, err := l.store.Get(ctx, l.key)
	if err != nil {
		return false, fmt.Errorf("read lock: %w", err)
	}
	if data == nil {
		return false, nil
	}

	var current LockDocument
	if err := json.Unmarshal(data, &current); err != nil {
		return false, fmt.Errorf("decode lock: %w", err)
	}
	if !bytes.Equal(current.canonical(), expected.canonical()) {
		l.logger.Debug("lock does not match expectation, leaving it",
			"lock_id", current.LockID, "owner_id", current.OwnerID)
		return false, nil
	}

	current.ExpiresAt = l.now().UTC()
	body, err := json.Marshal(current)
	if err != nil {
		return false, fmt.Errorf("encode lock: %w", err)
	}
	if err := l.store.PutIf(ctx, l.key, body, etag); err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("write lock: %w", err)
	}
	l.logger.Warn("lock invalidated",
		"lock_id", current.LockID, "owner_id", current.OwnerID, "host", current.HostName)
	return true, nil
}

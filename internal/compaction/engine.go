package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/SebastienMelki/mailvault/internal/archive"
	"github.com/SebastienMelki/mailvault/internal/observability"
)

// Engine rewrites raw per-webhook files into hourly compacted files. It keeps
// no local state: the bucket layout is the work queue, the lock object is the
// mutex, and the run status document is the progress log, so any instance can
// run it and a crashed run leaves nothing to repair beyond re-running.
type Engine struct {
	store         ObjectStore
	keys          archive.Keys
	lock          *LockService
	status        *StatusStore
	maxBatchBytes int64
	rowGroupSize  int
	stalledAfter  time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// NewEngine wires an engine from its parts. Non-positive limits in cfg fall
// back to the package defaults.
func NewEngine(store ObjectStore, keys archive.Keys, lock *LockService, status *StatusStore,
	cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Engine {
	if cfg.MaxBatchSizeBytes <= 0 {
		cfg.MaxBatchSizeBytes = DefaultMaxBatchSizeBytes
	}
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = archive.DefaultRowGroupSize
	}
	if cfg.StalledRunThreshold <= 0 {
		cfg.StalledRunThreshold = DefaultStalledRunThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:         store,
		keys:          keys,
		lock:          lock,
		status:        status,
		maxBatchBytes: cfg.MaxBatchSizeBytes,
		rowGroupSize:  cfg.RowGroupSize,
		stalledAfter:  cfg.StalledRunThreshold,
		metrics:       metrics,
		logger:        logger.With("component", "compaction_engine"),
		now:           time.Now,
	}
}

// Run executes one full compaction pass: refuse if a fresh run is already in
// flight, acquire the lock, plan the target days, compact each day in
// batches, and finalize. The lock is released and a terminal status is saved
// on every exit, including cancellation.
func (e *Engine) Run(ctx context.Context) error {
	start := e.now()
	result := "completed"
	defer func() {
		if e.metrics == nil {
			return
		}
		e.metrics.CompactionRuns.Add(ctx, 1,
			otelmetric.WithAttributes(attribute.String("result", result)))
		e.metrics.CompactionDuration.Record(ctx, float64(e.now().Sub(start))/float64(time.Millisecond))
	}()

	if err := e.guard(ctx); err != nil {
		if errors.Is(err, ErrRunInProgress) {
			result = "skipped"
		} else {
			result = "failed"
		}
		return err
	}

	lockID := uuid.NewString()
	logger := e.logger.With("lock_id", lockID)
	if err := e.lock.TryAcquire(ctx, lockID); err != nil {
		if errors.Is(err, ErrLockHeld) {
			result = "lock_held"
			if e.metrics != nil {
				e.metrics.CompactionLockContention.Add(ctx, 1)
			}
		} else {
			result = "failed"
		}
		return err
	}

	e.status.SetSaveHook(func(hctx context.Context) {
		if err := e.lock.Extend(hctx, lockID); err != nil {
			logger.Warn("lock extension failed", "error", err)
		}
	})

	began := false
	defer func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		e.status.SetSaveHook(nil)
		if err := e.lock.Release(fctx, lockID); err != nil {
			logger.Error("lock release failed", "error", err)
		}
		if !began {
			return
		}
		e.status.Update(func(s *RunStatus) {
			t := e.now().UTC()
			s.EndTime = &t
		})
		if err := e.status.Save(fctx); err != nil {
			logger.Error("terminal status save failed", "error", err)
		}
	}()

	days, err := e.plan(ctx)
	if err != nil {
		result = "failed"
		return fmt.Errorf("plan target days: %w", err)
	}

	labels := make([]string, len(days))
	prefixes := make([]string, len(days))
	for i, d := range days {
		labels[i] = dayLabel(d)
		prefixes[i] = e.keys.RawDay(d.Year(), int(d.Month()), d.Day())
	}
	e.status.Begin(lockID, labels, prefixes)
	began = true
	logger.Info("compaction run started", "target_days", len(days))
	e.saveStatus(ctx, logger)

	for _, day := range days {
		if ctx.Err() != nil {
			break
		}
		if err := e.processDay(ctx, day); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Error("day compaction failed", "day", dayLabel(day), "error", err)
			e.status.Update(func(s *RunStatus) { s.ErrorCount++ })
			continue
		}
		e.status.Update(func(s *RunStatus) { s.CompletedDays++ })
	}
	if err := ctx.Err(); err != nil {
		result = "cancelled"
		logger.Warn("compaction run cancelled")
		return err
	}

	snap := e.status.Snapshot()
	logger.Info("compaction run finished",
		"completed_days", snap.CompletedDays,
		"output_files", snap.OutputFilesCreated,
		"deleted_files", snap.DeletedOriginalFile,
		"failed_files", len(snap.FailedOriginalFiles),
		"errors", snap.ErrorCount,
	)
	return nil
}

// guard refuses to start while the stored status shows an unfinished run
// that is still making progress. An unfinished run whose last update is older
// than the stalled threshold is presumed dead; its lock is force-released so
// this run can take over.
func (e *Engine) guard(ctx context.Context) error {
	stored, err := e.status.Load(ctx)
	if err != nil {
		return err
	}
	if stored == nil || stored.Finished() {
		return nil
	}

	ref := stored.LastUpdated
	if ref.IsZero() {
		ref = stored.StartTime
	}
	age := e.now().Sub(ref)
	if age < e.stalledAfter {
		return fmt.Errorf("%w: lock %s, last update %s", ErrRunInProgress,
			stored.LockID, ref.UTC().Format(time.RFC3339))
	}

	e.logger.Warn("previous run looks stalled, reclaiming its lock",
		"lock_id", stored.LockID, "last_updated", ref, "age", age)
	current, err := e.lock.Current(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}
	if current.LockID != stored.LockID {
		return fmt.Errorf("%w: lock %s superseded the stalled run", ErrRunInProgress, current.LockID)
	}
	ok, err := e.lock.ForceInvalidate(ctx, *current)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: lock changed while reclaiming it", ErrRunInProgress)
	}
	return nil
}

// plan walks the raw partition tree and returns, in discovery order, every
// day at or before yesterday in UTC. Partition names that do not parse as
// numbers are skipped. Raw files are partitioned by JST ingestion date, so a
// JST day becomes eligible once UTC passes midnight of the following day,
// nine hours after the day closed in JST.
func (e *Engine) plan(ctx context.Context) ([]time.Time, error) {
	today := e.now().UTC()
	cutoff := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)

	var days []time.Time
	years, err := e.store.ListDirect(ctx, e.keys.RawRoot())
	if err != nil {
		return nil, fmt.Errorf("list years: %w", err)
	}
	for _, yearName := range years {
		year, ok := numericName(yearName)
		if !ok {
			continue
		}
		months, err := e.store.ListDirect(ctx, e.keys.RawYear(year))
		if err != nil {
			return nil, fmt.Errorf("list months of %04d: %w", year, err)
		}
		for _, monthName := range months {
			month, ok := numericName(monthName)
			if !ok {
				continue
			}
			dayNames, err := e.store.ListDirect(ctx, e.keys.RawMonth(year, month))
			if err != nil {
				return nil, fmt.Errorf("list days of %04d/%02d: %w", year, month, err)
			}
			for _, dayName := range dayNames {
				day, ok := numericName(dayName)
				if !ok {
					continue
				}
				date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
				if date.After(cutoff) {
					continue
				}
				days = append(days, date)
			}
		}
	}
	return days, nil
}

// processDay compacts one raw day partition batch by batch. Progress is
// saved after every batch so a crash resumes near where it stopped. A batch
// that settles no files at all ends the day early rather than spinning.
func (e *Engine) processDay(ctx context.Context, day time.Time) error {
	label := dayLabel(day)
	logger := e.logger.With("day", label)
	prefix := e.keys.RawDay(day.Year(), int(day.Month()), day.Day())

	files, err := e.store.ListFiles(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list raw files: %w", err)
	}
	n := 0
	for _, f := range files {
		if archive.IsArchiveFile(f) {
			files[n] = f
			n++
		}
	}
	files = files[:n]
	if len(files) == 0 {
		logger.Info("no raw files for day, skipping")
		return nil
	}

	logger.Info("compacting day", "files", len(files))
	e.status.Update(func(s *RunStatus) {
		s.CurrentDay = label
		s.CurrentDayTotalFiles = len(files)
		s.CurrentDayProcessedFiles = 0
		s.CurrentDayProcessedBytes = 0
	})
	e.saveStatus(ctx, logger)

	remaining := files
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		consumed, err := e.runBatch(ctx, logger, remaining)
		if err != nil {
			return err
		}
		e.saveStatus(ctx, logger)
		if consumed == 0 {
			logger.Warn("batch settled no files, abandoning day", "remaining", len(remaining))
			e.status.Update(func(s *RunStatus) { s.ErrorCount++ })
			break
		}
		remaining = remaining[consumed:]
	}
	return nil
}

// runBatch settles a contiguous prefix of files: read up to the byte cap,
// write one compacted file per event hour, verify every output by reading it
// back, and delete the batch's raw inputs only when every output verified.
// It returns how many of files were settled (read, failed, or skipped as
// empty); a file stopped by the byte cap is left for the next batch.
func (e *Engine) runBatch(ctx context.Context, logger *slog.Logger, files []string) (int, error) {
	var (
		records    []archive.Record
		processed  []string
		consumed   int
		batchBytes int64
	)

	for _, key := range files {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}
		data, _, err := e.store.Get(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return consumed, ctx.Err()
			}
			logger.Warn("raw file read failed", "key", key, "error", err)
			e.recordFailedOriginal(ctx, key)
			consumed++
			continue
		}
		if batchBytes+int64(len(data)) > e.maxBatchBytes {
			break
		}
		if data == nil {
			logger.Warn("raw file vanished before compaction", "key", key)
			processed = append(processed, key)
			consumed++
			continue
		}
		if len(data) == 0 {
			logger.Warn("raw file is empty, treating as processed", "key", key)
			processed = append(processed, key)
			consumed++
			continue
		}
		reader, err := archive.OpenReader(data)
		if err != nil {
			logger.Warn("raw file unreadable", "key", key, "error", err)
			e.recordFailedOriginal(ctx, key)
			consumed++
			continue
		}
		for i := 0; i < reader.RowGroups(); i++ {
			records = append(records, reader.ReadRowGroup(i)...)
		}
		size := int64(len(data))
		batchBytes += size
		processed = append(processed, key)
		consumed++
		e.status.Update(func(s *RunStatus) {
			s.CurrentDayProcessedFiles++
			s.CurrentDayProcessedBytes += size
			s.LastProcessedFile = key
		})
		if e.metrics != nil {
			e.metrics.CompactionFilesCompacted.Add(ctx, 1)
			e.metrics.CompactionBytesRead.Add(ctx, size)
		}
	}

	written, verified, err := e.writeHourFiles(ctx, logger, records)
	if err != nil {
		return consumed, err
	}
	if ok, err := e.verifyOutputs(ctx, logger, written); err != nil {
		return consumed, err
	} else if !ok {
		verified = false
	}

	if !verified {
		logger.Warn("batch outputs incomplete, keeping raw inputs", "raw_files", len(processed))
		return consumed, nil
	}
	for _, key := range processed {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}
		if err := e.store.Delete(ctx, key); err != nil {
			logger.Error("raw file delete failed", "key", key, "error", err)
			e.status.Update(func(s *RunStatus) { s.ErrorCount++ })
			continue
		}
		e.status.Update(func(s *RunStatus) { s.DeletedOriginalFile++ })
	}
	return consumed, nil
}

// writeHourFiles groups records by event hour and uploads one compacted file
// per hour, partitioned by the JST calendar date and hour of the bucket's
// first event. A failed upload is recorded and the remaining hours still go
// out; the returned flag is false if any upload failed.
func (e *Engine) writeHourFiles(ctx context.Context, logger *slog.Logger, records []archive.Record) ([]string, bool, error) {
	if len(records) == 0 {
		return nil, true, nil
	}

	buckets := make(map[int64][]archive.Record)
	for _, rec := range records {
		h := rec.Timestamp / 3600
		buckets[h] = append(buckets[h], rec)
	}
	hours := make([]int64, 0, len(buckets))
	for h := range buckets {
		hours = append(hours, h)
	}
	slices.Sort(hours)

	written := make([]string, 0, len(hours))
	allOK := true
	for _, h := range hours {
		if err := ctx.Err(); err != nil {
			return written, allOK, err
		}
		bucket := buckets[h]
		body, rows, err := archive.Encode(bucket, e.rowGroupSize)
		if err != nil {
			return written, allOK, fmt.Errorf("encode hour bucket: %w", err)
		}
		first := time.Unix(bucket[0].Timestamp, 0).In(archive.JST)
		key := e.keys.CompactedFileKey(first, first.Hour(), body)
		if err := e.store.Put(ctx, key, body); err != nil {
			if ctx.Err() != nil {
				return written, allOK, ctx.Err()
			}
			logger.Error("compacted file upload failed", "key", key, "error", err)
			e.recordFailedOutput(ctx, key)
			allOK = false
			continue
		}
		written = append(written, key)
		e.status.Update(func(s *RunStatus) {
			s.OutputFilesCreated++
			s.LastOutputFile = key
		})
		if e.metrics != nil {
			e.metrics.StoreFilesWritten.Add(ctx, 1,
				otelmetric.WithAttributes(attribute.String("prefix", "compacted")))
			e.metrics.StoreFileSize.Record(ctx, int64(len(body)))
		}
		logger.Info("compacted file written", "key", key, "rows", rows, "size_bytes", len(body))
	}
	return written, allOK, nil
}

// verifyOutputs reads each uploaded file back and opens it. A file that
// cannot be read back whole is deleted and recorded as a failed output so
// the batch keeps its raw inputs.
func (e *Engine) verifyOutputs(ctx context.Context, logger *slog.Logger, written []string) (bool, error) {
	allOK := true
	for _, key := range written {
		if err := ctx.Err(); err != nil {
			return allOK, err
		}
		body, _, err := e.store.Get(ctx, key)
		if err == nil && body == nil {
			err = errors.New("object missing after upload")
		}
		var reader *archive.Reader
		if err == nil {
			reader, err = archive.OpenReader(body)
		}
		if err != nil {
			if ctx.Err() != nil {
				return allOK, ctx.Err()
			}
			logger.Error("compacted file failed verification, removing it", "key", key, "error", err)
			if derr := e.store.Delete(ctx, key); derr != nil {
				logger.Error("broken output delete failed", "key", key, "error", derr)
			}
			e.recordFailedOutput(ctx, key)
			allOK = false
			continue
		}
		logger.Info("compacted file verified", "key", key, "row_groups", reader.RowGroups())
	}
	return allOK, nil
}

func (e *Engine) saveStatus(ctx context.Context, logger *slog.Logger) {
	if err := e.status.Save(ctx); err != nil {
		logger.Warn("status save failed", "error", err)
		e.status.Update(func(s *RunStatus) { s.ErrorCount++ })
	}
}

func (e *Engine) recordFailedOriginal(ctx context.Context, key string) {
	e.status.Update(func(s *RunStatus) {
		s.FailedOriginalFiles = append(s.FailedOriginalFiles, key)
		s.ErrorCount++
	})
	if e.metrics != nil {
		e.metrics.CompactionFilesFailed.Add(ctx, 1)
	}
}

func (e *Engine) recordFailedOutput(ctx context.Context, key string) {
	e.status.Update(func(s *RunStatus) {
		s.FailedOutputFiles = append(s.FailedOutputFiles, key)
		s.ErrorCount++
	})
	if e.metrics != nil {
		e.metrics.StoreFailures.Add(ctx, 1)
	}
}

func dayLabel(day time.Time) string {
	return day.Format("2006-01-02")
}

func numericName(name string) (int, bool) {
	n, err := strconv.Atoi(name)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

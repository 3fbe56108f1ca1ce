package compaction

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/SebastienMelki/mailvault/internal/archive"
)

// DefaultRunHourJST is the JST hour of day for the scheduled daily run.
const DefaultRunHourJST = 6

const (
	minStartJitter = 5 * time.Second
	maxStartJitter = 30 * time.Second
)

// Scheduler triggers one compaction run per day at a fixed JST hour. Each
// process draws its jitter once at construction, so instances started
// together aim at slightly different instants; the distributed lock settles
// whatever overlap remains.
type Scheduler struct {
	run    func(context.Context) error
	hour   int
	jitter time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler returns a scheduler invoking run daily at hourJST o'clock JST.
// Hours outside 0..23 fall back to DefaultRunHourJST.
func NewScheduler(run func(context.Context) error, hourJST int, logger *slog.Logger) *Scheduler {
	if hourJST < 0 || hourJST > 23 {
		hourJST = DefaultRunHourJST
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:    run,
		hour:   hourJST,
		jitter: minStartJitter + rand.N(maxStartJitter-minStartJitter),
		logger: logger.With("component", "compaction_scheduler"),
		now:    time.Now,
	}
}

// Start launches the schedule loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)
}

// Stop halts the schedule loop and waits for it to exit. A run already in
// flight finishes on its own clock.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (s *Scheduler) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	for {
		next := s.nextRunAfter(s.now())
		s.logger.Info("next compaction run scheduled", "at", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := s.run(ctx); err != nil {
			s.logger.Error("scheduled compaction run failed", "error", err)
		}
	}
}

// nextRunAfter returns the first scheduled instant strictly after now: today's
// run hour in JST plus this process's jitter, or the same time tomorrow when
// that has already passed. JST has no transitions, so adding a day is exact.
func (s *Scheduler) nextRunAfter(now time.Time) time.Time {
	jst := now.In(archive.JST)
	next := time.Date(jst.Year(), jst.Month(), jst.Day(), s.hour, 0, 0, 0, archive.JST).Add(s.jitter)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

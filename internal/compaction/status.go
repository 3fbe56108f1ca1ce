package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// RunStatus is the progress document a compaction run keeps alongside the
// compacted files. It is always written as a whole; the field names are part
// of the stored layout and must not change. A document with a null endTime
// describes a run that is still in flight (or one that died without
// finalizing, which the stalled threshold eventually reclaims).
type RunStatus struct {
	LockID                   string     `json:"lockId"`
	StartTime                time.Time  `json:"startTime"`
	EndTime                  *time.Time `json:"endTime,omitempty"`
	TargetDays               []string   `json:"targetDays"`
	TargetPathPrefixes       []string   `json:"targetPathPrefixes"`
	CompletedDays            int        `json:"completedDays"`
	CurrentDay               string     `json:"currentDay,omitempty"`
	CurrentDayTotalFiles     int        `json:"currentDayTotalFiles,omitempty"`
	CurrentDayProcessedFiles int        `json:"currentDayProcessedFiles,omitempty"`
	CurrentDayProcessedBytes int64      `json:"currentDayProcessedBytes,omitempty"`
	LastProcessedFile        string     `json:"lastProcessedFile,omitempty"`
	FailedOriginalFiles      []string   `json:"failedOriginalFiles"`
	DeletedOriginalFile      int        `json:"deletedOriginalFile"`
	OutputFilesCreated       int        `json:"outputFilesCreated"`
	LastOutputFile           string     `json:"lastOutputFile,omitempty"`
	FailedOutputFiles        []string   `json:"failedOutputFiles"`
	LastUpdated              time.Time  `json:"lastUpdated"`
	ErrorCount               int        `json:"errorCount"`
}

// Finished reports whether the run has been finalized.
func (s RunStatus) Finished() bool {
	return s.EndTime != nil
}

func (s RunStatus) clone() RunStatus {
	out := s
	out.TargetDays = slices.Clone(s.TargetDays)
	out.TargetPathPrefixes = slices.Clone(s.TargetPathPrefixes)
	out.FailedOriginalFiles = slices.Clone(s.FailedOriginalFiles)
	out.FailedOutputFiles = slices.Clone(s.FailedOutputFiles)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return out
}

// StatusStore owns the in-memory run status and its stored copy. All
// mutations go through Update so lastUpdated advances on every observable
// change; Save serializes a snapshot without holding the mutex across
// network calls. A save hook, when set, runs after each successful save so
// the engine can piggyback lock extension on the write it already makes.
type StatusStore struct {
	store  ObjectStore
	key    string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	doc      RunStatus
	saveHook func(context.Context)
	watchers []chan RunStatus
}

// NewStatusStore returns a status store writing to key.
func NewStatusStore(store ObjectStore, key string, logger *slog.Logger) *StatusStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusStore{
		store:  store,
		key:    key,
		logger: logger.With("component", "compaction_status"),
		now:    time.Now,
	}
}

// SetSaveHook installs fn to run after every successful Save. Passing nil
// removes the hook.
func (s *StatusStore) SetSaveHook(fn func(context.Context)) {
	s.mu.Lock()
	s.saveHook = fn
	s.mu.Unlock()
}

// Begin resets the document for a new run identified by lockID.
func (s *StatusStore) Begin(lockID string, targetDays, targetPrefixes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	s.doc = RunStatus{
		LockID:              lockID,
		StartTime:           now,
		TargetDays:          slices.Clone(targetDays),
		TargetPathPrefixes:  slices.Clone(targetPrefixes),
		FailedOriginalFiles: []string{},
		FailedOutputFiles:   []string{},
		LastUpdated:         now,
	}
	if s.doc.TargetDays == nil {
		s.doc.TargetDays = []string{}
	}
	if s.doc.TargetPathPrefixes == nil {
		s.doc.TargetPathPrefixes = []string{}
	}
	s.notifyLocked()
}

// Update applies fn to the document and bumps lastUpdated past its previous
// value, so watchers and the guard can order observations even under a
// coarse or frozen clock.
func (s *StatusStore) Update(fn func(*RunStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.doc)
	now := s.now().UTC()
	if !now.After(s.doc.LastUpdated) {
		now = s.doc.LastUpdated.Add(time.Millisecond)
	}
	s.doc.LastUpdated = now
	s.notifyLocked()
}

// Snapshot returns a copy of the current document.
func (s *StatusStore) Snapshot() RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.clone()
}

// Save writes the current document to the store and then runs the save hook.
func (s *StatusStore) Save(ctx context.Context) error {
	s.mu.Lock()
	snap := s.doc.clone()
	hook := s.saveHook
	s.mu.Unlock()

	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode run status: %w", err)
	}
	if err := s.store.Put(ctx, s.key, body); err != nil {
		return fmt.Errorf("write run status: %w", err)
	}
	if hook != nil {
		hook(ctx)
	}
	return nil
}

// Load reads the stored document. A missing document returns nil; a document
// that no longer parses is logged and treated as missing so one corrupt
// write cannot block every future run.
func (s *StatusStore) Load(ctx context.Context) (*RunStatus, error) {
	data, _, err := s.store.Get(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("read run status: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var doc RunStatus
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("stored run status is corrupt, ignoring it", "error", err)
		return nil, nil
	}
	return &doc, nil
}

// Subscribe returns a channel receiving a snapshot after every change. The
// channel holds only the latest snapshot: a slow receiver sees the newest
// state, never a backlog. Subscriptions last for the life of the store.
func (s *StatusStore) Subscribe() <-chan RunStatus {
	ch := make(chan RunStatus, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}

func (s *StatusStore) notifyLocked() {
	snap := s.doc.clone()
	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

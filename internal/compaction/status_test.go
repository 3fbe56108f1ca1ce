package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const testStatusKey = "compacted/v1/run.json"

func newTestStatus(store *fakeStore, clock *fakeClock) *StatusStore {
	s := NewStatusStore(store, testStatusKey, testLogger())
	s.now = clock.Now
	return s
}

func TestBeginInitializesDocument(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	status.Begin("run-1", []string{"2025-05-30", "2025-05-31"}, []string{"raw/v1/2025/05/30/", "raw/v1/2025/05/31/"})

	snap := status.Snapshot()
	if snap.LockID != "run-1" {
		t.Errorf("lockId = %q, want run-1", snap.LockID)
	}
	if !snap.StartTime.Equal(clock.Now()) {
		t.Errorf("startTime = %v, want %v", snap.StartTime, clock.Now())
	}
	if snap.EndTime != nil {
		t.Error("endTime set on a fresh run")
	}
	if len(snap.TargetDays) != 2 || snap.TargetDays[0] != "2025-05-30" {
		t.Errorf("targetDays = %v", snap.TargetDays)
	}
	if snap.FailedOriginalFiles == nil || snap.FailedOutputFiles == nil {
		t.Error("failure lists must be initialized, not nil")
	}
	if !snap.LastUpdated.Equal(clock.Now()) {
		t.Errorf("lastUpdated = %v, want %v", snap.LastUpdated, clock.Now())
	}
}

func TestUpdateAdvancesLastUpdated(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	status.Begin("run-1", nil, nil)
	first := status.Snapshot().LastUpdated

	// The clock does not move; lastUpdated must still advance.
	status.Update(func(s *RunStatus) { s.CompletedDays++ })
	second := status.Snapshot().LastUpdated
	if !second.After(first) {
		t.Fatalf("lastUpdated %v did not advance past %v under a frozen clock", second, first)
	}

	clock.Advance(time.Minute)
	status.Update(func(s *RunStatus) { s.CompletedDays++ })
	third := status.Snapshot().LastUpdated
	if !third.Equal(clock.Now()) {
		t.Fatalf("lastUpdated = %v, want clock time %v", third, clock.Now())
	}
}

func TestSaveWritesStoredLayout(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	status.Begin("run-1", []string{"2025-05-31"}, []string{"raw/v1/2025/05/31/"})
	if err := status.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(store.object(testStatusKey), &doc); err != nil {
		t.Fatalf("decode stored status: %v", err)
	}
	for _, field := range []string{
		"lockId", "startTime", "targetDays", "targetPathPrefixes",
		"completedDays", "failedOriginalFiles", "deletedOriginalFile",
		"outputFilesCreated", "failedOutputFiles", "lastUpdated", "errorCount",
	} {
		if _, ok := doc[field]; !ok {
			t.Errorf("stored status is missing %q", field)
		}
	}
	for _, field := range []string{"endTime", "currentDay", "currentDayTotalFiles", "lastProcessedFile"} {
		if _, ok := doc[field]; ok {
			t.Errorf("stored status has %q before it was set", field)
		}
	}
	if doc["lockId"] != "run-1" {
		t.Errorf("lockId = %v", doc["lockId"])
	}

	status.Update(func(s *RunStatus) {
		now := clock.Now()
		s.EndTime = &now
		s.CurrentDay = "2025-05-31"
	})
	if err := status.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := json.Unmarshal(store.object(testStatusKey), &doc); err != nil {
		t.Fatalf("decode stored status: %v", err)
	}
	if _, ok := doc["endTime"]; !ok {
		t.Error("endTime missing after finalize")
	}
	if doc["currentDay"] != "2025-05-31" {
		t.Errorf("currentDay = %v", doc["currentDay"])
	}
}

func TestSaveRunsHookAfterWrite(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	calls := 0
	status.SetSaveHook(func(context.Context) { calls++ })

	status.Begin("run-1", nil, nil)
	if err := status.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hook ran %d times, want 1", calls)
	}

	store.failWith("PUT", testStatusKey, errors.New("store down"))
	if err := status.Save(context.Background()); err == nil {
		t.Fatal("Save succeeded against a failing store")
	}
	if calls != 1 {
		t.Fatalf("hook ran on a failed save (%d calls)", calls)
	}

	status.SetSaveHook(nil)
	store.clearFailure("PUT", testStatusKey)
	if err := status.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if calls != 1 {
		t.Fatal("hook ran after being removed")
	}
}

func TestLoad(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	doc, err := status.Load(context.Background())
	if err != nil {
		t.Fatalf("Load on empty store: %v", err)
	}
	if doc != nil {
		t.Fatalf("Load = %+v, want nil", doc)
	}

	status.Begin("run-1", []string{"2025-05-31"}, []string{"raw/v1/2025/05/31/"})
	status.Update(func(s *RunStatus) {
		s.CompletedDays = 1
		s.OutputFilesCreated = 4
	})
	if err := status.Save(context.Background()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	doc, err = status.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc == nil {
		t.Fatal("Load returned nil after save")
	}
	if doc.LockID != "run-1" || doc.CompletedDays != 1 || doc.OutputFilesCreated != 4 {
		t.Errorf("Load = %+v", doc)
	}
}

func TestLoadTreatsCorruptAsMissing(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	store.putObject(testStatusKey, []byte("{not json"))
	doc, err := status.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc != nil {
		t.Fatalf("Load = %+v, want nil for corrupt document", doc)
	}
}

func TestSubscribeKeepsLatestOnly(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	ch := status.Subscribe()
	status.Begin("run-1", nil, nil)
	for i := 0; i < 3; i++ {
		status.Update(func(s *RunStatus) { s.CompletedDays++ })
	}

	snap := <-ch
	if snap.CompletedDays != 3 {
		t.Fatalf("received completedDays = %d, want the latest value 3", snap.CompletedDays)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra snapshot: %+v", extra)
	default:
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	store := newFakeStore()
	clock := newFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	status := newTestStatus(store, clock)

	status.Begin("run-1", []string{"2025-05-31"}, nil)
	snap := status.Snapshot()
	snap.TargetDays[0] = "mutated"
	snap.FailedOriginalFiles = append(snap.FailedOriginalFiles, "x")

	if got := status.Snapshot(); got.TargetDays[0] != "2025-05-31" || len(got.FailedOriginalFiles) != 0 {
		t.Errorf("snapshot mutation leaked into the store: %+v", got)
	}
}

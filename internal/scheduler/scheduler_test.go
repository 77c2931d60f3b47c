package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
)

type memScheduleStore struct {
	mu    sync.Mutex
	items map[string]*ScheduledExecution
	runs  map[string]string // schedule id -> last recorded status
}

func newMemScheduleStore() *memScheduleStore {
	return &memScheduleStore{
		items: make(map[string]*ScheduledExecution),
		runs:  make(map[string]string),
	}
}

func (m *memScheduleStore) add(s *ScheduledExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.items[s.ID] = &cp
}

func (m *memScheduleStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*ScheduledExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*ScheduledExecution
	for _, s := range m.items {
		if s.IsActive && !s.NextRunAt.After(now) {
			cp := *s
			due = append(due, &cp)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (m *memScheduleStore) ClaimSchedule(ctx context.Context, id string, now, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || !s.IsActive || s.NextRunAt.After(now) {
		return false, nil
	}
	s.NextRunAt = next
	return true, nil
}

func (m *memScheduleStore) RecordScheduleRun(ctx context.Context, id, lastStatus string, ranAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[id]; ok {
		s.LastRunAt = &ranAt
		s.LastStatus = lastStatus
	}
	m.runs[id] = lastStatus
	return nil
}

func (m *memScheduleStore) nextRunAt(id string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id].NextRunAt
}

func (m *memScheduleStore) lastStatus(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

type stubRunner struct {
	mu     sync.Mutex
	calls  map[string]int
	status engine.ExecutionStatus
	err    error
}

func newStubRunner(status engine.ExecutionStatus, err error) *stubRunner {
	return &stubRunner{calls: make(map[string]int), status: status, err: err}
}

func (r *stubRunner) Run(ctx context.Context, orchestrationID string, input engine.ExecutionInput) (*engine.Execution, error) {
	r.mu.Lock()
	r.calls[orchestrationID]++
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return &engine.Execution{OrchestrationID: orchestrationID, Status: r.status}, nil
}

func (r *stubRunner) callCount(orchestrationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[orchestrationID]
}

func dueSchedule(id, orchID string) *ScheduledExecution {
	return &ScheduledExecution{
		ID:              id,
		OrchestrationID: orchID,
		CronExpr:        "0 * * * *",
		IsActive:        true,
		NextRunAt:       time.Now().Add(-time.Minute),
		InputTemplate:   engine.ExecutionInput{Text: "scheduled run"},
	}
}

func TestTickRunsDueSchedules(t *testing.T) {
	store := newMemScheduleStore()
	store.add(dueSchedule("s1", "o1"))
	runner := newStubRunner(engine.ExecutionCompleted, nil)
	s := New(store, runner, time.Hour, 50, 4, zap.NewNop())

	s.Tick(context.Background())

	if runner.callCount("o1") != 1 {
		t.Fatalf("runs = %d, want 1", runner.callCount("o1"))
	}
	if got := store.lastStatus("s1"); got != "success" {
		t.Errorf("last status = %q, want success", got)
	}
	if !store.nextRunAt("s1").After(time.Now()) {
		t.Error("next run not advanced into the future")
	}
}

func TestTickSkipsInactiveAndFuture(t *testing.T) {
	store := newMemScheduleStore()
	inactive := dueSchedule("s1", "o1")
	inactive.IsActive = false
	store.add(inactive)
	future := dueSchedule("s2", "o2")
	future.NextRunAt = time.Now().Add(time.Hour)
	store.add(future)

	runner := newStubRunner(engine.ExecutionCompleted, nil)
	s := New(store, runner, time.Hour, 50, 4, zap.NewNop())
	s.Tick(context.Background())

	if runner.callCount("o1")+runner.callCount("o2") != 0 {
		t.Error("inactive or future schedule was run")
	}
}

func TestFailedRunStillAdvancesNextRun(t *testing.T) {
	store := newMemScheduleStore()
	store.add(dueSchedule("s1", "o1"))
	runner := newStubRunner("", errors.New("orchestration gone"))
	s := New(store, runner, time.Hour, 50, 4, zap.NewNop())

	before := store.nextRunAt("s1")
	s.Tick(context.Background())

	if got := store.lastStatus("s1"); got != "error" {
		t.Errorf("last status = %q, want error", got)
	}
	if !store.nextRunAt("s1").After(before) {
		t.Error("failed run did not advance next_run_at")
	}

	// The same window is not reprocessed.
	s.Tick(context.Background())
	if runner.callCount("o1") != 1 {
		t.Errorf("runs = %d, a broken schedule must degrade to one run per period", runner.callCount("o1"))
	}
}

func TestNonCompletedStatusRecorded(t *testing.T) {
	store := newMemScheduleStore()
	store.add(dueSchedule("s1", "o1"))
	runner := newStubRunner(engine.ExecutionRateLimited, nil)
	s := New(store, runner, time.Hour, 50, 4, zap.NewNop())

	s.Tick(context.Background())
	if got := store.lastStatus("s1"); got != string(engine.ExecutionRateLimited) {
		t.Errorf("last status = %q, want %s", got, engine.ExecutionRateLimited)
	}
}

func TestConcurrentTicksClaimOnce(t *testing.T) {
	store := newMemScheduleStore()
	store.add(dueSchedule("s1", "o1"))
	runner := newStubRunner(engine.ExecutionCompleted, nil)
	s := New(store, runner, time.Hour, 50, 4, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(context.Background())
		}()
	}
	wg.Wait()

	if runner.callCount("o1") != 1 {
		t.Fatalf("runs = %d, claim must admit exactly one tick", runner.callCount("o1"))
	}
}

func TestBatchIsolation(t *testing.T) {
	store := newMemScheduleStore()
	store.add(dueSchedule("ok", "good"))
	store.add(dueSchedule("bad", "broken"))

	runner := newStubRunner(engine.ExecutionCompleted, nil)
	// Fail only the broken orchestration.
	base := runner
	s := New(store, failFor{base, "broken"}, time.Hour, 50, 4, zap.NewNop())

	s.Tick(context.Background())

	if base.callCount("good") != 1 {
		t.Errorf("good schedule runs = %d, want 1", base.callCount("good"))
	}
	if store.lastStatus("ok") != "success" {
		t.Errorf("good schedule status = %q", store.lastStatus("ok"))
	}
	if store.lastStatus("bad") != "error" {
		t.Errorf("broken schedule status = %q", store.lastStatus("bad"))
	}
}

type failFor struct {
	inner *stubRunner
	orch  string
}

func (f failFor) Run(ctx context.Context, orchestrationID string, input engine.ExecutionInput) (*engine.Execution, error) {
	if orchestrationID == f.orch {
		f.inner.mu.Lock()
		f.inner.calls[orchestrationID]++
		f.inner.mu.Unlock()
		return nil, errors.New("boom")
	}
	return f.inner.Run(ctx, orchestrationID, input)
}

package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/delegate"
	"github.com/ashveil/cascade/internal/engine"
	"github.com/ashveil/cascade/internal/scheduler"
)

// newTestStore starts a PostgreSQL testcontainer and migrates it. Tests
// are skipped unless CASCADE_E2E is set, so the suite runs without
// Docker by default.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("CASCADE_E2E") == "" {
		t.Skip("set CASCADE_E2E=1 to run store integration tests (requires Docker)")
	}

	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("cascade_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pg connection string: %v", err)
	}

	s, err := New(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Migrate(ctx, "../../migrations"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedOrchestration(t *testing.T, s *Store, id string) *engine.Orchestration {
	t.Helper()
	o := &engine.Orchestration{
		ID:       id,
		Name:     "pipeline " + id,
		Strategy: engine.StrategySequential,
		Steps:    []engine.AgentStep{{AgentID: "a1", Role: "researcher", Instruction: "dig in"}},
		Config:   engine.OrchestrationConfig{CoordinatorRole: "lead"},
		Status:   "active",
	}
	if err := s.SaveOrchestration(context.Background(), o); err != nil {
		t.Fatalf("save orchestration: %v", err)
	}
	return o
}

func seedExecution(t *testing.T, s *Store, orchID, id string) *engine.Execution {
	t.Helper()
	ex := &engine.Execution{
		ID:              id,
		OrchestrationID: orchID,
		Status:          engine.ExecutionPending,
		Input:           engine.ExecutionInput{Text: "do the thing"},
		ShareToken:      "token-" + id,
	}
	if err := s.CreateExecution(context.Background(), ex); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	return ex
}

func TestAgentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &engine.Agent{ID: "a1", Name: "Researcher", Role: "researcher", SystemPrompt: "be thorough", Model: "m1", ProviderID: "p1"}
	if err := s.SaveAgent(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Agent(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Researcher" || got.Model != "m1" {
		t.Errorf("agent = %+v", got)
	}

	a.Name = "Renamed"
	if err := s.SaveAgent(ctx, a); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _ = s.Agent(ctx, "a1")
	if got.Name != "Renamed" {
		t.Errorf("upsert did not stick: %q", got.Name)
	}

	if err := s.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Agent(ctx, "a1"); err == nil {
		t.Error("agent still present after delete")
	}
}

func TestOrchestrationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrchestration(t, s, "o1")
	got, err := s.GetOrchestration(ctx, "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].Instruction != "dig in" {
		t.Errorf("steps = %+v", got.Steps)
	}
	if got.Config.CoordinatorRole != "lead" {
		t.Errorf("config = %+v", got.Config)
	}
}

func TestExecutionLifecycleCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrchestration(t, s, "o1")
	ex := seedExecution(t, s, "o1", "e1")

	ok, err := s.MarkExecutionRunning(ctx, ex.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("mark running: ok=%v err=%v", ok, err)
	}
	// The second runner loses.
	ok, err = s.MarkExecutionRunning(ctx, ex.ID, time.Now())
	if err != nil || ok {
		t.Fatalf("second mark running: ok=%v err=%v, want false", ok, err)
	}

	ok, err = s.FinishExecution(ctx, ex.ID, engine.ExecutionCompleted,
		&engine.ExecutionOutput{Text: "final"}, "", time.Now(), 100, 7)
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}
	// A racing terminal write loses.
	ok, err = s.FinishExecution(ctx, ex.ID, engine.ExecutionCancelled, nil, "late", time.Now(), 0, 0)
	if err != nil || ok {
		t.Fatalf("second finish: ok=%v err=%v, want false", ok, err)
	}

	got, err := s.GetExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != engine.ExecutionCompleted || got.Output.Text != "final" {
		t.Errorf("execution = %+v", got)
	}
	if got.TokensUsed != 7 || got.DurationMs != 100 {
		t.Errorf("tokens=%d duration=%d", got.TokensUsed, got.DurationMs)
	}
}

func TestAppendStepResultConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrchestration(t, s, "o1")
	ex := seedExecution(t, s, "o1", "e1")
	s.MarkExecutionRunning(ctx, ex.ID, time.Now())

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := engine.AgentStepResult{AgentID: "a1", Role: "worker", Output: "out", StepIndex: i, TokensUsed: 2}
			if err := s.AppendStepResult(ctx, ex.ID, res); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetExecution(ctx, ex.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.AgentResults) != n {
		t.Errorf("results = %d, want %d (concurrent appends must not clobber)", len(got.AgentResults), n)
	}
	if got.TokensUsed != 2*n {
		t.Errorf("tokens = %d, want %d", got.TokensUsed, 2*n)
	}
}

func TestExecutionShareTokenLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrchestration(t, s, "o1")
	ex := seedExecution(t, s, "o1", "e1")

	got, err := s.GetExecutionByShareToken(ctx, ex.ShareToken)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ID != ex.ID {
		t.Errorf("id = %s, want %s", got.ID, ex.ID)
	}
	if _, err := s.GetExecutionByShareToken(ctx, "bogus"); err == nil {
		t.Error("bogus token resolved")
	}
}

func TestListDelegationsDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for _, rec := range []struct{ id, from, to string }{
		{"d1", "alice", "bob"},
		{"d2", "bob", "alice"},
		{"d3", "bob", "carol"},
	} {
		d := &delegate.Delegation{
			ID:          rec.id,
			FromAgentID: rec.from,
			ToAgentID:   rec.to,
			Message:     "help",
			Status:      delegate.StatusCompleted,
			CreatedAt:   now,
		}
		if err := s.CreateDelegation(ctx, d); err != nil {
			t.Fatalf("create delegation: %v", err)
		}
	}

	sent, err := s.ListDelegations(ctx, "alice", "sent", 10)
	if err != nil {
		t.Fatalf("list sent: %v", err)
	}
	if len(sent) != 1 || sent[0].ToAgentID != "bob" {
		t.Errorf("sent = %+v, want only alice->bob", sent)
	}

	received, err := s.ListDelegations(ctx, "alice", "received", 10)
	if err != nil {
		t.Fatalf("list received: %v", err)
	}
	if len(received) != 1 || received[0].FromAgentID != "bob" {
		t.Errorf("received = %+v, want only bob->alice", received)
	}

	both, err := s.ListDelegations(ctx, "alice", "", 10)
	if err != nil {
		t.Fatalf("list both: %v", err)
	}
	if len(both) != 2 {
		t.Errorf("both = %d, want 2", len(both))
	}
}

func TestClaimScheduleContention(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedOrchestration(t, s, "o1")
	now := time.Now()
	sched := &scheduler.ScheduledExecution{
		ID:              "s1",
		OrchestrationID: "o1",
		CronExpr:        "0 * * * *",
		IsActive:        true,
		NextRunAt:       now.Add(-time.Minute),
		InputTemplate:   engine.ExecutionInput{Text: "scheduled"},
		Label:           "hourly",
	}
	if err := s.SaveSchedule(ctx, sched); err != nil {
		t.Fatalf("save schedule: %v", err)
	}

	due, err := s.ListDueSchedules(ctx, now, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %d err=%v, want 1", len(due), err)
	}

	next := now.Add(time.Hour)
	var claims int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimSchedule(ctx, "s1", now, next)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claims != 1 {
		t.Fatalf("claims = %d, want exactly 1", claims)
	}

	// No longer due.
	due, _ = s.ListDueSchedules(ctx, now, 10)
	if len(due) != 0 {
		t.Errorf("due after claim = %d, want 0", len(due))
	}

	if err := s.RecordScheduleRun(ctx, "s1", "success", now); err != nil {
		t.Fatalf("record run: %v", err)
	}
	got, err := s.GetSchedule(ctx, "s1")
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastStatus != "success" || got.LastRunAt == nil {
		t.Errorf("schedule = %+v", got)
	}
}

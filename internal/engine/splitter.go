package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/taskparse"
)

// runTasks splits a coordinator step's plan into sub-tasks and runs
// each in isolation: the original request plus that task's body only,
// never the whole plan. Returns nil when the plan contains no
// recognizable tasks.
//
// Parsed dependency references are informational; tasks run
// independently regardless of them.
func (s *StrategyExecutor) runTasks(ctx, invokeCtx context.Context, coord AgentStep, coordIndex int, ex *Execution, plan string, concurrent bool) *TaskRunSummary {
	tasks := taskparse.Parse(plan)
	if len(tasks) == 0 {
		return nil
	}

	s.logger.Info("splitting coordinator plan",
		zap.String("execution", ex.ID),
		zap.Int("tasks", len(tasks)))

	start := time.Now()
	details := make([]TaskDetail, len(tasks))
	var completed, failed int
	var mu sync.Mutex
	var wg sync.WaitGroup

	runOne := func(i int, t taskparse.Task) {
		detail := s.runTask(ctx, invokeCtx, coord, coordIndex, ex, t)

		mu.Lock()
		details[i] = detail
		if detail.Failed {
			failed++
		} else {
			completed++
		}
		done := completed + failed
		mu.Unlock()

		s.publish(ex.ID, Event{
			Type:    EventTaskProgress,
			AgentID: coord.AgentID,
			Message: fmt.Sprintf("task %s finished (%d/%d)", t.ID, done, len(tasks)),
		})
	}

	for i, t := range tasks {
		if ctx.Err() != nil {
			mu.Lock()
			details[i] = TaskDetail{TaskID: t.ID, Title: t.Title, Preview: "not dispatched: execution cancelled", Failed: true}
			failed++
			mu.Unlock()
			continue
		}
		if concurrent {
			wg.Add(1)
			go func(i int, t taskparse.Task) {
				defer wg.Done()
				s.pool <- struct{}{}
				defer func() { <-s.pool }()
				runOne(i, t)
			}(i, t)
		} else {
			runOne(i, t)
		}
	}
	wg.Wait()

	return &TaskRunSummary{
		Total:      len(tasks),
		Completed:  completed,
		Failed:     failed,
		DurationMs: time.Since(start).Milliseconds(),
		Details:    details,
	}
}

// runTask executes one isolated sub-task against the coordinator's
// agent and records the full output as a step result.
func (s *StrategyExecutor) runTask(ctx, invokeCtx context.Context, coord AgentStep, coordIndex int, ex *Execution, t taskparse.Task) TaskDetail {
	step := AgentStep{
		AgentID:     coord.AgentID,
		Role:        "task:" + t.ID,
		Instruction: fmt.Sprintf("Execute this task.\nTask %s: %s\n%s", t.ID, t.Title, t.Body),
	}

	res, err := s.executeWithRetry(ctx, invokeCtx, step, coordIndex, ex.Input.Text, nil)
	if err != nil {
		annotated := AgentStepResult{
			AgentID:   coord.AgentID,
			Role:      step.Role,
			Error:     err.Error(),
			StepIndex: coordIndex,
		}
		if aerr := s.lifecycle.AppendStepResult(invokeCtx, ex, annotated); aerr != nil {
			s.logger.Error("append task result failed",
				zap.String("execution", ex.ID), zap.Error(aerr))
		}
		return TaskDetail{TaskID: t.ID, Title: t.Title, Preview: truncate(err.Error(), s.opts.TaskPreviewLen), Failed: true}
	}

	if aerr := s.lifecycle.AppendStepResult(invokeCtx, ex, *res); aerr != nil {
		s.logger.Error("append task result failed",
			zap.String("execution", ex.ID), zap.Error(aerr))
	}
	return TaskDetail{TaskID: t.ID, Title: t.Title, Preview: truncate(res.Output, s.opts.TaskPreviewLen)}
}

func summarizeTasks(sum *TaskRunSummary) string {
	return fmt.Sprintf("%d/%d tasks completed (%d failed) in %dms",
		sum.Completed, sum.Total, sum.Failed, sum.DurationMs)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Invoker calls a language model on behalf of an agent. The prompt is
// delivered as the sole user turn; the agent's system prompt rides along
// from its definition.
type Invoker interface {
	Invoke(ctx context.Context, ag *Agent, prompt string) (*InvokeResult, error)
}

// Directory resolves agent definitions referenced by pipeline steps.
type Directory interface {
	Agent(ctx context.Context, id string) (*Agent, error)
}

// StepExecutor runs one agent step. It is stateless; persistence of the
// result belongs to the caller so a failed step can be retried freely.
type StepExecutor struct {
	invoker   Invoker
	directory Directory
	timeout   time.Duration
	logger    *zap.Logger
}

// NewStepExecutor creates a step executor with a per-step timeout.
func NewStepExecutor(invoker Invoker, directory Directory, timeout time.Duration, logger *zap.Logger) *StepExecutor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &StepExecutor{
		invoker:   invoker,
		directory: directory,
		timeout:   timeout,
		logger:    logger,
	}
}

// Execute runs one step and returns its result, or a classified error.
func (s *StepExecutor) Execute(ctx context.Context, step AgentStep, stepIndex int, input string, prior []AgentStepResult) (*AgentStepResult, error) {
	ag, err := s.directory.Agent(ctx, step.AgentID)
	if err != nil {
		return nil, Permanent(fmt.Sprintf("resolve agent %s", step.AgentID), err)
	}

	prompt := buildStepContext(input, prior, step.Instruction)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.invoker.Invoke(callCtx, ag, prompt)
	if err != nil {
		// A deadline hit on our own timer is transient, not whatever the
		// parent context says.
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, Transient(fmt.Sprintf("step %d timed out after %s", stepIndex, s.timeout), err)
		}
		return nil, err
	}

	s.logger.Debug("step completed",
		zap.Int("step", stepIndex),
		zap.String("agent", ag.ID),
		zap.Duration("duration", time.Since(start)),
		zap.Int("tokens", res.TokensUsed))

	return &AgentStepResult{
		AgentID:    ag.ID,
		AgentName:  ag.Name,
		Role:       step.Role,
		Output:     res.Text,
		DurationMs: time.Since(start).Milliseconds(),
		TokensUsed: res.TokensUsed,
		StepIndex:  stepIndex,
	}, nil
}

// buildStepContext assembles the user turn: the original request, each
// predecessor's role and output, then the step's own instruction.
func buildStepContext(input string, prior []AgentStepResult, instruction string) string {
	var sb strings.Builder
	sb.WriteString("Request:\n")
	sb.WriteString(input)

	for _, p := range prior {
		sb.WriteString("\n\n[")
		sb.WriteString(p.Role)
		sb.WriteString("]\n")
		sb.WriteString(p.Output)
	}

	if instruction != "" {
		sb.WriteString("\n\nInstruction: ")
		sb.WriteString(instruction)
	}
	return sb.String()
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
)

// Limiter gates model invocations. A nil Limiter means no limiting.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Caller adapts the provider router to the engine's invoker contract
// and translates backend failures into the engine's error taxonomy.
type Caller struct {
	router  *Router
	limiter Limiter
	logger  *zap.Logger
}

// NewCaller creates an engine invoker backed by the router. limiter may
// be nil.
func NewCaller(router *Router, limiter Limiter, logger *zap.Logger) *Caller {
	return &Caller{router: router, limiter: limiter, logger: logger}
}

// Invoke sends prompt as the sole user turn for the given agent.
func (c *Caller) Invoke(ctx context.Context, ag *engine.Agent, prompt string) (*engine.InvokeResult, error) {
	if c.limiter != nil {
		allowed, err := c.limiter.Allow(ctx, ag.ID)
		if err != nil {
			// A broken limiter must not take the platform down with it.
			c.logger.Warn("rate limiter unavailable, allowing call",
				zap.String("agent", ag.ID), zap.Error(err))
		} else if !allowed {
			return nil, engine.Transient(
				fmt.Sprintf("agent %s over invocation budget", ag.ID),
				engine.ErrRateLimited)
		}
	}

	req := &ChatRequest{
		Model: ag.Model,
		Messages: []Message{
			{Role: "system", Content: ag.SystemPrompt},
			{Role: "user", Content: prompt},
		},
	}

	start := time.Now()
	resp, err := c.router.Chat(ctx, ag.ProviderID, req)
	if err != nil {
		return nil, classify(ag, err)
	}

	return &engine.InvokeResult{
		Text:       resp.Content,
		TokensUsed: resp.Usage.TotalTokens,
		Model:      resp.Model,
		Duration:   time.Since(start),
	}, nil
}

// classify maps provider sentinel errors onto the engine taxonomy.
func classify(ag *engine.Agent, err error) error {
	switch {
	case errors.Is(err, ErrRateLimited):
		return &engine.StepError{
			Kind:    engine.ErrKindTransient,
			Message: fmt.Sprintf("agent %s rate limited upstream", ag.ID),
			Err:     fmt.Errorf("%w: %v", engine.ErrRateLimited, err),
		}
	case errors.Is(err, ErrTimeout):
		return engine.Transient(fmt.Sprintf("agent %s call timed out", ag.ID), err)
	case errors.Is(err, ErrInvalidConfig):
		return engine.Permanent(fmt.Sprintf("agent %s misconfigured", ag.ID), err)
	case errors.Is(err, context.Canceled):
		return err
	}
	return engine.Permanent(fmt.Sprintf("agent %s call failed", ag.ID), err)
}

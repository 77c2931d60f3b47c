package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/ashveil/cascade/internal/engine"
)

type stubLimiter struct {
	allowed bool
	err     error
}

func (s stubLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return s.allowed, s.err
}

func testAgent() *engine.Agent {
	return &engine.Agent{ID: "ag1", Name: "Tester", SystemPrompt: "be brief", Model: "test-model"}
}

func TestInvokeSuccess(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&scriptedProvider{id: "p1", resp: &ChatResponse{
		Content: "hello", Model: "test-model", Usage: Usage{TotalTokens: 12},
	}})

	c := NewCaller(r, nil, zap.NewNop())
	res, err := c.Invoke(context.Background(), testAgent(), "hi")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Text != "hello" || res.TokensUsed != 12 {
		t.Errorf("result = %+v", res)
	}
}

func TestInvokeDeniedByLimiter(t *testing.T) {
	r := NewRouter(zap.NewNop())
	p := &scriptedProvider{id: "p1", resp: &ChatResponse{Content: "unused"}}
	r.Register(p)

	c := NewCaller(r, stubLimiter{allowed: false}, zap.NewNop())
	_, err := c.Invoke(context.Background(), testAgent(), "hi")
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if !errors.Is(err, engine.ErrRateLimited) {
		t.Fatalf("error = %v, want engine.ErrRateLimited in the chain", err)
	}
	if engine.Classify(err) != engine.ErrKindTransient {
		t.Errorf("kind = %s, want transient", engine.Classify(err))
	}
	if p.calls != 0 {
		t.Errorf("provider calls = %d, denial must happen before the backend", p.calls)
	}
}

func TestInvokeBrokenLimiterAllows(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&scriptedProvider{id: "p1", resp: &ChatResponse{Content: "served"}})

	c := NewCaller(r, stubLimiter{err: errors.New("redis gone")}, zap.NewNop())
	res, err := c.Invoke(context.Background(), testAgent(), "hi")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Text != "served" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestInvokeClassifiesProviderErrors(t *testing.T) {
	cases := []struct {
		name     string
		provErr  error
		wantKind engine.ErrorKind
	}{
		{"rate limited", fmt.Errorf("%w: 429", ErrRateLimited), engine.ErrKindTransient},
		{"timeout", fmt.Errorf("%w: deadline", ErrTimeout), engine.ErrKindTransient},
		{"bad config", fmt.Errorf("%w: 401", ErrInvalidConfig), engine.ErrKindPermanent},
		{"unknown", errors.New("weird"), engine.ErrKindPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(zap.NewNop())
			r.Register(&scriptedProvider{id: "p1", err: tc.provErr})
			c := NewCaller(r, nil, zap.NewNop())

			_, err := c.Invoke(context.Background(), testAgent(), "hi")
			if err == nil {
				t.Fatal("expected error")
			}
			if got := engine.Classify(err); got != tc.wantKind {
				t.Errorf("kind = %s, want %s", got, tc.wantKind)
			}
		})
	}
}

func TestInvokeRateLimitedUpstreamCarriesSentinel(t *testing.T) {
	r := NewRouter(zap.NewNop())
	r.Register(&scriptedProvider{id: "p1", err: fmt.Errorf("%w: 429", ErrRateLimited)})
	c := NewCaller(r, nil, zap.NewNop())

	_, err := c.Invoke(context.Background(), testAgent(), "hi")
	if !errors.Is(err, engine.ErrRateLimited) {
		t.Fatalf("error = %v, want engine.ErrRateLimited so the run can end rate_limited", err)
	}
}

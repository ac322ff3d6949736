package bridge

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps next so that at most limiter's rate of completions are
// issued. Waiting respects ctx, so a per-attempt timeout also bounds the wait.
func RateLimited(next Bridge, limiter *rate.Limiter) Bridge {
	if limiter == nil {
		return next
	}
	return &rateLimited{next: next, limiter: limiter}
}

type rateLimited struct {
	next    Bridge
	limiter *rate.Limiter
}

func (r *rateLimited) Complete(ctx context.Context, prompt, system string, opts Options) (Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Completion{}, fmt.Errorf("rate limit: %w", err)
	}
	return r.next.Complete(ctx, prompt, system, opts)
}

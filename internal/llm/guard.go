package llm

import (
	"context"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/resilience"
)

// Guarded throttles a Completer with an adaptive rate limiter and stops
// calling it while its circuit breaker is open. Either may be nil.
type Guarded struct {
	next    Completer
	limiter *resilience.AdaptiveLimiter
	breaker *resilience.CircuitBreaker
}

// NewGuarded wraps next.
func NewGuarded(next Completer, limiter *resilience.AdaptiveLimiter, breaker *resilience.CircuitBreaker) *Guarded {
	return &Guarded{next: next, limiter: limiter, breaker: breaker}
}

// NewProviderBreaker returns a breaker that only counts transient provider
// failures. Bad requests never open it.
func NewProviderBreaker(cfg resilience.CircuitBreakerConfig) *resilience.CircuitBreaker {
	cfg.Name = "llm"
	cfg.ShouldTrip = resilience.IsTransient
	return resilience.NewCircuitBreaker(cfg)
}

// Complete waits for the limiter, then calls through the breaker. An open
// circuit is reported as a transient error so callers back off and retry.
func (g *Guarded) Complete(ctx context.Context, prompt Prompt, cfg ModelConfig) (*Completion, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "llm: rate limiter wait")
		}
	}

	var (
		out *Completion
		err error
	)
	if g.breaker != nil {
		out, err = resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*Completion, error) {
			return g.next.Complete(ctx, prompt, cfg)
		})
	} else {
		out, err = g.next.Complete(ctx, prompt, cfg)
	}

	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, resilience.NewTransientError(err, http.StatusServiceUnavailable)
	}
	if g.limiter != nil {
		var te *resilience.TransientError
		switch {
		case err == nil:
			g.limiter.OnSuccess()
		case errors.As(err, &te) && te.StatusCode == http.StatusTooManyRequests:
			g.limiter.OnRateLimit()
		}
	}
	return out, err
}

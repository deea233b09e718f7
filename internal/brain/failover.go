package brain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// namedBrain pairs a Brain with a name used for circuit-breaker bookkeeping
// and logging.
type namedBrain struct {
	name  string
	brain Brain
}

// circuitBreaker tracks consecutive failures for one provider.
type circuitBreaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// Router implements the single-shot provider router (§4.4 step 10): it
// tries a primary brain, falling back through an ordered list on failure,
// skipping any provider whose circuit breaker is currently tripped.
type Router struct {
	primary   namedBrain
	fallbacks []namedBrain

	mu             sync.Mutex
	breakers       map[string]*circuitBreaker
	threshold      int
	cooldownPeriod time.Duration
}

// NewRouter builds a Router. threshold is the number of consecutive
// failures before a provider's breaker trips (default 5); cooldown is how
// long a tripped breaker stays open before being retried (default 5m).
func NewRouter(primary Brain, primaryName string, fallbacks map[string]Brain, threshold int, cooldown time.Duration) *Router {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}

	breakers := map[string]*circuitBreaker{primaryName: {}}
	var fb []namedBrain
	for name, b := range fallbacks {
		fb = append(fb, namedBrain{name: name, brain: b})
		breakers[name] = &circuitBreaker{}
	}

	return &Router{
		primary:        namedBrain{name: primaryName, brain: primary},
		fallbacks:      fb,
		breakers:       breakers,
		threshold:      threshold,
		cooldownPeriod: cooldown,
	}
}

// Respond tries the primary brain, then each fallback in order, skipping
// any provider whose breaker is tripped. A context-overflow error is not
// retried against other providers since the prompt is identical everywhere.
func (r *Router) Respond(ctx context.Context, sessionID, prompt string) (string, error) {
	candidates := append([]namedBrain{r.primary}, r.fallbacks...)
	var lastErr error

	for _, c := range candidates {
		if r.isTripped(c.name) {
			slog.Info("brain router: skipping tripped provider", "provider", c.name)
			continue
		}

		resp, err := c.brain.Respond(ctx, sessionID, prompt)
		if err == nil {
			r.recordSuccess(c.name)
			return resp, nil
		}

		lastErr = err
		r.recordFailure(c.name)
		ec := ClassifyError(err)
		slog.Warn("brain router: provider failed", "provider", c.name, "error_class", string(ec), "error", err)

		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("brain router: context overflow from %s: %w", c.name, err)
		}
	}

	return "", fmt.Errorf("brain router: all providers failed, last error: %w", lastErr)
}

func (r *Router) isTripped(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok || !cb.tripped {
		return false
	}
	if time.Since(cb.lastFailure) >= r.cooldownPeriod {
		cb.tripped = false
		cb.failures = 0
		slog.Info("brain router: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (r *Router) recordFailure(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = &circuitBreaker{}
		r.breakers[name] = cb
	}
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= r.threshold {
		cb.tripped = true
		slog.Warn("brain router: circuit breaker tripped", "provider", name, "failures", cb.failures)
	}
}

func (r *Router) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		return
	}
	cb.failures = 0
	cb.tripped = false
}

// Package reliability wraps provider calls with timeout, retry with
// exponential backoff + jitter, and a circuit breaker, per spec.md §4.4.
// The breaker core is github.com/sony/gobreaker, matching the circuit
// breaker wiring seen in jordigilh-kubernaut's pkg/shared/circuitbreaker.
package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Kind enumerates the ProviderError taxonomy from spec.md §4.4/§7.
type Kind string

const (
	KindTimeout             Kind = "timeout"
	KindTransport           Kind = "transport"
	KindRateLimited         Kind = "rate_limited"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindBadRequest          Kind = "bad_request"
)

// ProviderError is the uniform error type surfaced to callers of Call.
type ProviderError struct {
	Provider string
	Kind     Kind
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return "provider " + e.Provider + ": " + string(e.Kind) + ": " + e.Err.Error()
	}
	return "provider " + e.Provider + ": " + string(e.Kind)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classifiable lets a provider call's error self-report its Kind so the
// breaker can tell client (4xx) errors apart from transport/5xx failures —
// only the latter count against the breaker, per spec.md §4.4.
type Classifiable interface {
	ProviderErrorKind() Kind
}

// Classify derives a Kind for an arbitrary error returned from a provider
// call. Unknown errors are treated as transport failures (conservative: they
// do count against the breaker).
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var c Classifiable
	if errors.As(err, &c) {
		return c.ProviderErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return KindRateLimited
	case strings.Contains(msg, "400") || strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "404"):
		return KindBadRequest
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return KindTimeout
	default:
		return KindTransport
	}
}

// countsAgainstBreaker reports whether a Kind should be counted as a breaker
// failure. 4xx client errors (bad_request and 429 rate_limited) do not open
// the breaker (spec.md §4.4).
func countsAgainstBreaker(k Kind) bool {
	return k != KindBadRequest && k != KindRateLimited
}

// Policy configures one provider's reliability wrapper.
type Policy struct {
	Timeout          time.Duration
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	CooldownSeconds  time.Duration
	ConsecutiveTrip  uint32 // failures before the breaker opens
	HalfOpenRequests uint32
}

// DefaultPolicy mirrors spec.md §5's provider-class timeout defaults for
// search providers, with conservative retry/backoff settings.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          10 * time.Second,
		MaxAttempts:      3,
		BaseBackoff:      200 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		CooldownSeconds:  30 * time.Second,
		ConsecutiveTrip:  5,
		HalfOpenRequests: 1,
	}
}

// Manager owns one circuit breaker + policy per provider name.
type Manager struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	policies  map[string]Policy
	defPolicy Policy
}

// NewManager constructs a Manager with a default policy applied to any
// provider that hasn't been configured explicitly via SetPolicy.
func NewManager(defaultPolicy Policy) *Manager {
	return &Manager{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		policies:  make(map[string]Policy),
		defPolicy: defaultPolicy,
	}
}

// SetPolicy overrides the policy for a specific provider.
func (m *Manager) SetPolicy(provider string, p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[provider] = p
	delete(m.breakers, provider) // rebuild lazily with the new settings
}

func (m *Manager) policyFor(provider string) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[provider]; ok {
		return p
	}
	return m.defPolicy
}

func (m *Manager) breakerFor(provider string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[provider]; ok {
		return b
	}
	p := m.defPolicy
	if cfg, ok := m.policies[provider]; ok {
		p = cfg
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: p.HalfOpenRequests,
		Interval:    0, // never reset the rolling counts on a timer; only state transitions matter
		Timeout:     p.CooldownSeconds,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= p.ConsecutiveTrip
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().Str("provider", name).Str("from", from.String()).Str("to", to.String()).Msg("provider circuit state changed")
		},
	})
	m.breakers[provider] = b
	return b
}

// CircuitState reports the current breaker state for a provider, for
// telemetry and tests (spec.md's ProviderCircuit).
func (m *Manager) CircuitState(provider string) string {
	return m.breakerFor(provider).State().String()
}

// Call executes fn with timeout, retry+backoff+jitter, and circuit breaking.
// Per spec.md §4.4's contract: Call(provider, fn) -> Result<T, ProviderError>.
func Call[T any](ctx context.Context, m *Manager, provider string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	policy := m.policyFor(provider)
	breaker := m.breakerFor(provider)

	var lastErr error
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if attempt > 0 {
			sleep(ctx, backoffDuration(policy, attempt))
		}

		var softErr error
		res, err := breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
			v, ferr := fn(callCtx)
			if ferr != nil {
				kind := Classify(ferr)
				if !countsAgainstBreaker(kind) {
					// A 4xx is not a provider failure: report success
					// to the breaker but still surface the error to
					// Call's caller via softErr.
					softErr = ferr
					return v, nil
				}
				return v, ferr
			}
			return v, nil
		})

		if softErr != nil {
			if kind := Classify(softErr); kind == KindRateLimited {
				lastErr = &ProviderError{Provider: provider, Kind: kind, Err: softErr}
				continue
			}
			return zero, &ProviderError{Provider: provider, Kind: KindBadRequest, Err: softErr}
		}

		if err == nil {
			if res == nil {
				return zero, nil
			}
			return res.(T), nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &ProviderError{Provider: provider, Kind: KindProviderUnavailable, Err: err}
		}

		lastErr = &ProviderError{Provider: provider, Kind: Classify(err), Err: err}
	}
	return zero, lastErr
}

func backoffDuration(p Policy, attempt int) time.Duration {
	base := p.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := p.MaxBackoff
	if max <= 0 {
		max = 10 * time.Second
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

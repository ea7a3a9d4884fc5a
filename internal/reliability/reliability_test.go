package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{
		Timeout:          time.Second,
		MaxAttempts:      3,
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		CooldownSeconds:  20 * time.Millisecond,
		ConsecutiveTrip:  3,
		HalfOpenRequests: 1,
	}
}

func TestCallSucceeds(t *testing.T) {
	m := NewManager(fastPolicy())
	got, err := Call(context.Background(), m, "p1", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got %q err %v", got, err)
	}
}

func TestCallRetriesTransportErrors(t *testing.T) {
	m := NewManager(fastPolicy())
	attempts := 0
	_, err := Call(context.Background(), m, "p2", func(ctx context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestBadRequestDoesNotRetryOrOpenBreaker(t *testing.T) {
	m := NewManager(fastPolicy())
	attempts := 0
	_, err := Call(context.Background(), m, "p3", func(ctx context.Context) (string, error) {
		attempts++
		return "", errors.New("400 bad request")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != KindBadRequest {
		t.Fatalf("expected bad_request kind, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for bad request, got %d", attempts)
	}
	if m.CircuitState("p3") != "closed" {
		t.Fatalf("expected breaker to remain closed after bad_request, got %s", m.CircuitState("p3"))
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	policy := fastPolicy()
	policy.MaxAttempts = 1 // isolate one breaker failure per Call
	m := NewManager(policy)

	failing := func(ctx context.Context) (string, error) { return "", errors.New("connection refused") }

	for i := 0; i < 3; i++ {
		_, _ = Call(context.Background(), m, "p4", failing)
	}

	if state := m.CircuitState("p4"); state != "open" {
		t.Fatalf("expected breaker open after 3 consecutive failures, got %s", state)
	}

	calledFn := false
	_, err := Call(context.Background(), m, "p4", func(ctx context.Context) (string, error) {
		calledFn = true
		return "should not run", nil
	})
	if calledFn {
		t.Fatalf("fn should not be invoked while breaker is open")
	}
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Kind != KindProviderUnavailable {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}
}

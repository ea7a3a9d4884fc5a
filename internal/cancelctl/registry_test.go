package cancelctl

import (
	"context"
	"testing"
	"time"
)

func TestCancelFiresCleanupOnce(t *testing.T) {
	r := NewRegistry()
	tok := r.Issue(context.Background(), "run-1")
	count := 0
	r.RegisterCleanup(tok, func() { count++ })

	r.Cancel("run-1", "user requested")
	r.Cancel("run-1", "second cancel should be no-op")

	if count != 1 {
		t.Fatalf("expected cleanup to fire exactly once, fired %d", count)
	}
	if r.Check(tok) != Cancelled {
		t.Fatalf("expected cancelled state")
	}
	select {
	case <-tok.Done():
	default:
		t.Fatalf("expected token context to be done")
	}
}

func TestCancelUnknownRunIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Cancel("does-not-exist", "noop")
}

func TestCompleteFiresCleanup(t *testing.T) {
	r := NewRegistry()
	tok := r.Issue(context.Background(), "run-2")
	done := make(chan struct{})
	r.RegisterCleanup(tok, func() { close(done) })
	r.Complete("run-2")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("cleanup did not fire on complete")
	}
}

func TestMustCheckpoint(t *testing.T) {
	r := NewRegistry()
	tok := r.Issue(context.Background(), "run-3")
	if err := MustCheckpoint(tok, AfterSearch); err != nil {
		t.Fatalf("expected no error before cancel: %v", err)
	}
	r.Cancel("run-3", "stop")
	if err := MustCheckpoint(tok, AfterSearch); err == nil {
		t.Fatalf("expected error after cancel")
	}
}

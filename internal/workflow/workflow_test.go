package workflow

import (
	"context"
	"testing"
)

type counterState struct {
	n int
}

func TestRunFollowsExplicitRoute(t *testing.T) {
	e := New[*counterState](Options{})
	must(t, e.Add("a", NodeFunc[*counterState](func(_ context.Context, s *counterState) (Next, error) {
		s.n++
		return Goto("b"), nil
	})))
	must(t, e.Add("b", NodeFunc[*counterState](func(_ context.Context, s *counterState) (Next, error) {
		s.n++
		return Stop(), nil
	})))
	must(t, e.StartAt("a"))

	s := &counterState{}
	if err := e.Run(context.Background(), "run-1", s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.n != 2 {
		t.Fatalf("expected both nodes to run, got n=%d", s.n)
	}
}

func TestRunFallsBackToEdgeWhenNodeIsSilent(t *testing.T) {
	e := New[*counterState](Options{})
	must(t, e.Add("a", NodeFunc[*counterState](func(_ context.Context, s *counterState) (Next, error) {
		s.n = 5
		return Next{}, nil
	})))
	must(t, e.Add("b", NodeFunc[*counterState](func(_ context.Context, s *counterState) (Next, error) {
		return Stop(), nil
	})))
	must(t, e.StartAt("a"))
	e.Connect("a", "b", func(s *counterState) bool { return s.n == 5 })

	s := &counterState{}
	if err := e.Run(context.Background(), "run-1", s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRunReturnsNoRouteWhenNothingMatches(t *testing.T) {
	e := New[*counterState](Options{})
	must(t, e.Add("a", NodeFunc[*counterState](func(_ context.Context, s *counterState) (Next, error) {
		return Next{}, nil
	})))
	must(t, e.StartAt("a"))

	err := e.Run(context.Background(), "run-1", &counterState{})
	if err == nil {
		t.Fatalf("expected NO_ROUTE error")
	}
}

func TestRunEnforcesMaxSteps(t *testing.T) {
	e := New[*counterState](Options{MaxSteps: 3})
	must(t, e.Add("loop", NodeFunc[*counterState](func(_ context.Context, s *counterState) (Next, error) {
		s.n++
		return Goto("loop"), nil
	})))
	must(t, e.StartAt("loop"))

	err := e.Run(context.Background(), "run-1", &counterState{})
	if err == nil {
		t.Fatalf("expected MAX_STEPS_EXCEEDED error")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected setup error: %v", err)
	}
}

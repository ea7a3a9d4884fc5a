package planner

import (
	"context"
	"testing"

	"github.com/weaver-run/weaver/internal/runstate"
)

func TestFallbackPlannerDeterministicCount(t *testing.T) {
	p := &FallbackPlanner{}
	sq, err := p.Plan(context.Background(), Request{Topic: "quantum computing", N: 5})
	if err != nil {
		t.Fatalf("fallback plan error: %v", err)
	}
	if len(sq) < 5 {
		t.Fatalf("expected at least 5 sub-queries, got %d", len(sq))
	}
	for _, q := range sq {
		if q.Text == "" {
			t.Fatalf("unexpected empty query text")
		}
	}
}

func TestPlannerGuaranteesCounterEvidenceQueries(t *testing.T) {
	p := &FallbackPlanner{}
	sq, err := p.Plan(context.Background(), Request{Topic: "remote work productivity", N: 5})
	if err != nil {
		t.Fatalf("fallback plan error: %v", err)
	}
	counter := 0
	for _, q := range sq {
		if q.Dimension == runstate.DimensionCounterEvidence {
			counter++
		}
	}
	if counter < 2 {
		t.Fatalf("expected at least 2 counter-evidence sub-queries, got %d (plan=%+v)", counter, sq)
	}
}

func TestPlannerRefineSkipsCounterEvidenceInjection(t *testing.T) {
	p := &FallbackPlanner{}
	sq, err := p.Plan(context.Background(), Request{
		Topic:      "renewable energy",
		N:          2,
		RefineGaps: []runstate.Dimension{runstate.DimensionQuantitative},
	})
	if err != nil {
		t.Fatalf("refine plan error: %v", err)
	}
	for _, q := range sq {
		if q.Dimension == runstate.DimensionCounterEvidence {
			t.Fatalf("expected a gap-refinement call to stay focused on the requested gap, not inject counter-evidence queries")
		}
	}
}

func TestFallbackPlannerDedupsAgainstPrevious(t *testing.T) {
	p := &FallbackPlanner{}
	first, err := p.Plan(context.Background(), Request{Topic: "graph databases", N: 5})
	if err != nil {
		t.Fatalf("first plan error: %v", err)
	}
	var prevTexts []string
	for _, q := range first {
		prevTexts = append(prevTexts, q.Text)
	}
	second, err := p.Plan(context.Background(), Request{Topic: "graph databases", N: 5, PreviousQueries: prevTexts})
	if err != nil {
		t.Fatalf("second plan error: %v", err)
	}
	for _, q := range second {
		for _, prev := range prevTexts {
			if q.Text == prev {
				t.Fatalf("expected second plan to avoid repeating query %q", q.Text)
			}
		}
	}
}

func TestFallbackPlannerRefineTargetsGaps(t *testing.T) {
	p := &FallbackPlanner{}
	sq, err := p.Plan(context.Background(), Request{
		Topic:      "renewable energy",
		N:          2,
		RefineGaps: []runstate.Dimension{runstate.DimensionQuantitative},
	})
	if err != nil {
		t.Fatalf("refine plan error: %v", err)
	}
	for _, q := range sq {
		if q.Dimension != runstate.DimensionQuantitative {
			t.Fatalf("expected refinement to target quantitative dimension, got %q", q.Dimension)
		}
	}
}

func TestIsRedundantExactAndSubstring(t *testing.T) {
	prev := []string{"go concurrency patterns"}
	if !isRedundant("Go Concurrency Patterns", prev) {
		t.Fatalf("expected case-insensitive exact match to be redundant")
	}
	if !isRedundant("go concurrency patterns explained", prev) {
		t.Fatalf("expected substring superset to be redundant")
	}
	if isRedundant("rust memory safety", prev) {
		t.Fatalf("expected unrelated query to not be redundant")
	}
}

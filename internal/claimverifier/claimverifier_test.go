package claimverifier

import (
	"context"
	"testing"
)

func TestVerifyHeuristicOnlyWithoutClient(t *testing.T) {
	v := &Verifier{}
	markdown := "The framework was released in 2023 and supports faster throughput than its predecessor [1][2]. Short line."
	res, err := v.Verify(context.Background(), markdown, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Claims) == 0 {
		t.Fatalf("expected at least one extracted claim")
	}
	found := false
	for _, c := range res.Claims {
		if len(c.Citations) == 2 {
			found = true
			if !c.Supported || c.Confidence != "high" {
				t.Fatalf("expected dual-cited claim to be high-confidence supported, got %+v", c)
			}
		}
	}
	if !found {
		t.Fatalf("expected to find the dual-cited claim")
	}
}

func TestUnsupportedCount(t *testing.T) {
	res := Result{Claims: []Claim{
		{Text: "a", Supported: true},
		{Text: "b", Supported: false},
		{Text: "c", Supported: false},
	}}
	if res.UnsupportedCount() != 2 {
		t.Fatalf("expected 2 unsupported claims, got %d", res.UnsupportedCount())
	}
}

func TestContradictedFraction(t *testing.T) {
	res := Result{Claims: []Claim{
		{Text: "a", Citations: []int{1}, Contradicted: true},
		{Text: "b", Citations: []int{2}, Contradicted: false},
		{Text: "c", Citations: nil, Contradicted: true}, // uncited, excluded from denominator
	}}
	got := res.ContradictedFraction()
	if got != 0.5 {
		t.Fatalf("expected contradicted fraction 0.5, got %v", got)
	}
}

func TestExtractCandidatesSkipsPlainSentences(t *testing.T) {
	markdown := "This is a plain sentence without any numbers or named things at all here."
	candidates := extractCandidates(markdown, 10)
	if len(candidates) != 0 {
		t.Fatalf("expected no candidates for a sentence lacking claim markers, got %d", len(candidates))
	}
}

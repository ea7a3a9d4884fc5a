package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/weaver-run/weaver/internal/runstate"
)

func TestEvaluatePassesWithGoodCoverage(t *testing.T) {
	e := &Evaluator{}
	draft := "The system was deployed in 2022 and performs better than its predecessor [1]. It also supports wide configuration [2]."
	subQueries := []runstate.SubQuery{{Text: "q1", Dimension: runstate.DimensionComparative}}
	sources := []runstate.Source{
		{SourceID: "s1", Excerpt: "excerpt one"},
		{SourceID: "s2", Excerpt: "excerpt two"},
	}
	metrics, verdict := e.Evaluate(context.Background(), draft, subQueries, sources, "topic", 0, 2, Options{})
	if verdict != runstate.VerdictPass {
		t.Fatalf("expected pass verdict, got %v (metrics=%+v)", verdict, metrics)
	}
}

func TestEvaluateRevisesOnLowCitationCoverage(t *testing.T) {
	e := &Evaluator{}
	draft := "This sentence makes a claim without any supporting citation at all here today in this paragraph. Another uncited claim follows about growth rates and percentages here."
	metrics, verdict := e.Evaluate(context.Background(), draft, nil, nil, "topic", 0, 2, Options{})
	if verdict != runstate.VerdictRevise {
		t.Fatalf("expected revise verdict for uncited draft, got %v (coverage=%v)", verdict, metrics.CitationCoverage)
	}
}

func TestMaxRevisionsCoercesToPass(t *testing.T) {
	e := &Evaluator{}
	draft := "This sentence makes a claim without any supporting citation at all here today in this paragraph."
	metrics, verdict := e.Evaluate(context.Background(), draft, nil, nil, "topic", 2, 2, Options{})
	if verdict != runstate.VerdictPass {
		t.Fatalf("expected pass coercion at max_revisions, got %v", verdict)
	}
	if metrics.Warning == "" {
		t.Fatalf("expected a warning to be set when coercing to pass")
	}
}

func TestFreshnessRatioOnlyAppliesWhenTimeSensitive(t *testing.T) {
	stale := 400.0
	sources := []runstate.Source{
		{SourceID: "s1", FreshnessDays: &stale},
	}
	draft := "Here is the latest update on this topic with a claim [1] about recent growth rates of 12 percent."
	got := freshnessRatio(draft, "topic", sources, Options{})
	if got != 0 {
		t.Fatalf("expected 0 freshness ratio for stale-only cited source in a time-sensitive draft, got %v", got)
	}

	notTimeSensitive := "A general statement about history with a claim [1] about figures from decades ago."
	got2 := freshnessRatio(notTimeSensitive, "topic", sources, Options{})
	if got2 != 1 {
		t.Fatalf("expected neutral 1.0 freshness ratio for non-time-sensitive draft, got %v", got2)
	}
}

func TestFreshnessRatioIndexesByWriterCitationOrder(t *testing.T) {
	stale := 400.0
	fresh := 5.0
	sources := []runstate.Source{
		{SourceID: "s1", FreshnessDays: &stale},
		{SourceID: "s2", FreshnessDays: &fresh},
	}
	draft := "Here is the latest figure, citing only the second source [2] about recent growth."
	got := freshnessRatio(draft, "topic", sources, Options{})
	if got != 1 {
		t.Fatalf("expected [2] to resolve to the second (fresh) source regardless of source order, got %v", got)
	}
}

func TestIsTimeSensitiveDetectsYear(t *testing.T) {
	opt := Options{CurrentYear: time.Now().Year()}
	if !isTimeSensitive("A report covering "+yearString(opt.CurrentYear), "topic", opt) {
		t.Fatalf("expected current-year mention to be detected as time-sensitive")
	}
}

func yearString(y int) string {
	return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC).Format("2006")
}

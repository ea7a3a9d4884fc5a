// Package evaluator implements EvidenceEvaluator (spec.md §4.9): computes
// QualityMetrics for a draft report and applies the citation gate that
// decides whether the run proceeds to revise or passes. Grounded
// on the teacher's internal/verify claim-statistics style (counting
// supported/unsupported claims) and spec.md §9's documented citation-gate
// thresholds, composed on top of internal/claimverifier's extraction.
package evaluator

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/weaver-run/weaver/internal/claimverifier"
	"github.com/weaver-run/weaver/internal/runstate"
)

// Options configures the citation gate thresholds (spec.md §9).
type Options struct {
	MinCitationCoverage float64
	MinFreshness        float64
	FreshnessWindowDays float64
	CurrentYear         int
}

func (o Options) minCitationCoverage() float64 {
	if o.MinCitationCoverage <= 0 {
		return 0.6
	}
	return o.MinCitationCoverage
}

func (o Options) minFreshness() float64 {
	if o.MinFreshness <= 0 {
		return 0.4
	}
	return o.MinFreshness
}

func (o Options) freshnessWindowDays() float64 {
	if o.FreshnessWindowDays <= 0 {
		return 30
	}
	return o.FreshnessWindowDays
}

var timeSensitiveRe = regexp.MustCompile(`(?i)\b(latest|recent|current|newest|updated|today|this year|trend)\b`)
var citeRe = regexp.MustCompile(`\[(\d+)\]`)

// Evaluator computes QualityMetrics and the resulting verdict for a draft.
type Evaluator struct {
	Verifier *claimverifier.Verifier
}

// Evaluate scores a draft report against its planned sub-queries and
// accumulated sources, and returns the updated QualityMetrics including its
// verdict. sources must be in the same order internal/writer used to number
// its [N] citations (rs.Sources()'s insertion order) so index-based lookups
// here agree with the bracket numbers actually printed in draft.
// revisions/maxRevisions drive the always-pass coercion at the cap.
func (e *Evaluator) Evaluate(ctx context.Context, draft string, subQueries []runstate.SubQuery, sources []runstate.Source, topic string, revisions, maxRevisions int, opt Options) (runstate.QualityMetrics, runstate.Verdict) {
	verifyResult := claimverifier.Result{}
	if e.Verifier != nil {
		excerpts := make([]claimverifier.Excerpt, 0, len(sources))
		for i, s := range sources {
			excerpts = append(excerpts, claimverifier.Excerpt{Index: i + 1, Text: s.Excerpt})
		}
		res, err := e.Verifier.Verify(ctx, draft, excerpts)
		if err == nil {
			verifyResult = res
		}
	}

	metrics := runstate.QualityMetrics{
		QueryCoverage:     queryCoverage(draft, subQueries),
		CitationCoverage:  citationCoverage(draft, verifyResult, len(sources)),
		FreshnessRatio:    freshnessRatio(draft, topic, sources, opt),
		Consistency:       1 - verifyResult.ContradictedFraction(),
		UnsupportedClaims: verifyResult.UnsupportedCount(),
		Gaps:              underCoveredDimensions(draft, subQueries),
	}
	verdict, warning := citationGate(metrics, isTimeSensitive(draft, topic, opt), revisions, maxRevisions, opt)
	metrics.Warning = warning
	return metrics, verdict
}

// queryCoverage is the fraction of planned sub-query dimensions for which
// at least one cited source appears to address that dimension — approximated
// by checking whether the dimension's keyword family appears anywhere in a
// draft that carries at least one [N] citation.
func queryCoverage(draft string, subQueries []runstate.SubQuery) float64 {
	if len(subQueries) == 0 {
		return 1
	}
	dims := map[runstate.Dimension]bool{}
	for _, q := range subQueries {
		dims[q.Dimension] = true
	}
	covered := map[runstate.Dimension]bool{}
	lower := strings.ToLower(draft)
	for dim := range dims {
		for _, kw := range dimensionKeywords(dim) {
			if strings.Contains(lower, kw) && citeRe.MatchString(draft) {
				covered[dim] = true
				break
			}
		}
	}
	if len(dims) == 0 {
		return 1
	}
	return float64(len(covered)) / float64(len(dims))
}

func underCoveredDimensions(draft string, subQueries []runstate.SubQuery) []runstate.Dimension {
	dims := map[runstate.Dimension]bool{}
	for _, q := range subQueries {
		dims[q.Dimension] = true
	}
	lower := strings.ToLower(draft)
	var gaps []runstate.Dimension
	for dim := range dims {
		covered := false
		for _, kw := range dimensionKeywords(dim) {
			if strings.Contains(lower, kw) {
				covered = true
				break
			}
		}
		if !covered {
			gaps = append(gaps, dim)
		}
	}
	return gaps
}

func dimensionKeywords(d runstate.Dimension) []string {
	switch d {
	case runstate.DimensionTemporal:
		return []string{"since", "timeline", "history", "evolved", "over time"}
	case runstate.DimensionComparative:
		return []string{"compared", "versus", "vs.", "than", "relative to"}
	case runstate.DimensionCausal:
		return []string{"because", "due to", "causes", "results in", "leads to"}
	case runstate.DimensionDefinitional:
		return []string{"is defined", "refers to", "is a", "means"}
	case runstate.DimensionQuantitative:
		return []string{"%", "percent", "rate", "measured", "figure"}
	default:
		return nil
	}
}

// citationCoverage is the fraction of heuristically-extracted claims that
// carry an inline [N] citation mapping to a known source, per spec.md §4.9.
func citationCoverage(draft string, res claimverifier.Result, numSources int) float64 {
	if len(res.Claims) == 0 {
		// No LLM/verifier pass available: fall back to a coarse draft-level
		// ratio of cited sentences to total claim-shaped sentences.
		return coarseCitationCoverage(draft)
	}
	cited := 0
	for _, c := range res.Claims {
		for _, n := range c.Citations {
			if n >= 1 && n <= numSources {
				cited++
				break
			}
		}
	}
	return float64(cited) / float64(len(res.Claims))
}

func coarseCitationCoverage(draft string) float64 {
	sentences := strings.FieldsFunc(draft, func(r rune) bool { return r == '.' || r == '\n' })
	total, cited := 0, 0
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if len(strings.Fields(s)) < 8 {
			continue
		}
		total++
		if citeRe.MatchString(s) {
			cited++
		}
	}
	if total == 0 {
		return 1
	}
	return float64(cited) / float64(total)
}

// isTimeSensitive detects time-sensitive intent via keyword match or a year
// at or beyond CurrentYear, per spec.md §4.9.
func isTimeSensitive(draft, topic string, opt Options) bool {
	combined := draft + " " + topic
	if timeSensitiveRe.MatchString(combined) {
		return true
	}
	if opt.CurrentYear <= 0 {
		return false
	}
	for _, tok := range strings.FieldsFunc(combined, func(r rune) bool { return r < '0' || r > '9' }) {
		if len(tok) != 4 {
			continue
		}
		if y, err := strconv.Atoi(tok); err == nil && y >= opt.CurrentYear {
			return true
		}
	}
	return false
}

// freshnessRatio is the fraction of cited sources whose FreshnessDays is
// within opt.freshnessWindowDays(), applicable only for time-sensitive runs
// (spec.md §4.9); non-time-sensitive runs report a neutral 1.0. sources must
// be in writer citation order, same as Evaluate's parameter.
func freshnessRatio(draft, topic string, sources []runstate.Source, opt Options) float64 {
	if !isTimeSensitive(draft, topic, opt) {
		return 1
	}
	cited := citedSourceIndices(draft)
	if len(cited) == 0 {
		return 0
	}
	fresh, total := 0, 0
	for _, idx := range cited {
		if idx < 1 || idx > len(sources) {
			continue
		}
		src := sources[idx-1]
		total++
		if src.FreshnessDays != nil && *src.FreshnessDays <= opt.freshnessWindowDays() {
			fresh++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(fresh) / float64(total)
}

func citedSourceIndices(draft string) []int {
	matches := citeRe.FindAllStringSubmatch(draft, -1)
	seen := map[int]struct{}{}
	var out []int
	for _, m := range matches {
		if len(m) != 2 {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// citationGate applies spec.md §4.9's verdict policy: revise when citation
// coverage or (for time-sensitive runs) freshness falls below threshold;
// otherwise pass. At max_revisions, revise is always coerced to pass with a
// warning.
func citationGate(m runstate.QualityMetrics, timeSensitive bool, revisions, maxRevisions int, opt Options) (runstate.Verdict, string) {
	revise := m.CitationCoverage < opt.minCitationCoverage()
	if timeSensitive && m.FreshnessRatio < opt.minFreshness() {
		revise = true
	}
	if !revise {
		return runstate.VerdictPass, ""
	}
	if revisions >= maxRevisions {
		return runstate.VerdictPass, "citation gate would revise but max_revisions reached; coercing to pass"
	}
	return runstate.VerdictRevise, ""
}

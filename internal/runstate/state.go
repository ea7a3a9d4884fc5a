// Package runstate defines the data threaded through every workflow node: a
// single run's accumulated evidence, plan, budget, and verdict.
package runstate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects which branch of the workflow graph a run takes.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeWeb     Mode = "web"
	ModeAgent   Mode = "agent"
	ModeDeep    Mode = "deep"
	ModeClarify Mode = "clarify"
)

// Verdict is the evaluator's outcome for a draft report.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictRevise  Verdict = "revise"
	VerdictAbort   Verdict = "abort"
	VerdictPending Verdict = ""
)

// SubQueryStatus tracks a planned sub-query through execution.
type SubQueryStatus string

const (
	SubQueryPending  SubQueryStatus = "pending"
	SubQueryInFlight SubQueryStatus = "in_flight"
	SubQueryDone     SubQueryStatus = "done"
	SubQueryFailed   SubQueryStatus = "failed"
)

// Dimension is a diversity axis the planner spreads sub-queries across.
type Dimension string

const (
	DimensionTemporal     Dimension = "temporal"
	DimensionComparative  Dimension = "comparative"
	DimensionCausal       Dimension = "causal"
	DimensionDefinitional Dimension = "definitional"
	DimensionQuantitative Dimension = "quantitative"
	// DimensionCounterEvidence marks a sub-query the planner added to target
	// contrary findings, limitations, or alternatives rather than the five
	// diversity axes above, feeding the consistency quality metric.
	DimensionCounterEvidence Dimension = "counter_evidence"
)

// Message is one turn in the LLM dialogue carried in RunState.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// SubQuery is a single planned research query.
type SubQuery struct {
	Text        string
	Dimension   Dimension
	IssuedEpoch int
	Status      SubQueryStatus
}

// Source is one piece of accumulated evidence. Immutable after insertion into
// RunState.Sources — callers must go through SourceRegistry to obtain the
// canonical SourceID before constructing one.
type Source struct {
	SourceID       string
	URL            string
	RawURL         string
	Title          string
	Excerpt        string
	FullText       string
	Provider       string
	PublishedAt    *time.Time
	FreshnessDays  *float64
	RelevanceScore float64
	RankScore      float64
	Hydrated       bool
}

// QualityMetrics is the evaluator's assessment of a draft report.
type QualityMetrics struct {
	QueryCoverage     float64
	CitationCoverage  float64
	FreshnessRatio    float64
	Consistency       float64
	UnsupportedClaims int
	Gaps              []Dimension // dimensions the evaluator found under-covered
	BudgetExceeded    bool
	Warning           string
}

// Budget bounds a run's resource consumption.
type Budget struct {
	TokensUsed     int
	WallSecondsUse float64
	TokensCap      int
	SecondsCap     float64
	startedAt      time.Time
}

// StartClock records the wall-clock start time for WallSecondsUsed accounting.
func (b *Budget) StartClock() {
	if b.startedAt.IsZero() {
		b.startedAt = time.Now()
	}
}

// Tick refreshes WallSecondsUsed from the wall clock since StartClock.
func (b *Budget) Tick() {
	if !b.startedAt.IsZero() {
		b.WallSecondsUse = time.Since(b.startedAt).Seconds()
	}
}

// TokensExceeded reports whether the token budget has been exhausted.
func (b Budget) TokensExceeded() bool {
	return b.TokensCap > 0 && b.TokensUsed >= b.TokensCap
}

// SecondsExceeded reports whether the wall-clock budget has been exhausted.
func (b Budget) SecondsExceeded() bool {
	return b.SecondsCap > 0 && b.WallSecondsUse >= b.SecondsCap
}

// Exceeded reports whether either budget dimension has been exhausted.
func (b Budget) Exceeded() bool {
	return b.TokensExceeded() || b.SecondsExceeded()
}

// Artifacts holds structured by-products persisted for inspection and resume.
type Artifacts struct {
	ResearchTree   []EpochRecord
	QueriesIssued  []string
	QualitySummary QualityMetrics
	ReportProfile  string
}

// EpochRecord captures one completed deep-search epoch for the research tree.
type EpochRecord struct {
	Epoch     int
	Queries   []string
	SourceIDs []string
	Summary   string
}

// EpochSummary is the distilled text produced at the end of one epoch.
type EpochSummary struct {
	Epoch      int
	Text       string
	Sufficient bool
}

// RunState is the full, mutable state threaded through the workflow graph.
// It is owned by exactly one run; concurrency inside a node must merge back
// into RunState at that node's single write point (spec.md §5).
type RunState struct {
	mu sync.Mutex

	RunID         string
	Input         string
	Mode          Mode
	Messages      []Message
	Plan          []SubQuery
	Summaries     []EpochSummary
	DraftReport   string
	FinalReport   string
	Quality       QualityMetrics
	Verdict       Verdict
	Epoch         int
	Revisions     int
	Budget        Budget
	CancelTokenID string
	Artifacts     Artifacts

	sources    map[string]Source
	sourceList []string // insertion order, for deterministic citation numbering

	MaxEpochs    int
	MaxRevisions int
}

// New constructs a RunState with the configured caps.
func New(runID, input string, mode Mode, maxEpochs, maxRevisions int) *RunState {
	return &RunState{
		RunID:        runID,
		Input:        input,
		Mode:         mode,
		sources:      make(map[string]Source),
		MaxEpochs:    maxEpochs,
		MaxRevisions: maxRevisions,
	}
}

// AddSource inserts a source, deduplicated by SourceID. Returns false if an
// entry with the same ID already existed (the existing entry is kept,
// matching SourceRegistry's idempotent-insert contract).
func (s *RunState) AddSource(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.SourceID]; ok {
		return false
	}
	s.sources[src.SourceID] = src
	s.sourceList = append(s.sourceList, src.SourceID)
	return true
}

// UpdateSource overwrites an already-inserted source in place (used by
// ContentHydrator to write back enriched excerpts). Returns false if no
// source with that ID has been added yet.
func (s *RunState) UpdateSource(src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[src.SourceID]; !ok {
		return false
	}
	s.sources[src.SourceID] = src
	return true
}

// Source returns the source for an ID and whether it exists.
func (s *RunState) Source(id string) (Source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	return src, ok
}

// Sources returns a snapshot of all sources in insertion order.
func (s *RunState) Sources() []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Source, 0, len(s.sourceList))
	for _, id := range s.sourceList {
		out = append(out, s.sources[id])
	}
	return out
}

// SourceCount returns the number of distinct sources accumulated so far.
func (s *RunState) SourceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// CitationIndex returns the stable 1-based citation number for a source ID:
// its position in insertion order, or false for an ID never added. Stable
// across the life of the run because sourceList only ever grows by append.
func (s *RunState) CitationIndex(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sid := range s.sourceList {
		if sid == id {
			return i + 1, true
		}
	}
	return 0, false
}

// EpochAllowed reports whether another deep-search epoch may begin.
func (s *RunState) EpochAllowed() bool {
	return s.Epoch < s.MaxEpochs
}

// RevisionAllowed reports whether another refine/writer cycle may begin.
func (s *RunState) RevisionAllowed() bool {
	return s.Revisions < s.MaxRevisions
}

// ShouldProduceFinal implements the spec.md §3 invariant: final_report is
// only produced once the run has reached a terminal condition.
func (s *RunState) ShouldProduceFinal() bool {
	return s.Verdict == VerdictPass || s.Revisions >= s.MaxRevisions || s.Budget.Exceeded()
}

// CanonicalizeFingerprint hashes a canonical URL into a stable source_id.
// Shared by SourceRegistry; kept here too so tests on RunState alone do not
// need to import sourceregistry for fixture construction.
func CanonicalizeFingerprint(canonicalURL string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(canonicalURL))))
	return hex.EncodeToString(sum[:])[:24]
}

func (m Mode) String() string { return string(m) }

// ValidMode reports whether the mode string is one spec.md recognizes.
func ValidMode(m string) bool {
	switch Mode(m) {
	case ModeDirect, ModeWeb, ModeAgent, ModeDeep, ModeClarify:
		return true
	default:
		return false
	}
}

// ParseMode parses a mode string, defaulting to ModeWeb for anything unknown
// — callers needing the low-confidence-classification fallback in spec.md
// §4.11 should use this rather than a bare cast.
func ParseMode(s string) Mode {
	if ValidMode(s) {
		return Mode(s)
	}
	return ModeWeb
}

// DescribeBudget renders a short human-readable budget summary, used in log
// fields and the reproducibility footer.
func (b Budget) DescribeBudget() string {
	return fmt.Sprintf("tokens=%d/%d wall=%.1fs/%.1fs", b.TokensUsed, b.TokensCap, b.WallSecondsUse, b.SecondsCap)
}

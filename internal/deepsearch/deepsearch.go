// Package deepsearch implements DeepSearchEngine (spec.md §4.10): the
// iterative epoch loop of plan → search → hydrate → summarize → gate,
// with a mode selector (auto/tree/linear), budget guards, and artifact
// checkpointing. Grounded on the teacher's internal/app.Run pipeline
// (single-pass search → fetch → synth → verify), generalized into a
// repeating, budget-aware epoch loop with a revise-and-retry writer stage.
package deepsearch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/weaver-run/weaver/internal/cancelctl"
	"github.com/weaver-run/weaver/internal/evaluator"
	"github.com/weaver-run/weaver/internal/hydrate"
	"github.com/weaver-run/weaver/internal/orchestrator"
	"github.com/weaver-run/weaver/internal/planner"
	"github.com/weaver-run/weaver/internal/runstate"
)

// Mode selects the exploration shape (spec.md §4.10).
type Mode string

const (
	ModeLinear Mode = "linear"
	ModeTree   Mode = "tree"
	ModeAuto   Mode = "auto"
)

// Planner produces sub-queries for one planning pass.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) ([]runstate.SubQuery, error)
}

// Searcher fans queries out across providers and returns ranked sources.
type Searcher interface {
	Search(ctx context.Context, tok *cancelctl.Token, queries []string, opt orchestrator.Options) ([]runstate.Source, error)
}

// Hydrator optionally enriches sparse excerpts in place.
type Hydrator interface {
	Hydrate(ctx context.Context, tok *cancelctl.Token, sources []runstate.Source, opt hydrate.Options)
}

// Summarizer distills one epoch's chosen sources into an EpochSummary.
type Summarizer interface {
	Summarize(ctx context.Context, topic string, chosen []runstate.Source, prior []runstate.EpochSummary) (runstate.EpochSummary, error)
}

// Writer composes the final cited Markdown report from accumulated summaries
// and sources.
type Writer interface {
	Compose(ctx context.Context, topic string, summaries []runstate.EpochSummary, sources []runstate.Source) (string, error)
}

// Checkpointer persists run artifacts at epoch boundaries so a resume can
// skip completed epochs (spec.md §4.13).
type Checkpointer interface {
	SaveArtifacts(ctx context.Context, runID string, a runstate.Artifacts) error
}

// Options configures one deep-search run (spec.md §6 config keys).
// MaxEpochs/MaxRevisions are pointers so a nil value (the zero value of
// Options) means "unset, use the default" while a pointer to 0 expresses
// the spec's explicit-0 boundary behaviors.
type Options struct {
	MaxEpochs                  *int
	QueryNum                   int
	ResultsPerQuery            int
	Mode                       Mode
	Profile                    string
	MaxRevisions               *int
	MaxTreeDepth               int
	TreeBranchWidth            int
	TreeHighRelevanceThreshold int
	HighRelevanceScore         float64
	EvaluatorOptions           evaluator.Options
	HydrateOptions             hydrate.Options
}

// maxEpochs resolves MaxEpochs against its default. nil means "unset" so
// an explicit 0 (spec.md §8's abort boundary) is preserved rather than
// silently promoted to the default.
func (o Options) maxEpochs() int {
	if o.MaxEpochs == nil {
		return 3
	}
	return *o.MaxEpochs
}

func (o Options) queryNum() int {
	if o.QueryNum <= 0 {
		return 5
	}
	return o.QueryNum
}

func (o Options) resultsPerQuery() int {
	if o.ResultsPerQuery <= 0 {
		return 5
	}
	return o.ResultsPerQuery
}

// maxRevisions resolves MaxRevisions against its default. nil means
// "unset" so an explicit 0 (spec.md §8's coerce-to-pass boundary) is
// preserved rather than silently promoted to the default.
func (o Options) maxRevisions() int {
	if o.MaxRevisions == nil {
		return 2
	}
	return *o.MaxRevisions
}

func (o Options) maxTreeDepth() int {
	if o.MaxTreeDepth <= 0 {
		return 2
	}
	return o.MaxTreeDepth
}

func (o Options) treeBranchWidth() int {
	if o.TreeBranchWidth <= 0 {
		return 3
	}
	return o.TreeBranchWidth
}

func (o Options) highRelevanceThreshold() int {
	if o.TreeHighRelevanceThreshold <= 0 {
		return 5
	}
	return o.TreeHighRelevanceThreshold
}

func (o Options) highRelevanceScore() float64 {
	if o.HighRelevanceScore <= 0 {
		return 0.7
	}
	return o.HighRelevanceScore
}

// comparativeIntentRe detects comparative/enumerative query shapes that
// favor tree mode (spec.md §4.10).
var comparativeIntentRe = regexp.MustCompile(`(?i)\b(compare|vs\.?|versus|top\s+\d+|list of|difference between)\b`)

// Engine wires the planner/search/hydrate/summarize/evaluate stages into
// the epoch loop.
type Engine struct {
	Planner      Planner
	Searcher     Searcher
	Hydrator     Hydrator
	Summarizer   Summarizer
	Writer       Writer
	Evaluator    *evaluator.Evaluator
	Checkpointer Checkpointer
}

// Run executes the deep-search epoch loop against rs, mutating rs in place
// and returning the final verdict. It honors cancellation via tok at each
// checkpoint and budget guards before LLM-bearing stages and after each
// epoch (spec.md §4.10).
func (e *Engine) Run(ctx context.Context, tok *cancelctl.Token, rs *runstate.RunState, topic string, opt Options) error {
	if err := e.validate(); err != nil {
		return err
	}
	if opt.maxEpochs() == 0 {
		log.Warn().Msg("deepsearch_max_epochs=0; aborting with empty summary")
		rs.Verdict = runstate.VerdictAbort
		return nil
	}
	effectiveMode := opt.Mode
	if effectiveMode == "" {
		effectiveMode = ModeAuto
	}
	mode := resolveInitialMode(effectiveMode, topic)
	autoMode := effectiveMode == ModeAuto

	var issuedQueries []string
	selected := map[string]struct{}{}
	var summaries []runstate.EpochSummary
	var research []runstate.EpochRecord

	for epoch := 0; epoch < opt.maxEpochs(); epoch++ {
		if err := checkCancelled(tok); err != nil {
			return err
		}
		if rs.Budget.Exceeded() {
			return e.finalizeAbort(ctx, rs, topic, summaries, "budget exceeded before epoch start")
		}

		priorSummaryTexts := summaryTexts(summaries)
		subQueries, err := e.Planner.Plan(ctx, planner.Request{
			Topic:           topic,
			PriorSummaries:  priorSummaryTexts,
			PreviousQueries: issuedQueries,
			N:               opt.queryNum(),
		})
		if err != nil {
			log.Warn().Err(err).Int("epoch", epoch).Msg("planner failed; falling back to topic-derived query")
			subQueries = []runstate.SubQuery{{Text: topic, Dimension: runstate.DimensionDefinitional}}
		}
		queries := make([]string, 0, len(subQueries))
		for _, q := range subQueries {
			q.IssuedEpoch = epoch
			queries = append(queries, q.Text)
			issuedQueries = append(issuedQueries, q.Text)
			rs.Plan = append(rs.Plan, q)
		}

		results, err := e.Searcher.Search(ctx, tok, queries, orchestrator.Options{Profile: opt.Profile, MaxResults: opt.resultsPerQuery()})
		if err != nil {
			return fmt.Errorf("deepsearch search epoch %d: %w", epoch, err)
		}

		chosen := chooseNew(results, selected, opt.resultsPerQuery())
		if mode == ModeTree {
			chosen = e.exploreBranches(ctx, tok, topic, chosen, selected, opt)
		}
		for _, s := range chosen {
			selected[s.SourceID] = struct{}{}
			rs.AddSource(s)
		}

		if e.Hydrator != nil {
			e.Hydrator.Hydrate(ctx, tok, chosen, opt.HydrateOptions)
			for _, s := range chosen {
				if s.Hydrated {
					rs.UpdateSource(s)
				}
			}
		}

		if err := checkCancelled(tok); err != nil {
			return err
		}
		summary, err := e.Summarizer.Summarize(ctx, topic, chosen, summaries)
		if err != nil {
			log.Warn().Err(err).Int("epoch", epoch).Msg("summarizer failed; continuing with empty summary")
			summary = runstate.EpochSummary{Epoch: epoch, Text: ""}
		}
		summaries = append(summaries, summary)
		rs.Summaries = summaries
		rs.Epoch = epoch

		sourceIDs := make([]string, 0, len(chosen))
		for _, s := range chosen {
			sourceIDs = append(sourceIDs, s.SourceID)
		}
		research = append(research, runstate.EpochRecord{Epoch: epoch, Queries: queries, SourceIDs: sourceIDs, Summary: summary.Text})
		e.checkpoint(ctx, rs, research, issuedQueries)

		if rs.Budget.Exceeded() {
			return e.finalizeAbort(ctx, rs, topic, summaries, "budget exceeded after epoch")
		}
		if autoMode && epoch == 0 {
			mode = escalateIfHighRelevance(mode, chosen, opt)
		}
		if summary.Sufficient {
			break
		}
	}

	return e.writeAndGate(ctx, tok, rs, topic, summaries, opt)
}

// writeAndGate runs writer.compose → evaluator.evaluate, looping through
// refine_plan → parallel_search → writer whenever the evaluator returns
// revise and the revision cap has not been reached (spec.md §4.10
// pseudocode's goto writer).
func (e *Engine) writeAndGate(ctx context.Context, tok *cancelctl.Token, rs *runstate.RunState, topic string, summaries []runstate.EpochSummary, opt Options) error {
	for {
		if err := checkCancelled(tok); err != nil {
			return err
		}
		report, err := e.Writer.Compose(ctx, topic, summaries, rs.Sources())
		if err != nil {
			return fmt.Errorf("writer compose: %w", err)
		}
		rs.DraftReport = report

		metrics, verdict := e.Evaluator.Evaluate(ctx, report, rs.Plan, rs.Sources(), topic, rs.Revisions, opt.maxRevisions(), opt.EvaluatorOptions)
		rs.Quality = metrics
		rs.Verdict = verdict

		if verdict != runstate.VerdictRevise {
			rs.FinalReport = report
			return nil
		}
		if rs.Revisions >= opt.maxRevisions() {
			log.Warn().Int("revisions", rs.Revisions).Int("max_revisions", opt.maxRevisions()).Msg("revision cap reached; coercing verdict to pass")
			rs.Verdict = runstate.VerdictPass
			rs.FinalReport = report
			return nil
		}
		rs.Revisions++

		refined, err := e.Planner.Plan(ctx, planner.Request{
			Topic:           topic,
			PriorSummaries:  summaryTexts(summaries),
			PreviousQueries: issuedFromPlan(rs.Plan),
			N:               opt.queryNum(),
			RefineGaps:      metrics.Gaps,
		})
		if err != nil {
			log.Warn().Err(err).Msg("refine planning failed; retrying writer with existing evidence")
			continue
		}
		queries := make([]string, 0, len(refined))
		for _, q := range refined {
			q.IssuedEpoch = rs.Epoch
			queries = append(queries, q.Text)
			rs.Plan = append(rs.Plan, q)
		}
		results, err := e.Searcher.Search(ctx, tok, queries, orchestrator.Options{Profile: opt.Profile, MaxResults: opt.resultsPerQuery()})
		if err != nil {
			log.Warn().Err(err).Msg("refine search failed; retrying writer with existing evidence")
			continue
		}
		for _, s := range results {
			rs.AddSource(s)
		}
		if e.Hydrator != nil {
			e.Hydrator.Hydrate(ctx, tok, results, opt.HydrateOptions)
			for _, s := range results {
				if s.Hydrated {
					rs.UpdateSource(s)
				}
			}
		}
	}
}

func (e *Engine) finalizeAbort(ctx context.Context, rs *runstate.RunState, topic string, summaries []runstate.EpochSummary, reason string) error {
	log.Warn().Str("reason", reason).Msg("budget_exceeded")
	rs.Quality.BudgetExceeded = true
	rs.Verdict = runstate.VerdictAbort
	if e.Writer != nil {
		if report, err := e.Writer.Compose(ctx, topic, summaries, rs.Sources()); err == nil {
			rs.FinalReport = report
		}
	}
	return nil
}

func (e *Engine) checkpoint(ctx context.Context, rs *runstate.RunState, research []runstate.EpochRecord, issuedQueries []string) {
	if e.Checkpointer == nil {
		return
	}
	artifacts := runstate.Artifacts{
		ResearchTree:   append([]runstate.EpochRecord(nil), research...),
		QueriesIssued:  append([]string(nil), issuedQueries...),
		QualitySummary: rs.Quality,
	}
	rs.Artifacts = artifacts
	if err := e.Checkpointer.SaveArtifacts(ctx, rs.RunID, artifacts); err != nil {
		log.Warn().Err(err).Str("run_id", rs.RunID).Msg("checkpoint save failed; run continues without resume support")
	}
}

// exploreBranches implements tree mode: for each of the top branch-width
// sources, issues one follow-up query derived from its title, to bounded
// depth, merging newly discovered sources into the epoch's chosen set.
func (e *Engine) exploreBranches(ctx context.Context, tok *cancelctl.Token, topic string, roots []runstate.Source, selected map[string]struct{}, opt Options) []runstate.Source {
	branches := roots
	if len(branches) > opt.treeBranchWidth() {
		branches = branches[:opt.treeBranchWidth()]
	}
	out := append([]runstate.Source(nil), roots...)
	frontier := branches
	for depth := 0; depth < opt.maxTreeDepth() && len(frontier) > 0; depth++ {
		if err := checkCancelled(tok); err != nil {
			return out
		}
		var nextFrontier []runstate.Source
		for _, branch := range frontier {
			query := strings.TrimSpace(topic + " " + branch.Title)
			if branch.Title == "" {
				continue
			}
			results, err := e.Searcher.Search(ctx, tok, []string{query}, orchestrator.Options{Profile: opt.Profile, MaxResults: opt.resultsPerQuery()})
			if err != nil {
				continue
			}
			fresh := chooseNew(results, selected, opt.resultsPerQuery())
			for _, s := range fresh {
				selected[s.SourceID] = struct{}{}
			}
			out = append(out, fresh...)
			nextFrontier = append(nextFrontier, fresh...)
		}
		if len(nextFrontier) > opt.treeBranchWidth() {
			nextFrontier = nextFrontier[:opt.treeBranchWidth()]
		}
		frontier = nextFrontier
	}
	return out
}

func resolveInitialMode(requested Mode, topic string) Mode {
	switch requested {
	case ModeTree, ModeLinear:
		return requested
	default:
		if comparativeIntentRe.MatchString(topic) {
			return ModeTree
		}
		return ModeLinear
	}
}

func escalateIfHighRelevance(current Mode, epoch0 []runstate.Source, opt Options) Mode {
	if current == ModeTree {
		return current
	}
	high := 0
	for _, s := range epoch0 {
		if s.RelevanceScore >= opt.highRelevanceScore() {
			high++
		}
	}
	if high > opt.highRelevanceThreshold() {
		return ModeTree
	}
	return current
}

func chooseNew(results []runstate.Source, selected map[string]struct{}, k int) []runstate.Source {
	out := make([]runstate.Source, 0, k)
	for _, r := range results {
		if _, ok := selected[r.SourceID]; ok {
			continue
		}
		out = append(out, r)
		if len(out) >= k {
			break
		}
	}
	return out
}

func summaryTexts(summaries []runstate.EpochSummary) []string {
	out := make([]string, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s.Text)
	}
	return out
}

func issuedFromPlan(plan []runstate.SubQuery) []string {
	out := make([]string, 0, len(plan))
	for _, q := range plan {
		out = append(out, q.Text)
	}
	return out
}

func checkCancelled(tok *cancelctl.Token) error {
	if tok == nil {
		return nil
	}
	return cancelctl.MustCheckpoint(tok, cancelctl.AfterEpoch)
}

var errNoWriter = errors.New("deepsearch: writer not configured")

func (e *Engine) validate() error {
	if e.Writer == nil {
		return errNoWriter
	}
	if e.Evaluator == nil {
		return errors.New("deepsearch: evaluator not configured")
	}
	return nil
}

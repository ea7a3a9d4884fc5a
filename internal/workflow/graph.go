package workflow

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/weaver-run/weaver/internal/cancelctl"
	"github.com/weaver-run/weaver/internal/deepsearch"
	"github.com/weaver-run/weaver/internal/evaluator"
	"github.com/weaver-run/weaver/internal/hydrate"
	"github.com/weaver-run/weaver/internal/llm"
	"github.com/weaver-run/weaver/internal/orchestrator"
	"github.com/weaver-run/weaver/internal/planner"
	"github.com/weaver-run/weaver/internal/runstate"
)

// Node IDs for the Weaver graph (spec.md §4.11).
const (
	NodeRouter          = "router"
	NodeDirectAnswer    = "direct_answer"
	NodeWebPlan         = "web_plan"
	NodeRefinePlan      = "refine_plan"
	NodeParallelSearch  = "parallel_search"
	NodeWriter          = "writer"
	NodeEvaluator       = "evaluator"
	NodeDeepSearch      = "deepsearch"
	NodeClarify         = "clarify"
	NodeAgent           = "agent"
	NodeHumanReview     = "human_review"
)

// GraphState bundles the mutable run state with its cancellation token so
// graph nodes can thread both through a single generic state type.
type GraphState struct {
	RS  *runstate.RunState
	Tok *cancelctl.Token
}

// ClassifyResult is the router's mode decision.
type ClassifyResult struct {
	Mode       runstate.Mode
	Confidence float64
}

// Classifier maps free-form input to one of the five run modes.
type Classifier interface {
	Classify(ctx context.Context, input string) (ClassifyResult, error)
}

// EvaluatorAPI mirrors *evaluator.Evaluator.Evaluate, kept as a local
// interface so the graph can be built against a fake in tests.
type EvaluatorAPI interface {
	Evaluate(ctx context.Context, draft string, subQueries []runstate.SubQuery, sources []runstate.Source, topic string, revisions, maxRevisions int, opt evaluator.Options) (runstate.QualityMetrics, runstate.Verdict)
}

// DeepSearcher mirrors *deepsearch.Engine.Run.
type DeepSearcher interface {
	Run(ctx context.Context, tok *cancelctl.Token, rs *runstate.RunState, topic string, opt deepsearch.Options) error
}

// Deps wires the concrete components the Weaver graph drives. Searcher,
// Hydrator, Writer, Planner, and Checkpointer reuse deepsearch's exported
// interfaces directly rather than redeclaring them.
type Deps struct {
	Classifier   Classifier
	Planner      deepsearch.Planner
	Searcher     deepsearch.Searcher
	Hydrator     deepsearch.Hydrator
	Writer       deepsearch.Writer
	Evaluator    EvaluatorAPI
	DeepSearch   DeepSearcher
	Checkpointer deepsearch.Checkpointer

	SearchOptions     orchestrator.Options
	HydrateOptions    hydrate.Options
	EvaluatorOptions  evaluator.Options
	DeepSearchOptions deepsearch.Options
	PlanQueryCount    int
	MaxSteps          int
}

func (d Deps) planQueryCount() int {
	if d.PlanQueryCount <= 0 {
		return 5
	}
	return d.PlanQueryCount
}

func (d Deps) maxSteps() int {
	if d.MaxSteps <= 0 {
		return 40
	}
	return d.MaxSteps
}

// Build wires the fixed Weaver node set and transition table (spec.md
// §4.11) into a runnable Engine.
func Build(deps Deps) (*Engine[*GraphState], error) {
	e := New[*GraphState](Options{MaxSteps: deps.maxSteps()})

	if err := e.Add(NodeRouter, routerNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeDirectAnswer, directAnswerNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeWebPlan, webPlanNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeRefinePlan, refinePlanNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeParallelSearch, parallelSearchNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeWriter, writerNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeEvaluator, evaluatorNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeDeepSearch, deepSearchNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeClarify, clarifyNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeAgent, agentNode(deps)); err != nil {
		return nil, err
	}
	if err := e.Add(NodeHumanReview, humanReviewNode()); err != nil {
		return nil, err
	}
	if err := e.StartAt(NodeRouter); err != nil {
		return nil, err
	}
	return e, nil
}

// routerNode is an override-aware mode decision (spec.md §4.11): an
// explicit mode set by the caller before Run is honored at confidence 1.0;
// otherwise the classifier runs, with low-confidence results (<0.5)
// defaulting to web.
func routerNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		if rs.Mode == "" {
			result, err := classify(ctx, deps.Classifier, rs.Input)
			if err != nil {
				log.Warn().Err(err).Msg("router classification failed, defaulting to web")
				result = ClassifyResult{Mode: runstate.ModeWeb, Confidence: 1.0}
			}
			if result.Confidence < 0.5 {
				result.Mode = runstate.ModeWeb
			}
			rs.Mode = result.Mode
		}
		switch rs.Mode {
		case runstate.ModeDirect:
			return Goto(NodeDirectAnswer), nil
		case runstate.ModeAgent:
			return Goto(NodeAgent), nil
		case runstate.ModeDeep:
			return Goto(NodeDeepSearch), nil
		case runstate.ModeClarify:
			return Goto(NodeClarify), nil
		default:
			return Goto(NodeWebPlan), nil
		}
	}
}

func classify(ctx context.Context, c Classifier, input string) (ClassifyResult, error) {
	if c == nil {
		return fallbackClassify(input), nil
	}
	return c.Classify(ctx, input)
}

var (
	deepIntentRe   = regexp.MustCompile(`(?i)\b(deep dive|thorough|comprehensive|in depth|multi[- ]step research)\b`)
	agentIntentRe  = regexp.MustCompile(`(?i)\b(run|execute|fetch|download|automate|script)\b`)
	directIntentRe = regexp.MustCompile(`(?i)^(what is|define|who is|convert|calculate)\b`)
)

// fallbackClassify is the deterministic classifier used when no LLM client
// is configured, mirroring planner.FallbackPlanner's keyword-driven style.
func fallbackClassify(input string) ClassifyResult {
	switch {
	case deepIntentRe.MatchString(input):
		return ClassifyResult{Mode: runstate.ModeDeep, Confidence: 0.8}
	case agentIntentRe.MatchString(input):
		return ClassifyResult{Mode: runstate.ModeAgent, Confidence: 0.7}
	case directIntentRe.MatchString(input):
		return ClassifyResult{Mode: runstate.ModeDirect, Confidence: 0.7}
	default:
		return ClassifyResult{Mode: runstate.ModeWeb, Confidence: 0.6}
	}
}

// LLMClassifier classifies free-form input into a run mode via a single
// JSON-contract chat completion, grounded on planner.LLMPlanner's prompting
// style (temperature 0, one call, strict fallback on any failure).
type LLMClassifier struct {
	Client llm.Client
	Model  string
}

type llmClassification struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
}

func (c *LLMClassifier) Classify(ctx context.Context, input string) (ClassifyResult, error) {
	if c.Client == nil {
		return fallbackClassify(input), nil
	}
	resp, err := c.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.Model,
		Temperature: 0,
		N:           1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: input},
		},
	})
	if err != nil || len(resp.Choices) == 0 {
		return fallbackClassify(input), nil
	}
	var parsed llmClassification
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return fallbackClassify(input), nil
	}
	mode := runstate.ParseMode(parsed.Mode)
	return ClassifyResult{Mode: mode, Confidence: parsed.Confidence}, nil
}

const classifierSystemPrompt = `Classify the user's request into exactly one mode and reply with JSON only:
{"mode": "direct|web|agent|deep|clarify", "confidence": 0.0-1.0}
- direct: answerable from general knowledge, no search needed.
- web: needs a handful of current web results.
- agent: needs a concrete action (fetch a URL, run a calculation, automate a task).
- deep: needs iterative multi-angle research and a cited report.
- clarify: the request is too ambiguous to proceed without more detail.`

func directAnswerNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		text, err := deps.Writer.Compose(ctx, rs.Input, nil, nil)
		if err != nil {
			log.Warn().Err(err).Msg("direct answer compose failed")
			text = ""
		}
		rs.FinalReport = text
		rs.Verdict = runstate.VerdictPass
		return Goto(NodeHumanReview), nil
	}
}

func webPlanNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		queries, err := deps.Planner.Plan(ctx, planner.Request{Topic: rs.Input, N: deps.planQueryCount()})
		if err != nil {
			log.Warn().Err(err).Msg("web_plan planning failed, using topic as sole query")
			queries = []runstate.SubQuery{{Text: rs.Input, Dimension: runstate.DimensionDefinitional}}
		}
		rs.Plan = append(rs.Plan, queries...)
		return Goto(NodeParallelSearch), nil
	}
}

func refinePlanNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		req := planner.Request{
			Topic:           rs.Input,
			PriorSummaries:  summaryTexts(rs.Summaries),
			PreviousQueries: issuedQueryTexts(rs.Plan),
			RefineGaps:      rs.Quality.Gaps,
			N:               deps.planQueryCount(),
		}
		queries, err := deps.Planner.Plan(ctx, req)
		if err != nil {
			log.Warn().Err(err).Msg("refine_plan planning failed")
			queries = nil
		}
		rs.Plan = append(rs.Plan, queries...)
		return Goto(NodeParallelSearch), nil
	}
}

func parallelSearchNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		var queries []string
		for i := range rs.Plan {
			if rs.Plan[i].Status == runstate.SubQueryDone {
				continue
			}
			queries = append(queries, rs.Plan[i].Text)
			rs.Plan[i].Status = runstate.SubQueryDone
		}
		if len(queries) == 0 {
			return Goto(NodeWriter), nil
		}
		results, err := deps.Searcher.Search(ctx, g.Tok, queries, deps.SearchOptions)
		if err != nil {
			log.Warn().Err(err).Msg("parallel_search failed")
			return Goto(NodeWriter), nil
		}
		for _, s := range results {
			rs.AddSource(s)
		}
		if deps.Hydrator != nil {
			snapshot := rs.Sources()
			deps.Hydrator.Hydrate(ctx, g.Tok, snapshot, deps.HydrateOptions)
			for _, s := range snapshot {
				if s.Hydrated {
					rs.UpdateSource(s)
				}
			}
		}
		return Goto(NodeWriter), nil
	}
}

func writerNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		draft, err := deps.Writer.Compose(ctx, rs.Input, rs.Summaries, rs.Sources())
		if err != nil {
			log.Warn().Err(err).Msg("writer compose failed")
		}
		rs.DraftReport = draft
		if deps.Evaluator == nil {
			rs.FinalReport = draft
			return Goto(NodeHumanReview), nil
		}
		return Goto(NodeEvaluator), nil
	}
}

func evaluatorNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		metrics, verdict := deps.Evaluator.Evaluate(ctx, rs.DraftReport, rs.Plan, rs.Sources(), rs.Input, rs.Revisions, rs.MaxRevisions, deps.EvaluatorOptions)
		rs.Quality = metrics
		rs.Verdict = verdict
		if verdict == runstate.VerdictRevise && rs.RevisionAllowed() {
			rs.Revisions++
			return Goto(NodeRefinePlan), nil
		}
		rs.FinalReport = rs.DraftReport
		return Goto(NodeHumanReview), nil
	}
}

func deepSearchNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		if err := deps.DeepSearch.Run(ctx, g.Tok, rs, rs.Input, deps.DeepSearchOptions); err != nil {
			return Next{}, err
		}
		return Goto(NodeHumanReview), nil
	}
}

// agentNode skips the planner loop entirely and issues the raw input as a
// single search, per the agent-mode decision recorded in DESIGN.md.
func agentNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		results, err := deps.Searcher.Search(ctx, g.Tok, []string{rs.Input}, deps.SearchOptions)
		if err != nil {
			log.Warn().Err(err).Msg("agent search failed")
		}
		for _, s := range results {
			rs.AddSource(s)
		}
		draft, err := deps.Writer.Compose(ctx, rs.Input, nil, rs.Sources())
		if err != nil {
			log.Warn().Err(err).Msg("agent compose failed")
		}
		rs.FinalReport = draft
		rs.Verdict = runstate.VerdictPass
		return Goto(NodeHumanReview), nil
	}
}

// clarifyNode appends a clarifying question to the transcript. If the run
// already carries a user reply (a resumed run with the clarification
// appended to Messages), it proceeds straight to planning; otherwise it
// appends the question and waits at human_review for that reply.
func clarifyNode(deps Deps) NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		for _, m := range rs.Messages {
			if m.Role == "user" {
				return Goto(NodeWebPlan), nil
			}
		}
		rs.Messages = append(rs.Messages, runstate.Message{
			Role:    "assistant",
			Content: "Could you clarify what you'd like researched? " + rs.Input,
		})
		return Goto(NodeHumanReview), nil
	}
}

func humanReviewNode() NodeFunc[*GraphState] {
	return func(ctx context.Context, g *GraphState) (Next, error) {
		rs := g.RS
		if rs.Verdict == runstate.VerdictPending && rs.FinalReport != "" {
			rs.Verdict = runstate.VerdictPass
		}
		return Stop(), nil
	}
}

func summaryTexts(summaries []runstate.EpochSummary) []string {
	out := make([]string, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, s.Text)
	}
	return out
}

func issuedQueryTexts(plan []runstate.SubQuery) []string {
	out := make([]string, 0, len(plan))
	for _, q := range plan {
		out = append(out, q.Text)
	}
	return out
}

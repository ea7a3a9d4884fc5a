// Command weaver runs the deep-research orchestrator end to end: it wires
// the search, hydration, claim-verification, and writing stages into a
// WorkflowGraph, starts one run through a RunController, and streams its
// events to the console. Grounded on the teacher's cmd/goresearch/main.go
// top-level flow (flag parsing, zerolog console setup, config precedence,
// final report write), generalized from a single synchronous pipeline call
// into a RunController-driven async run.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	openai "github.com/sashabaranov/go-openai"
	flag "github.com/spf13/pflag"

	"github.com/weaver-run/weaver/internal/brief"
	"github.com/weaver-run/weaver/internal/cache"
	"github.com/weaver-run/weaver/internal/cancelctl"
	"github.com/weaver-run/weaver/internal/checkpoint"
	"github.com/weaver-run/weaver/internal/claimverifier"
	"github.com/weaver-run/weaver/internal/deepsearch"
	"github.com/weaver-run/weaver/internal/evaluator"
	"github.com/weaver-run/weaver/internal/eventbus"
	"github.com/weaver-run/weaver/internal/fetch"
	"github.com/weaver-run/weaver/internal/hydrate"
	"github.com/weaver-run/weaver/internal/llm"
	"github.com/weaver-run/weaver/internal/orchestrator"
	"github.com/weaver-run/weaver/internal/planner"
	"github.com/weaver-run/weaver/internal/report"
	"github.com/weaver-run/weaver/internal/reliability"
	"github.com/weaver-run/weaver/internal/robots"
	"github.com/weaver-run/weaver/internal/runcontroller"
	"github.com/weaver-run/weaver/internal/runstate"
	"github.com/weaver-run/weaver/internal/search"
	"github.com/weaver-run/weaver/internal/searchcache"
	"github.com/weaver-run/weaver/internal/sourceregistry"
	"github.com/weaver-run/weaver/internal/summarizer"
	"github.com/weaver-run/weaver/internal/workflow"
	"github.com/weaver-run/weaver/internal/writer"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := defaultConfig()

	var configPath string
	var briefPath string
	var durationFlag string

	flag.StringVar(&cfg.Mode, "mode", cfg.Mode, "run mode override: direct, web, agent, deep, clarify (empty: auto-route)")
	flag.StringVar(&cfg.Model, "model", cfg.Model, "chat model name")
	flag.StringVar(&cfg.UserID, "user-id", cfg.UserID, "opaque user identifier propagated to providers")
	flag.StringVar(&cfg.DeepSearchMode, "deepsearch-mode", cfg.DeepSearchMode, "deep search exploration shape: linear, tree, auto")
	flag.StringVar(&cfg.ReportProfile, "report-profile", cfg.ReportProfile, "report outline profile: imrad, decision, literature, default")
	flag.StringVar(&cfg.SearxURL, "searx-url", cfg.SearxURL, "SearxNG base URL")
	flag.StringVar(&cfg.SearxKey, "searx-key", cfg.SearxKey, "SearxNG API key")
	flag.StringVar(&cfg.LLMBaseURL, "llm-base-url", cfg.LLMBaseURL, "OpenAI-compatible chat endpoint")
	flag.StringVar(&cfg.LLMModel, "llm-model", cfg.LLMModel, "model name for all LLM-bearing stages")
	flag.StringVar(&cfg.LLMAPIKey, "llm-api-key", cfg.LLMAPIKey, "API key for the chat endpoint")
	flag.IntVar(&cfg.MaxEpochs, "max-epochs", cfg.MaxEpochs, "maximum deep-search epochs (unset: 3; 0 aborts the deep branch immediately with an empty summary)")
	flag.IntVar(&cfg.MaxRevisions, "max-revisions", cfg.MaxRevisions, "maximum writer revise-and-retry passes (unset: 2; 0 coerces a revise verdict to pass with a warning)")
	flag.IntVar(&cfg.TokensCap, "tokens-cap", cfg.TokensCap, "run-wide token budget (0: unbounded)")
	flag.StringVar(&durationFlag, "seconds-cap", "", "run-wide wall-clock budget, e.g. 5m (0 or empty: unbounded)")
	flag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "directory for the on-disk LLM/HTTP cache")
	flag.DurationVar(&cfg.CacheMaxAge, "cache-max-age", cfg.CacheMaxAge, "max age of a cached HTTP/LLM entry before it is treated as a miss (0: never expires)")
	flag.StringVar(&cfg.Output, "out", cfg.Output, "path to write the final Markdown report")
	flag.BoolVar(&cfg.RenderPDF, "pdf", cfg.RenderPDF, "also render the report to PDF")
	flag.StringVar(&cfg.OutputPDF, "out-pdf", cfg.OutputPDF, "PDF output path (defaults to -out with .pdf extension)")
	flag.StringVar(&cfg.DBURL, "db-url", cfg.DBURL, "postgres DSN for durable checkpoints (empty: in-memory)")
	flag.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable debug logging")
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.StringVar(&briefPath, "brief", "", "optional Markdown brief file; overrides the positional topic")
	flag.Parse()

	// The built-in cache dir applies only after env and file had their turn.
	if !flag.CommandLine.Changed("cache-dir") {
		cfg.CacheDir = ""
	}
	ApplyEnv(&cfg)
	if configPath != "" {
		if err := LoadConfigFile(&cfg, configPath); err != nil {
			fmt.Fprintf(os.Stderr, "weaver: loading config file: %v\n", err)
			return 1
		}
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultConfig().CacheDir
	}
	if durationFlag != "" {
		secs, err := parseDurationSeconds(durationFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "weaver: invalid -seconds-cap: %v\n", err)
			return 1
		}
		cfg.SecondsCap = secs
	}

	topic, reportTypeHint, err := resolveTopic(flag.Args(), briefPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "weaver: %v\n", err)
		return 1
	}
	cfg.Input = topic
	if cfg.ReportProfile == "" {
		cfg.ReportProfile = reportTypeHint
	}

	if err := Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "weaver: %v\n", err)
		return 1
	}

	setupLogging(cfg.Verbose)

	ctrl, cleanup, err := buildController(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to build dependency graph")
		return 1
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, events := ctrl.StartRun(ctx, cfg.Input, startOptionsFrom(cfg))
	log.Info().Str("run_id", runID).Msg("run started")

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("researching"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
	)

	var detail runcontroller.RunDetail
	for ev := range events {
		switch ev.Kind {
		case eventbus.KindStatus:
			bar.Describe(fmt.Sprintf("researching: %v", ev.Payload["status"]))
		case eventbus.KindError:
			color.Red("run error: %v", ev.Payload["error"])
		case eventbus.KindCancelled:
			color.Yellow("run cancelled")
		case eventbus.KindCompletion:
			bar.Finish()
		}
		_ = bar.Add(1)
	}

	detail, err = ctrl.GetRun(runID)
	if err != nil {
		log.Error().Err(err).Msg("could not load finished run")
		return 1
	}
	if detail.Status != runcontroller.StatusDone {
		color.Red("run ended with status %s", detail.Status)
		return 1
	}

	if err := os.WriteFile(cfg.Output, []byte(detail.FinalReport), 0o644); err != nil {
		log.Error().Err(err).Msg("failed to write report")
		return 1
	}
	color.Green("report written to %s", cfg.Output)

	if cfg.RenderPDF {
		pdfPath := cfg.OutputPDF
		if pdfPath == "" {
			pdfPath = swapExt(cfg.Output, ".pdf")
		}
		if err := report.RenderPDF(detail.FinalReport, pdfPath); err != nil {
			log.Error().Err(err).Msg("failed to render PDF")
			return 1
		}
		color.Green("pdf written to %s", pdfPath)
	}
	return 0
}

// resolveTopic returns the research topic and, if the input came from a
// brief carrying a "Type:" line, the report type hint it named.
func resolveTopic(args []string, briefPath string) (topic string, reportTypeHint string, err error) {
	if briefPath != "" {
		b, err := os.ReadFile(briefPath)
		if err != nil {
			return "", "", fmt.Errorf("reading brief: %w", err)
		}
		parsed := brief.ParseBrief(string(b))
		if parsed.Topic == "" {
			return "", "", fmt.Errorf("brief %s did not yield a topic", briefPath)
		}
		return parsed.Topic, parsed.ReportTypeHint, nil
	}
	if len(args) == 0 {
		return "", "", fmt.Errorf("usage: weaver [flags] <topic>")
	}
	return args[0], "", nil
}

func swapExt(path, ext string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[:i] + ext
		}
	}
	return path + ext
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

func startOptionsFrom(cfg Config) runcontroller.StartOptions {
	mode := runstate.Mode("")
	if cfg.Mode != "" {
		mode = runstate.ParseMode(cfg.Mode)
	}
	return runcontroller.StartOptions{
		Mode:           mode,
		Model:          cfg.Model,
		UserID:         cfg.UserID,
		DeepSearchMode: cfg.DeepSearchMode,
		MaxEpochs:      optionalInt(cfg.MaxEpochs),
		MaxRevisions:   optionalInt(cfg.MaxRevisions),
		TokensCap:      cfg.TokensCap,
		SecondsCap:     cfg.SecondsCap,
	}
}

// buildController wires the full dependency graph described in SPEC_FULL.md
// §4: search providers through the orchestrator, hydration, claim
// verification, the writer/summarizer LLM stages, and the workflow graph,
// returning a ready Controller plus a cleanup func for open resources.
func buildController(cfg Config) (*runcontroller.Controller, func(), error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	llmClient, err := buildLLMClient(cfg)
	if err != nil {
		return nil, func() {}, err
	}

	llmCache := &cache.LLMCache{Dir: cfg.CacheDir + "/llm", MaxAge: cfg.CacheMaxAge}
	httpCache := &cache.HTTPCache{Dir: cfg.CacheDir + "/http", MaxAge: cfg.CacheMaxAge}

	searxProvider := &search.SearxNG{BaseURL: cfg.SearxURL, APIKey: cfg.SearxKey, HTTPClient: httpClient, UserAgent: "weaver/1.0"}
	providers := map[string]search.Provider{"searxng": searxProvider}
	profiles := map[string][]string{"default": {"searxng"}}

	reliableMgr := reliability.NewManager(reliability.DefaultPolicy())
	sources := sourceregistry.New()
	sCache := searchcache.New(2048, 10*time.Minute)
	orch := orchestrator.New(providers, profiles, reliableMgr, sources, sCache)

	fetcher := &fetch.Client{HTTPClient: httpClient, UserAgent: "weaver/1.0", MaxAttempts: 3, PerRequestTimeout: 15 * time.Second, Cache: httpCache}
	robotsMgr := &robots.Manager{HTTPClient: httpClient, Cache: httpCache, UserAgent: "weaver/1.0", EntryExpiry: time.Hour}
	hydrator := hydrate.New(fetcher, robotsMgr, nil)

	verifier := &claimverifier.Verifier{Client: llmClient, Model: cfg.LLMModel, Cache: llmCache}
	eval := &evaluator.Evaluator{Verifier: verifier}

	llmPlanner := &planner.LLMPlanner{Client: llmClient, Model: cfg.LLMModel, Cache: llmCache}
	reportWriter := &writer.Writer{Client: llmClient, Model: cfg.LLMModel, Cache: llmCache, ReportProfile: cfg.ReportProfile}
	epochSummarizer := &summarizer.Summarizer{Client: llmClient, Model: cfg.LLMModel, Cache: llmCache}
	classifier := &workflow.LLMClassifier{Client: llmClient, Model: cfg.LLMModel}

	var ckpt checkpoint.Checkpointer
	var db *sql.DB
	if cfg.DBURL != "" {
		db, err = sql.Open("postgres", cfg.DBURL)
		if err != nil {
			return nil, func() {}, fmt.Errorf("opening checkpoint database: %w", err)
		}
		if _, err := db.ExecContext(context.Background(), checkpoint.EnsureSchema); err != nil {
			db.Close()
			return nil, func() {}, fmt.Errorf("preparing checkpoint schema: %w", err)
		}
		ckpt = checkpoint.NewRelational(db)
	} else {
		ckpt = checkpoint.NewMemory()
	}

	deepEngine := &deepsearch.Engine{
		Planner:      llmPlanner,
		Searcher:     orch,
		Hydrator:     hydrator,
		Summarizer:   epochSummarizer,
		Writer:       reportWriter,
		Evaluator:    eval,
		Checkpointer: ckpt,
	}

	deps := workflow.Deps{
		Classifier:   classifier,
		Planner:      llmPlanner,
		Searcher:     orch,
		Hydrator:     hydrator,
		Writer:       reportWriter,
		Evaluator:    eval,
		DeepSearch:   deepEngine,
		Checkpointer: ckpt,
		DeepSearchOptions: deepsearch.Options{
			MaxEpochs:    optionalInt(cfg.MaxEpochs),
			MaxRevisions: optionalInt(cfg.MaxRevisions),
			Mode:         deepsearch.Mode(cfg.DeepSearchMode),
			Profile:      "default",
		},
	}

	graph, err := workflow.Build(deps)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, func() {}, fmt.Errorf("building workflow graph: %w", err)
	}

	bus := eventbus.New(eventbus.Options{BufferSize: 64})
	cancelReg := cancelctl.NewRegistry()
	ctrl := runcontroller.New(graph, bus, cancelReg, ckpt)

	cleanup := func() {
		if db != nil {
			db.Close()
		}
	}
	return ctrl, cleanup, nil
}

func buildLLMClient(cfg Config) (llm.Client, error) {
	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("llm-api-key is required (or set LLM_API_KEY)")
	}
	occfg := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		occfg.BaseURL = cfg.LLMBaseURL
	}
	return &llm.OpenAIProvider{Inner: openai.NewClientWithConfig(occfg)}, nil
}

// Package runcontroller implements the RunController (spec.md §4.14): the
// top-level façade that allocates a run ID and cancel token, initializes
// RunState, drives the WorkflowGraph to completion, emits events, and
// returns the final report. Grounded on the teacher's internal/app.Run
// top-level pipeline, generalized from a single synchronous call into an
// async run with its own event stream, cancel, and resume operations
// (spec.md §6).
package runcontroller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/weaver-run/weaver/internal/cancelctl"
	"github.com/weaver-run/weaver/internal/checkpoint"
	"github.com/weaver-run/weaver/internal/eventbus"
	"github.com/weaver-run/weaver/internal/runstate"
	"github.com/weaver-run/weaver/internal/workflow"
)

// ErrNotFound is returned by CancelRun/ResumeRun/GetRun for an unknown run ID.
var ErrNotFound = errors.New("runcontroller: run not found")

// Status is the operational lifecycle of a run, tracked alongside (not
// inside) RunState, which only models workflow-internal data.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// StartOptions mirrors spec.md §6's start_run options. MaxEpochs/
// MaxRevisions are pointers so a nil value (the zero value of
// StartOptions) means "unset, use the default" while a pointer to 0
// expresses the spec's explicit-0 boundary behaviors.
type StartOptions struct {
	Mode           runstate.Mode // empty: router classifies
	Model          string
	AgentID        string
	UserID         string
	Images         []string
	DeepSearchMode string
	MaxEpochs      *int
	MaxRevisions   *int
	TokensCap      int
	SecondsCap     float64
}

// RunSummary is the list_runs projection.
type RunSummary struct {
	RunID     string
	Mode      runstate.Mode
	Status    Status
	StartedAt time.Time
}

// RunDetail is the get_run projection.
type RunDetail struct {
	RunSummary
	FinalReport string
	Quality     runstate.QualityMetrics
	Verdict     runstate.Verdict
	Epoch       int
	Revisions   int
}

type runEntry struct {
	mu        sync.Mutex
	rs        *runstate.RunState
	tok       *cancelctl.Token
	status    Status
	startedAt time.Time
}

// Controller binds the WorkflowGraph, EventBus, CancellationRegistry, and
// Checkpointer into the run lifecycle operations of spec.md §6.
type Controller struct {
	Graph        *workflow.Engine[*workflow.GraphState]
	Bus          *eventbus.Bus
	Cancel       *cancelctl.Registry
	Checkpointer checkpoint.Checkpointer

	mu   sync.Mutex
	runs map[string]*runEntry
}

// New constructs a Controller. graph must already be built via workflow.Build.
func New(graph *workflow.Engine[*workflow.GraphState], bus *eventbus.Bus, cancel *cancelctl.Registry, ckpt checkpoint.Checkpointer) *Controller {
	return &Controller{
		Graph:        graph,
		Bus:          bus,
		Cancel:       cancel,
		Checkpointer: ckpt,
		runs:         make(map[string]*runEntry),
	}
}

// maxEpochs and maxRevisions treat nil as "unset" so an explicit 0
// (spec.md §8's boundary behaviors) survives into RunState instead of
// being silently promoted to the default.
func (o StartOptions) maxEpochs() int {
	if o.MaxEpochs == nil {
		return 3
	}
	return *o.MaxEpochs
}

func (o StartOptions) maxRevisions() int {
	if o.MaxRevisions == nil {
		return 2
	}
	return *o.MaxRevisions
}

// StartRun allocates a run ID and cancel token, initializes RunState, and
// drives the graph to completion in the background, returning the run ID
// and an ordered event stream immediately (spec.md §6's start_run).
func (c *Controller) StartRun(ctx context.Context, input string, opts StartOptions) (string, <-chan eventbus.Event) {
	runID := uuid.NewString()
	tok := c.Cancel.Issue(ctx, runID)

	rs := runstate.New(runID, input, opts.Mode, opts.maxEpochs(), opts.maxRevisions())
	rs.CancelTokenID = runID
	rs.Budget.TokensCap = opts.TokensCap
	rs.Budget.SecondsCap = opts.SecondsCap
	rs.Budget.StartClock()

	entry := &runEntry{rs: rs, tok: tok, status: StatusRunning, startedAt: time.Now()}
	c.mu.Lock()
	c.runs[runID] = entry
	c.mu.Unlock()

	ch, _ := c.Bus.Subscribe(runID)
	go c.drive(entry)
	return runID, ch
}

// CancelRun requests cooperative cancellation of a running run (spec.md
// §6's cancel_run). Cancelling a completed run is a no-op.
func (c *Controller) CancelRun(runID, reason string) error {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	entry.mu.Lock()
	done := entry.status != StatusRunning
	entry.mu.Unlock()
	if done {
		return nil
	}
	c.Cancel.Cancel(runID, reason)
	return nil
}

// ResumeRun reloads the latest checkpoint for runID and drives the graph
// again with the checkpointed artifacts (spec.md §6's resume_run). The graph
// runs from its entry node: the checkpoint's NodeID is not used to skip
// nodes that already ran, and the run's original input and options are not
// restored (RunState starts with an empty input and the default caps).
// Requires a configured checkpointer; resumeMessage (e.g. a clarification
// reply) is appended as a user message before the graph runs.
func (c *Controller) ResumeRun(ctx context.Context, runID string, resumeMessage string) (<-chan eventbus.Event, error) {
	if c.Checkpointer == nil {
		return nil, errors.New("runcontroller: resume requires a configured checkpointer")
	}
	rec, err := c.Checkpointer.LoadLatest(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rs := runstate.New(runID, "", runstate.Mode(""), 3, 2)
	rs.Artifacts = rec.Artifacts
	if resumeMessage != "" {
		rs.Messages = append(rs.Messages, runstate.Message{Role: "user", Content: resumeMessage})
	}

	tok := c.Cancel.Issue(ctx, runID)
	entry := &runEntry{rs: rs, tok: tok, status: StatusRunning, startedAt: time.Now()}
	c.mu.Lock()
	c.runs[runID] = entry
	c.mu.Unlock()

	ch, _ := c.Bus.Subscribe(runID)
	go c.drive(entry)
	return ch, nil
}

// ListRuns returns a summary of every run this Controller has started,
// including completed ones still held in memory.
func (c *Controller) ListRuns() []RunSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RunSummary, 0, len(c.runs))
	for _, e := range c.runs {
		e.mu.Lock()
		out = append(out, RunSummary{RunID: e.rs.RunID, Mode: e.rs.Mode, Status: e.status, StartedAt: e.startedAt})
		e.mu.Unlock()
	}
	return out
}

// GetRun returns the full detail for one run.
func (c *Controller) GetRun(runID string) (RunDetail, error) {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	c.mu.Unlock()
	if !ok {
		return RunDetail{}, ErrNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return RunDetail{
		RunSummary: RunSummary{RunID: entry.rs.RunID, Mode: entry.rs.Mode, Status: entry.status, StartedAt: entry.startedAt},
		FinalReport: entry.rs.FinalReport,
		Quality:     entry.rs.Quality,
		Verdict:     entry.rs.Verdict,
		Epoch:       entry.rs.Epoch,
		Revisions:   entry.rs.Revisions,
	}, nil
}

// drive runs one entry's graph to completion, publishing lifecycle events
// and firing cleanup on every exit path including a panic inside a node
// (spec.md §4.14).
func (c *Controller) drive(entry *runEntry) {
	runID := entry.rs.RunID
	defer c.Cancel.Complete(runID)

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("run_id", runID).Interface("panic", r).Msg("runcontroller: recovered panic in run")
			c.finish(entry, StatusError)
			c.Bus.Publish(runID, eventbus.KindError, "", map[string]any{"error": fmt.Sprintf("%v", r)})
			c.Bus.Publish(runID, eventbus.KindDone, "", nil)
			c.Bus.Close(runID)
		}
	}()

	c.Bus.Publish(runID, eventbus.KindStatus, "", map[string]any{"status": string(StatusRunning)})

	gs := &workflow.GraphState{RS: entry.rs, Tok: entry.tok}
	err := c.Graph.Run(entry.tok.Context(), runID, gs)

	if c.Checkpointer != nil {
		if cerr := c.Checkpointer.SaveArtifacts(context.Background(), runID, entry.rs.Artifacts); cerr != nil {
			log.Warn().Str("run_id", runID).Err(cerr).Msg("runcontroller: checkpoint save failed")
		}
	}

	switch {
	case errors.Is(err, context.Canceled):
		c.finish(entry, StatusCancelled)
		c.Bus.Publish(runID, eventbus.KindCancelled, "", nil)
	case err != nil:
		log.Warn().Str("run_id", runID).Err(err).Msg("runcontroller: run ended with error")
		c.finish(entry, StatusError)
		c.Bus.Publish(runID, eventbus.KindError, "", map[string]any{"error": err.Error()})
	default:
		c.finish(entry, StatusDone)
		c.Bus.Publish(runID, eventbus.KindCompletion, "", map[string]any{"final_report": entry.rs.FinalReport})
	}
	c.Bus.Publish(runID, eventbus.KindDone, "", nil)
	c.Bus.Close(runID)
}

func (c *Controller) finish(entry *runEntry, status Status) {
	entry.mu.Lock()
	entry.status = status
	entry.mu.Unlock()
}

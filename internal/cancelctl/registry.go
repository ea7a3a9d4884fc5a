// Package cancelctl implements the CancellationRegistry (spec.md §4.1):
// per-run tokens, cooperative cancellation, and exactly-once cleanup.
package cancelctl

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Checkpoint names nodes must poll at minimum (spec.md §4.1).
type Checkpoint string

const (
	BeforeLLMCall Checkpoint = "before_llm_call"
	AfterSearch   Checkpoint = "after_search"
	BeforeWrite   Checkpoint = "before_write"
	AfterEpoch    Checkpoint = "after_epoch"
)

// State is the observable lifecycle of a token.
type State string

const (
	Running    State = "running"
	Cancelling State = "cancelling"
	Cancelled  State = "cancelled"
)

// Token is issued per run and threaded through every node and goroutine that
// needs to observe cancellation.
type Token struct {
	RunID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Context returns a context.Context bound to this token's lifetime, suitable
// for passing directly to outbound I/O so deadlines/cancel propagate.
func (t *Token) Context() context.Context { return t.ctx }

// Done returns a channel closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

type tokenEntry struct {
	token    *Token
	reason   string
	state    State
	cleanups []func()
	mu       sync.Mutex
	fired    bool
}

// Registry issues and tracks tokens for concurrently running runs.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*tokenEntry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*tokenEntry)}
}

// Issue creates a new Token for a run ID, deriving its context from parent.
func (r *Registry) Issue(parent context.Context, runID string) *Token {
	ctx, cancel := context.WithCancel(parent)
	tok := &Token{RunID: runID, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.entries[runID] = &tokenEntry{token: tok, state: Running}
	r.mu.Unlock()
	return tok
}

// Cancel marks a run cancelling, invokes the context's CancelFunc, and fires
// cleanup callbacks exactly once. Cancelling an unknown run is a no-op,
// logged per spec.md §4.1.
func (r *Registry) Cancel(runID string, reason string) {
	r.mu.Lock()
	e, ok := r.entries[runID]
	r.mu.Unlock()
	if !ok {
		log.Warn().Str("run_id", runID).Str("reason", reason).Msg("cancel requested for unknown run")
		return
	}

	e.mu.Lock()
	if e.state == Cancelled {
		e.mu.Unlock()
		return
	}
	e.state = Cancelling
	e.reason = reason
	e.mu.Unlock()

	e.token.cancel()
	r.fireCleanups(e)
}

// Complete marks a run finished (whether by success, abort, or cancellation)
// and fires cleanup callbacks exactly once if they have not already fired.
func (r *Registry) Complete(runID string) {
	r.mu.Lock()
	e, ok := r.entries[runID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.fireCleanups(e)
	r.mu.Lock()
	delete(r.entries, runID)
	r.mu.Unlock()
}

func (r *Registry) fireCleanups(e *tokenEntry) {
	e.mu.Lock()
	if e.fired {
		e.mu.Unlock()
		return
	}
	e.fired = true
	e.state = Cancelled
	cbs := e.cleanups
	e.cleanups = nil
	e.mu.Unlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Interface("panic", rec).Msg("cleanup callback panicked")
				}
			}()
			cb()
		}()
	}
}

// Check returns the current observable state for a token.
func (r *Registry) Check(tok *Token) State {
	r.mu.Lock()
	e, ok := r.entries[tok.RunID]
	r.mu.Unlock()
	if !ok {
		return Cancelled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RegisterCleanup attaches a callback invoked exactly once, on cancel or on
// Complete, whichever happens first.
func (r *Registry) RegisterCleanup(tok *Token, fn func()) {
	r.mu.Lock()
	e, ok := r.entries[tok.RunID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired {
		// Already terminal; invoke immediately so the contract ("exactly once")
		// still holds for latecomers.
		go fn()
		return
	}
	e.cleanups = append(e.cleanups, fn)
}

// MustCheckpoint is a convenience for node bodies: it returns a non-nil error
// if the token has been cancelled, naming the checkpoint for diagnostics.
func MustCheckpoint(tok *Token, cp Checkpoint) error {
	select {
	case <-tok.Done():
		return &CancelledError{Checkpoint: cp}
	default:
		return nil
	}
}

// CancelledError is returned when a checkpoint observes cancellation.
type CancelledError struct {
	Checkpoint Checkpoint
}

func (e *CancelledError) Error() string {
	return "cancelled at checkpoint " + string(e.Checkpoint)
}

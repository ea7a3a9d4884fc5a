// Package checkpoint implements the Checkpointer (spec.md §4.13):
// RunState persistence at node and deep-search epoch boundaries, with a
// pluggable in-memory or relational backend. Writes are atomic per
// checkpoint; resume reads the latest checkpoint for a run ID. Grounded on
// the teacher's internal/cache disk-JSON persistence pattern for the memory
// tier's shape, and on jordigilh-kubernaut's database/sql + lib/pq stack
// (present in its go.mod) for the relational tier.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/weaver-run/weaver/internal/runstate"
)

// ErrNotFound is returned by LoadLatest for an unknown run ID (spec.md
// §4.13).
var ErrNotFound = errors.New("checkpoint: run not found")

// Record is one persisted checkpoint: the run's artifacts plus the node the
// resumed run should continue at.
type Record struct {
	RunID     string
	NodeID    string
	Artifacts runstate.Artifacts
	SavedAt   time.Time
}

// Checkpointer persists and resumes run state. SaveArtifacts alone
// satisfies deepsearch.Checkpointer for the epoch-boundary case; SaveNode
// additionally records the next node to resume at for node-boundary
// checkpoints taken by the workflow graph.
type Checkpointer interface {
	SaveArtifacts(ctx context.Context, runID string, a runstate.Artifacts) error
	SaveNode(ctx context.Context, runID, nodeID string, a runstate.Artifacts) error
	LoadLatest(ctx context.Context, runID string) (Record, error)
}

// MemoryCheckpointer is the ephemeral in-process backend (spec.md §4.13).
type MemoryCheckpointer struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemory constructs a MemoryCheckpointer.
func NewMemory() *MemoryCheckpointer {
	return &MemoryCheckpointer{records: make(map[string]Record)}
}

func (m *MemoryCheckpointer) SaveArtifacts(_ context.Context, runID string, a runstate.Artifacts) error {
	return m.save(runID, "", a)
}

func (m *MemoryCheckpointer) SaveNode(_ context.Context, runID, nodeID string, a runstate.Artifacts) error {
	return m.save(runID, nodeID, a)
}

func (m *MemoryCheckpointer) save(runID, nodeID string, a runstate.Artifacts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[runID] = Record{RunID: runID, NodeID: nodeID, Artifacts: a, SavedAt: time.Now()}
	return nil
}

func (m *MemoryCheckpointer) LoadLatest(_ context.Context, runID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[runID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// RelationalCheckpointer persists checkpoints to a SQL table via
// database/sql, durable across process restarts (spec.md §4.13's "durable
// (relational)" tier). One row per run; each save is an atomic upsert.
type RelationalCheckpointer struct {
	DB *sql.DB
}

// NewRelational wraps an existing *sql.DB. Callers open it with the
// lib/pq driver ("postgres") and must have already applied
// EnsureSchema's DDL (or an equivalent migration).
func NewRelational(db *sql.DB) *RelationalCheckpointer {
	return &RelationalCheckpointer{DB: db}
}

// EnsureSchema creates the checkpoints table if it does not already exist.
const EnsureSchema = `
CREATE TABLE IF NOT EXISTS weaver_checkpoints (
	run_id     TEXT PRIMARY KEY,
	node_id    TEXT NOT NULL DEFAULT '',
	artifacts  JSONB NOT NULL,
	saved_at   TIMESTAMPTZ NOT NULL
)`

func (r *RelationalCheckpointer) SaveArtifacts(ctx context.Context, runID string, a runstate.Artifacts) error {
	return r.save(ctx, runID, "", a)
}

func (r *RelationalCheckpointer) SaveNode(ctx context.Context, runID, nodeID string, a runstate.Artifacts) error {
	return r.save(ctx, runID, nodeID, a)
}

func (r *RelationalCheckpointer) save(ctx context.Context, runID, nodeID string, a runstate.Artifacts) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO weaver_checkpoints (run_id, node_id, artifacts, saved_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO UPDATE
		SET node_id = EXCLUDED.node_id, artifacts = EXCLUDED.artifacts, saved_at = EXCLUDED.saved_at
	`, runID, nodeID, payload, time.Now())
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *RelationalCheckpointer) LoadLatest(ctx context.Context, runID string) (Record, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id, node_id, artifacts, saved_at FROM weaver_checkpoints WHERE run_id = $1`, runID)
	var rec Record
	var payload []byte
	if err := row.Scan(&rec.RunID, &rec.NodeID, &payload, &rec.SavedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	if err := json.Unmarshal(payload, &rec.Artifacts); err != nil {
		return Record{}, err
	}
	return rec, nil
}

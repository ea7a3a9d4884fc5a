package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/weaver-run/weaver/internal/runstate"
)

func TestMemorySaveAndLoadLatest(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	a := runstate.Artifacts{QueriesIssued: []string{"q1"}}

	if err := c.SaveArtifacts(ctx, "run-1", a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := c.LoadLatest(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Artifacts.QueriesIssued) != 1 || rec.Artifacts.QueriesIssued[0] != "q1" {
		t.Fatalf("unexpected artifacts: %+v", rec.Artifacts)
	}
}

func TestMemorySaveNodeTracksResumePoint(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	if err := c.SaveNode(ctx, "run-1", "writer", runstate.Artifacts{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec, err := c.LoadLatest(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.NodeID != "writer" {
		t.Fatalf("expected resume node 'writer', got %q", rec.NodeID)
	}
}

func TestMemoryLoadLatestUnknownRunReturnsNotFound(t *testing.T) {
	c := NewMemory()
	_, err := c.LoadLatest(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySaveOverwritesPreviousCheckpoint(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	must(t, c.SaveArtifacts(ctx, "run-1", runstate.Artifacts{QueriesIssued: []string{"q1"}}))
	must(t, c.SaveArtifacts(ctx, "run-1", runstate.Artifacts{QueriesIssued: []string{"q1", "q2"}}))
	rec, err := c.LoadLatest(ctx, "run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.Artifacts.QueriesIssued) != 2 {
		t.Fatalf("expected the latest checkpoint to win, got %+v", rec.Artifacts)
	}
}

func TestRelationalSaveArtifactsUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO weaver_checkpoints").
		WithArgs("run-1", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	c := NewRelational(db)
	if err := c.SaveArtifacts(context.Background(), "run-1", runstate.Artifacts{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelationalSaveArtifactsRollsBackOnExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO weaver_checkpoints").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	c := NewRelational(db)
	if err := c.SaveArtifacts(context.Background(), "run-1", runstate.Artifacts{}); err == nil {
		t.Fatalf("expected an error to surface from the failed exec")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelationalLoadLatestUnknownRunReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT run_id, node_id, artifacts, saved_at FROM weaver_checkpoints").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	c := NewRelational(db)
	_, err = c.LoadLatest(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unknown run, got %v", err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

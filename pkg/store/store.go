// Package store defines the durable collaborators behind the evaluation
// pipeline and provides their concrete backends. All stores are
// append-only from the pipeline's point of view: rows are never mutated
// in place once written.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/cunode/cunode/internal/model"
)

// ProcessStore persists verified process records.
type ProcessStore interface {
	// FindProcess returns a previously saved process, or a NotFound error.
	FindProcess(ctx context.Context, processID string) (*model.Process, error)

	// SaveProcess persists a process record. Saving the same process
	// twice is a no-op.
	SaveProcess(ctx context.Context, p *model.Process) error
}

// EvaluationStore is the durable, append-only evaluation log.
type EvaluationStore interface {
	// SaveEvaluation writes one evaluation row. Writing a row whose key
	// (process, timestamp, ordinate, cron) already exists is a no-op;
	// rows are immutable.
	SaveEvaluation(ctx context.Context, e *model.Evaluation) error

	// FindEvaluation returns the row at the exact key, or NotFound.
	FindEvaluation(ctx context.Context, processID string, timestamp int64, ordinate uint64, cron string) (*model.Evaluation, error)

	// FindEvaluationAt returns the row at an ordinate, or NotFound. When
	// cron lineage points share the ordinate the latest timestamp wins.
	FindEvaluationAt(ctx context.Context, processID string, ordinate uint64) (*model.Evaluation, error)

	// FindEvaluationByMessage returns the row produced by a message id,
	// or NotFound.
	FindEvaluationByMessage(ctx context.Context, processID, messageID string) (*model.Evaluation, error)

	// ListEvaluations pages over a process's rows.
	ListEvaluations(ctx context.Context, processID string, q ListQuery) (*EvaluationPage, error)

	// CountEvaluations returns the number of rows for a process.
	CountEvaluations(ctx context.Context, processID string) (int64, error)
}

// CheckpointStore persists throttled memory snapshots.
type CheckpointStore interface {
	// SaveCheckpoint persists one snapshot.
	SaveCheckpoint(ctx context.Context, cp *model.MemoryCheckpoint) error

	// FindCheckpointBefore returns the latest snapshot at or before the
	// target point, or NotFound.
	FindCheckpointBefore(ctx context.Context, processID string, timestamp int64, ordinate uint64, cron string) (*model.MemoryCheckpoint, error)

	// ListCheckpoints returns all snapshots for a process, newest first.
	ListCheckpoints(ctx context.Context, processID string) ([]*model.MemoryCheckpoint, error)

	// DeleteCheckpoint removes a snapshot by id.
	DeleteCheckpoint(ctx context.Context, processID, checkpointID string) error

	// CountCheckpoints returns the number of snapshots for a process.
	CountCheckpoints(ctx context.Context, processID string) (int64, error)

	// Name identifies the backend for logging.
	Name() string

	// Close releases backend resources.
	Close() error
}

// SortOrder orders evaluation listings.
type SortOrder string

const (
	SortAsc  SortOrder = "ASC"
	SortDesc SortOrder = "DESC"
)

// DefaultPageLimit bounds ListEvaluations when the caller gives none.
const DefaultPageLimit = 25

// ListQuery selects a page of evaluations.
type ListQuery struct {
	// From is an exclusive cursor returned by a previous page.
	From string

	// To is an inclusive upper cursor.
	To string

	Sort  SortOrder
	Limit int
}

// EvaluationPage is one page of results.
type EvaluationPage struct {
	Items      []*model.Evaluation
	NextCursor string
}

// Cursor encodes an evaluation point for pagination.
func Cursor(timestamp int64, ordinate uint64, cron string) string {
	return fmt.Sprintf("%d:%d:%s", timestamp, ordinate, cron)
}

// ParseCursor decodes a cursor. An empty cursor yields ok=false.
func ParseCursor(cursor string) (timestamp int64, ordinate uint64, cron string, ok bool) {
	if cursor == "" {
		return 0, 0, "", false
	}
	parts := strings.SplitN(cursor, ":", 3)
	if len(parts) != 3 {
		return 0, 0, "", false
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	ord, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, "", false
	}
	return ts, ord, parts[2], true
}

// pointAtOrBefore reports whether a stored point (ts, ord) is usable as a
// replay base for a target point. The ordinate is the canonical ordering
// coordinate; the timestamp breaks ties for cron lineage points sharing
// an ordinate.
func pointAtOrBefore(ts int64, ord uint64, targetTS int64, targetOrd uint64) bool {
	if ord != targetOrd {
		return ord < targetOrd
	}
	if targetTS == 0 {
		return true
	}
	return ts <= targetTS
}

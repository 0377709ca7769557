package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/cunode/cunode/internal/model"
	"github.com/cunode/cunode/pkg/cuerr"
)

// DB is the embedded evaluation log and process registry, backed by
// DuckDB through database/sql. One file holds both tables.
type DB struct {
	db *sql.DB
}

const ddl = `
CREATE TABLE IF NOT EXISTS processes (
	id         TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	saved_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS evaluations (
	process_id   TEXT NOT NULL,
	ts           BIGINT NOT NULL,
	ordinate     BIGINT NOT NULL,
	cron         TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	block_height BIGINT NOT NULL,
	output       TEXT NOT NULL,
	evaluated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (process_id, ts, ordinate, cron)
);
`

// OpenDB opens (or creates) the database at path. Pass ":memory:" by way
// of an empty path for an in-memory database.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassConfig, "open database")
	}
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, cuerr.Wrap(err, cuerr.ClassConfig, "create schema")
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveProcess persists a process record. Re-saving an existing id is a
// no-op; process records are immutable after spawn.
func (d *DB) SaveProcess(ctx context.Context, p *model.Process) error {
	record, err := json.Marshal(p)
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassUnknown, "marshal process")
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processes (id, record, saved_at) VALUES (?, ?, ?)`,
		p.ID, string(record), time.Now().UTC())
	if err != nil {
		return cuerr.Wrapf(err, cuerr.ClassUnknown, "save process %s", p.ID)
	}
	return nil
}

// FindProcess returns a previously saved process record.
func (d *DB) FindProcess(ctx context.Context, processID string) (*model.Process, error) {
	var record string
	err := d.db.QueryRowContext(ctx,
		`SELECT record FROM processes WHERE id = ?`, processID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, cuerr.NotFound("process", processID)
	}
	if err != nil {
		return nil, cuerr.Wrapf(err, cuerr.ClassUnknown, "find process %s", processID)
	}

	var p model.Process
	if err := json.Unmarshal([]byte(record), &p); err != nil {
		return nil, cuerr.Wrapf(err, cuerr.ClassUnknown, "decode process %s", processID)
	}
	return &p, nil
}

// SaveEvaluation appends one evaluation row. The primary key makes the
// write idempotent: replaying an already-evaluated message changes
// nothing.
func (d *DB) SaveEvaluation(ctx context.Context, e *model.Evaluation) error {
	output, err := json.Marshal(e.Output.WithoutMemory())
	if err != nil {
		return cuerr.Wrap(err, cuerr.ClassCacheWrite, "marshal evaluation output")
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO evaluations
		 (process_id, ts, ordinate, cron, message_id, block_height, output, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ProcessID, e.Timestamp, int64(e.Ordinate), e.Cron,
		e.MessageID, int64(e.BlockHeight), string(output), e.EvaluatedAt.UTC())
	if err != nil {
		return cuerr.Wrapf(err, cuerr.ClassCacheWrite, "save evaluation %s", e.Key())
	}
	return nil
}

// FindEvaluation returns the row at the exact evaluation key.
func (d *DB) FindEvaluation(ctx context.Context, processID string, timestamp int64, ordinate uint64, cron string) (*model.Evaluation, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT process_id, ts, ordinate, cron, message_id, block_height, output, evaluated_at
		 FROM evaluations
		 WHERE process_id = ? AND ts = ? AND ordinate = ? AND cron = ?`,
		processID, timestamp, int64(ordinate), cron)

	e, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, cuerr.NotFound("evaluation", model.EvaluationKey(processID, timestamp, ordinate, cron))
	}
	if err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassUnknown, "find evaluation")
	}
	return e, nil
}

// FindEvaluationAt returns the row at an ordinate, latest timestamp
// first when cron lineage points share it.
func (d *DB) FindEvaluationAt(ctx context.Context, processID string, ordinate uint64) (*model.Evaluation, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT process_id, ts, ordinate, cron, message_id, block_height, output, evaluated_at
		 FROM evaluations
		 WHERE process_id = ? AND ordinate = ?
		 ORDER BY ts DESC LIMIT 1`,
		processID, int64(ordinate))

	e, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, cuerr.NotFound("evaluation", fmt.Sprintf("%s@%d", processID, ordinate))
	}
	if err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassUnknown, "find evaluation at ordinate")
	}
	return e, nil
}

// FindEvaluationByMessage returns the row produced by a message id.
func (d *DB) FindEvaluationByMessage(ctx context.Context, processID, messageID string) (*model.Evaluation, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT process_id, ts, ordinate, cron, message_id, block_height, output, evaluated_at
		 FROM evaluations
		 WHERE process_id = ? AND message_id = ?
		 ORDER BY ts DESC LIMIT 1`,
		processID, messageID)

	e, err := scanEvaluation(row)
	if err == sql.ErrNoRows {
		return nil, cuerr.NotFound("evaluation", messageID)
	}
	if err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassUnknown, "find evaluation by message")
	}
	return e, nil
}

// ListEvaluations pages over a process's rows ordered by evaluation
// point. From is exclusive, To inclusive; both are optional cursors.
func (d *DB) ListEvaluations(ctx context.Context, processID string, q ListQuery) (*EvaluationPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	sort := q.Sort
	if sort != SortDesc {
		sort = SortAsc
	}

	query := `SELECT process_id, ts, ordinate, cron, message_id, block_height, output, evaluated_at
		FROM evaluations WHERE process_id = ?`
	args := []any{processID}

	// Cursors carry the full evaluation point. Cron must participate in
	// the comparisons or lineages sharing (ts, ordinate) straddle page
	// boundaries.
	if ts, ord, cron, ok := ParseCursor(q.From); ok {
		if sort == SortAsc {
			query += ` AND (ts, ordinate, cron) > (?, ?, ?)`
		} else {
			query += ` AND (ts, ordinate, cron) < (?, ?, ?)`
		}
		args = append(args, ts, int64(ord), cron)
	}
	if ts, ord, cron, ok := ParseCursor(q.To); ok {
		if sort == SortAsc {
			query += ` AND (ts, ordinate, cron) <= (?, ?, ?)`
		} else {
			query += ` AND (ts, ordinate, cron) >= (?, ?, ?)`
		}
		args = append(args, ts, int64(ord), cron)
	}

	if sort == SortAsc {
		query += ` ORDER BY ts ASC, ordinate ASC, cron ASC`
	} else {
		query += ` ORDER BY ts DESC, ordinate DESC, cron DESC`
	}
	// Fetch one extra row to detect whether another page exists.
	query += fmt.Sprintf(` LIMIT %d`, limit+1)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cuerr.Wrapf(err, cuerr.ClassUnknown, "list evaluations for %s", processID)
	}
	defer rows.Close()

	var items []*model.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, cuerr.Wrap(err, cuerr.ClassUnknown, "scan evaluation row")
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, cuerr.Wrap(err, cuerr.ClassUnknown, "iterate evaluation rows")
	}

	page := &EvaluationPage{}
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		page.NextCursor = Cursor(last.Timestamp, last.Ordinate, last.Cron)
	}
	page.Items = items
	return page, nil
}

// CountEvaluations returns the number of rows for a process.
func (d *DB) CountEvaluations(ctx context.Context, processID string) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evaluations WHERE process_id = ?`, processID).Scan(&n)
	if err != nil {
		return 0, cuerr.Wrapf(err, cuerr.ClassUnknown, "count evaluations for %s", processID)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*model.Evaluation, error) {
	var (
		e           model.Evaluation
		ordinate    int64
		blockHeight int64
		output      string
	)
	err := row.Scan(&e.ProcessID, &e.Timestamp, &ordinate, &e.Cron,
		&e.MessageID, &blockHeight, &output, &e.EvaluatedAt)
	if err != nil {
		return nil, err
	}
	e.Ordinate = uint64(ordinate)
	e.BlockHeight = uint64(blockHeight)
	if err := json.Unmarshal([]byte(output), &e.Output); err != nil {
		return nil, err
	}
	return &e, nil
}

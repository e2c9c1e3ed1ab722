// Package ledger persists unresolved scheduling inconsistencies in SQLite
// so the reconciler can repair them after the request that caused them is gone.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/teemow/fhir-scheduling-mcp/internal/scheduling"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("ledger record not found")

// SQLiteLedger implements scheduling.Ledger on a SQLite database.
type SQLiteLedger struct {
	db *sql.DB
}

var _ scheduling.Ledger = (*SQLiteLedger)(nil)

// Open opens (or creates) the ledger at dsn, usually a file path.
func Open(dsn string) (*SQLiteLedger, error) {
	if dsn == "" {
		return nil, errors.New("ledger: empty path")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent bookings.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Record inserts an unresolved inconsistency and returns its id.
func (l *SQLiteLedger) Record(ctx context.Context, inc scheduling.Inconsistency) (int64, error) {
	created := inc.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO inconsistencies (operation, appointment_id, slot_id, repair_action, cause, compensation_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inc.Operation,
		inc.AppointmentID,
		inc.SlotID,
		inc.RepairAction,
		inc.Cause,
		inc.CompensationError,
		created.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("ledger: record id: %w", err)
	}
	return id, nil
}

// Pending returns unresolved records, oldest first. limit <= 0 returns all.
func (l *SQLiteLedger) Pending(ctx context.Context, limit int) ([]scheduling.Inconsistency, error) {
	query := `SELECT id, operation, appointment_id, slot_id, repair_action, cause, compensation_error,
	                 attempts, last_error, created_at, resolved_at
	          FROM inconsistencies WHERE resolved_at IS NULL ORDER BY id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pending: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Get returns one record, resolved or not.
func (l *SQLiteLedger) Get(ctx context.Context, id int64) (scheduling.Inconsistency, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, operation, appointment_id, slot_id, repair_action, cause, compensation_error,
		        attempts, last_error, created_at, resolved_at
		 FROM inconsistencies WHERE id = ?`, id)
	if err != nil {
		return scheduling.Inconsistency{}, fmt.Errorf("ledger: get: %w", err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return scheduling.Inconsistency{}, err
	}
	if len(records) == 0 {
		return scheduling.Inconsistency{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return records[0], nil
}

// Resolve marks a record repaired.
func (l *SQLiteLedger) Resolve(ctx context.Context, id int64) error {
	return l.update(ctx, "resolve",
		`UPDATE inconsistencies SET resolved_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
}

// MarkFailed counts a failed repair attempt and keeps its error.
func (l *SQLiteLedger) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.update(ctx, "mark failed",
		`UPDATE inconsistencies SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg, id)
}

// Close closes the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Ping checks the database is reachable.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *SQLiteLedger) update(ctx context.Context, op, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("ledger: %s: %w", op, ErrNotFound)
	}
	return nil
}

func scanRecords(rows *sql.Rows) ([]scheduling.Inconsistency, error) {
	var out []scheduling.Inconsistency
	for rows.Next() {
		var (
			inc      scheduling.Inconsistency
			created  string
			resolved sql.NullString
		)
		if err := rows.Scan(
			&inc.ID,
			&inc.Operation,
			&inc.AppointmentID,
			&inc.SlotID,
			&inc.RepairAction,
			&inc.Cause,
			&inc.CompensationError,
			&inc.Attempts,
			&inc.LastError,
			&created,
			&resolved,
		); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}

		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("ledger: parse created_at: %w", err)
		}
		inc.CreatedAt = t
		if resolved.Valid {
			rt, err := time.Parse(time.RFC3339Nano, resolved.String)
			if err != nil {
				return nil, fmt.Errorf("ledger: parse resolved_at: %w", err)
			}
			inc.ResolvedAt = &rt
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

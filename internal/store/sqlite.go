package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/BadgerOps/resurrect/internal/restoration"
)

// Store provides SQLite-backed persistence for restoration requests
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// ============================================================================
// Request Operations
// ============================================================================

const requestColumns = `
	id, project_id, project_name, requested_by, requested_at, reason, priority, status,
	scope_json, options_json, estimates_json, approvals_json, progress_json, failure_json,
	overrun_json, cancel_requested, cancel_requested_by, execution_started_at, completed_at,
	rearchive_at, updated_at, version
`

// requestBlobs holds the JSON-encoded columns of a request row.
type requestBlobs struct {
	scope, options, estimates, approvals, progress, failure, overrun string
}

func encodeRequest(req *restoration.Request) (requestBlobs, error) {
	var b requestBlobs
	fields := []struct {
		dst *string
		v   any
	}{
		{&b.scope, req.Scope},
		{&b.options, req.Options},
		{&b.estimates, req.Estimates},
		{&b.approvals, req.Approvals},
		{&b.progress, req.Progress},
		{&b.failure, req.Failure},
		{&b.overrun, req.Overrun},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.v)
		if err != nil {
			return b, fmt.Errorf("failed to encode request %s: %w", req.ID, err)
		}
		*f.dst = string(data)
	}
	if b.approvals == "null" {
		b.approvals = "[]"
	}
	return b, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*restoration.Request, error) {
	req := &restoration.Request{}
	var b requestBlobs
	err := row.Scan(
		&req.ID, &req.ProjectID, &req.ProjectName, &req.RequestedBy, &req.RequestedAt,
		&req.Reason, &req.Priority, &req.Status,
		&b.scope, &b.options, &b.estimates, &b.approvals, &b.progress, &b.failure, &b.overrun,
		&req.CancelRequested, &req.CancelRequestedBy, &req.ExecutionStartedAt, &req.CompletedAt,
		&req.ReArchiveAt, &req.UpdatedAt, &req.Version,
	)
	if err != nil {
		return nil, err
	}

	fields := []struct {
		src string
		dst any
	}{
		{b.scope, &req.Scope},
		{b.options, &req.Options},
		{b.estimates, &req.Estimates},
		{b.approvals, &req.Approvals},
		{b.progress, &req.Progress},
		{b.failure, &req.Failure},
		{b.overrun, &req.Overrun},
	}
	for _, f := range fields {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode request %s: %w", req.ID, err)
		}
	}
	return req, nil
}

// CreateRequest inserts a new request at version 1 together with its creation event.
// It returns restoration.ErrProjectBusy when the project already has an open request.
func (s *Store) CreateRequest(ctx context.Context, req *restoration.Request) error {
	b, err := encodeRequest(req)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `INSERT INTO requests (` + requestColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`

	_, err = tx.ExecContext(ctx, query,
		req.ID, req.ProjectID, req.ProjectName, req.RequestedBy, req.RequestedAt,
		req.Reason, req.Priority, req.Status,
		b.scope, b.options, b.estimates, b.approvals, b.progress, b.failure, b.overrun,
		req.CancelRequested, req.CancelRequestedBy, req.ExecutionStartedAt, req.CompletedAt,
		req.ReArchiveAt, req.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("project %s: %w", req.ProjectID, restoration.ErrProjectBusy)
		}
		return fmt.Errorf("failed to insert request: %w", err)
	}

	ev := restoration.Event{RequestID: req.ID, At: req.RequestedAt, To: req.Status, Actor: req.RequestedBy, Note: "submitted"}
	if err := insertEvent(ctx, tx, &ev); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request: %w", err)
	}
	req.Version = 1
	return nil
}

// GetRequest retrieves a request by ID
func (s *Store) GetRequest(ctx context.Context, id string) (*restoration.Request, error) {
	query := "SELECT " + requestColumns + " FROM requests WHERE id = ?"

	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("request %s: %w", id, restoration.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query request: %w", err)
	}
	return req, nil
}

// UpdateRequest commits req if its stored version still equals req.Version, then
// increments req.Version. Events are appended in the same transaction. A stale
// version yields restoration.ErrVersionConflict.
func (s *Store) UpdateRequest(ctx context.Context, req *restoration.Request, events ...restoration.Event) error {
	b, err := encodeRequest(req)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		UPDATE requests SET
			project_name = ?, reason = ?, priority = ?, status = ?,
			scope_json = ?, options_json = ?, estimates_json = ?, approvals_json = ?,
			progress_json = ?, failure_json = ?, overrun_json = ?,
			cancel_requested = ?, cancel_requested_by = ?, execution_started_at = ?,
			completed_at = ?, rearchive_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := tx.ExecContext(ctx, query,
		req.ProjectName, req.Reason, req.Priority, req.Status,
		b.scope, b.options, b.estimates, b.approvals, b.progress, b.failure, b.overrun,
		req.CancelRequested, req.CancelRequestedBy, req.ExecutionStartedAt,
		req.CompletedAt, req.ReArchiveAt, req.UpdatedAt,
		req.ID, req.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update request: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests WHERE id = ?", req.ID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check request: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("request %s: %w", req.ID, restoration.ErrNotFound)
		}
		return fmt.Errorf("request %s at version %d: %w", req.ID, req.Version, restoration.ErrVersionConflict)
	}

	for i := range events {
		events[i].RequestID = req.ID
		if err := insertEvent(ctx, tx, &events[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit request update: %w", err)
	}
	req.Version++
	return nil
}

// ListRequests retrieves requests, newest first, optionally filtered.
func (s *Store) ListRequests(ctx context.Context, f ListFilter) ([]*restoration.Request, error) {
	query := "SELECT " + requestColumns + " FROM requests"
	var (
		where []string
		args  []any
	)

	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if len(f.Statuses) > 0 {
		placeholders := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY requested_at DESC, id"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	var reqs []*restoration.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		reqs = append(reqs, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}

	return reqs, nil
}

// ListActiveRequests returns every request in a non-terminal state.
func (s *Store) ListActiveRequests(ctx context.Context) ([]*restoration.Request, error) {
	var open []restoration.Status
	for _, st := range restoration.Statuses {
		if !st.IsTerminal() {
			open = append(open, st)
		}
	}
	return s.ListRequests(ctx, ListFilter{Statuses: open})
}

// ============================================================================
// AssetJob Operations
// ============================================================================

// SaveAssetJobs inserts the per-asset jobs of a request in one transaction.
func (s *Store) SaveAssetJobs(ctx context.Context, jobs []restoration.AssetJob) error {
	if len(jobs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO asset_jobs (
			id, request_id, asset_id, asset_type, storage_tier, size_bytes,
			handle, state, attempts, last_error, verified, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare asset job insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		_, err := stmt.ExecContext(ctx,
			j.ID, j.RequestID, j.Asset.AssetID, j.Asset.AssetType, j.Asset.StorageTier, j.Asset.SizeBytes,
			j.Handle, j.State, j.Attempts, j.LastError, j.Verified, j.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert asset job %s: %w", j.Asset.AssetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit asset jobs: %w", err)
	}
	return nil
}

// ListAssetJobs retrieves every asset job of a request ordered by asset ID.
func (s *Store) ListAssetJobs(ctx context.Context, requestID string) ([]restoration.AssetJob, error) {
	const query = `
		SELECT id, request_id, asset_id, asset_type, storage_tier, size_bytes,
		       handle, state, attempts, last_error, verified, updated_at
		FROM asset_jobs WHERE request_id = ? ORDER BY asset_id
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset jobs: %w", err)
	}
	defer rows.Close()

	var jobs []restoration.AssetJob
	for rows.Next() {
		j := restoration.AssetJob{}
		err := rows.Scan(
			&j.ID, &j.RequestID, &j.Asset.AssetID, &j.Asset.AssetType, &j.Asset.StorageTier,
			&j.Asset.SizeBytes, &j.Handle, &j.State, &j.Attempts, &j.LastError, &j.Verified, &j.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset job: %w", err)
		}
		jobs = append(jobs, j)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating asset jobs: %w", err)
	}

	return jobs, nil
}

// UpdateAssetJob writes the mutable fields of an asset job.
func (s *Store) UpdateAssetJob(ctx context.Context, j *restoration.AssetJob) error {
	const query = `
		UPDATE asset_jobs SET
			handle = ?, state = ?, attempts = ?, last_error = ?, verified = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, j.Handle, j.State, j.Attempts, j.LastError, j.Verified, j.UpdatedAt, j.ID)
	if err != nil {
		return fmt.Errorf("failed to update asset job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("asset job %s: %w", j.ID, restoration.ErrNotFound)
	}

	return nil
}

// ============================================================================
// Event Operations
// ============================================================================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev *restoration.Event) error {
	const query = `
		INSERT INTO request_events (request_id, at, from_status, to_status, actor, note)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	result, err := db.ExecContext(ctx, query, ev.RequestID, ev.At, ev.From, ev.To, ev.Actor, ev.Note)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	ev.ID = id
	return nil
}

// AppendEvent records an audit event outside of a state change.
func (s *Store) AppendEvent(ctx context.Context, ev *restoration.Event) error {
	return insertEvent(ctx, s.db, ev)
}

// ListEvents returns the audit trail of a request, oldest first.
func (s *Store) ListEvents(ctx context.Context, requestID string) ([]restoration.Event, error) {
	const query = `
		SELECT id, request_id, at, from_status, to_status, actor, note
		FROM request_events WHERE request_id = ? ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []restoration.Event
	for rows.Next() {
		ev := restoration.Event{}
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.At, &ev.From, &ev.To, &ev.Actor, &ev.Note); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// ============================================================================
// Reporting
// ============================================================================

// CountByStatus returns how many requests sit in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[restoration.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM requests GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[restoration.Status]int)
	for rows.Next() {
		var (
			st restoration.Status
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[st] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}

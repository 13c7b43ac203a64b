package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ctsync/internal/model"
)

// Sync record operations

const recordColumns = `id, run_id, type_key, version_hash, direction, operation, status, attempts,
	snapshot_checksum, response, error, started_at, completed_at`

func scanRecord(row scanner) (*model.SyncRecord, error) {
	var (
		r                     model.SyncRecord
		runID, completed      sql.NullInt64
		direction, op, status string
		started               int64
	)
	err := row.Scan(&r.ID, &runID, &r.TypeKey, &r.VersionHash, &direction, &op, &status, &r.Attempts,
		&r.SnapshotChecksum, &r.Response, &r.Error, &started, &completed)
	if err != nil {
		return nil, err
	}
	r.RunID = runID.Int64
	r.Direction = model.Direction(direction)
	r.Operation = model.Operation(op)
	r.Status = model.RecordStatus(status)
	r.StartedAt = fromUnixNano(started)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

func (s *SQLiteDatabase) InsertSyncRecord(ctx context.Context, r *model.SyncRecord) error {
	runID := sql.NullInt64{Int64: r.RunID, Valid: r.RunID != 0}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, runID, r.TypeKey, r.VersionHash, string(r.Direction), string(r.Operation), string(r.Status), r.Attempts,
		r.SnapshotChecksum, r.Response, r.Error, unixNano(r.StartedAt), nullUnixNano(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("inserting sync record: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) UpdateSyncRecordAttempts(ctx context.Context, id string, attempts int) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE sync_records SET attempts = ? WHERE id = ?`, attempts, id); err != nil {
		return fmt.Errorf("updating sync record attempts: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FinishSyncRecord(ctx context.Context, id string, status model.RecordStatus, response, errMsg string, completedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_records SET status = ?, response = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), response, errMsg, unixNano(completedAt), id, string(model.RecordInProgress))
	if err != nil {
		return false, fmt.Errorf("finishing sync record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finishing sync record: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDatabase) FindSyncRecord(ctx context.Context, id string) (*model.SyncRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM sync_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding sync record: %w", err)
	}
	return r, nil
}

func (s *SQLiteDatabase) ListSyncRecords(ctx context.Context, filter model.SyncRecordFilter) ([]*model.SyncRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.TypeKey != "" {
		where = append(where, "type_key = ?")
		args = append(args, filter.TypeKey)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.RunID != 0 {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}

	query := `SELECT ` + recordColumns + ` FROM sync_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync records: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run operations

func (s *SQLiteDatabase) CreateSyncRun(ctx context.Context, operation, parameters string, startedAt time.Time) (*model.SyncRun, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (operation, parameters, status, started_at) VALUES (?, ?, 'running', ?)`,
		operation, parameters, unixNano(startedAt))
	if err != nil {
		return nil, fmt.Errorf("creating sync run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading sync run id: %w", err)
	}
	return &model.SyncRun{
		ID:         id,
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  startedAt.UTC(),
	}, nil
}

func (s *SQLiteDatabase) FinishSyncRun(ctx context.Context, id int64, status, statistics string, finishedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, statistics = ?, finished_at = ? WHERE id = ?`,
		status, statistics, unixNano(finishedAt), id)
	if err != nil {
		return fmt.Errorf("finishing sync run: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	query := `SELECT id, operation, parameters, status, statistics, started_at, finished_at FROM sync_runs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncRun
	for rows.Next() {
		var (
			r        model.SyncRun
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Operation, &r.Parameters, &r.Status, &r.Statistics, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		r.StartedAt = fromUnixNano(started)
		r.FinishedAt = timePtr(finished)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) MaxSyncRunID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM sync_runs`).Scan(&id); err != nil {
		return 0, fmt.Errorf("finding latest sync run: %w", err)
	}
	return id.Int64, nil
}

// Snapshot operations

func (s *SQLiteDatabase) InsertSnapshotRecord(ctx context.Context, rec *model.SnapshotRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (checksum, type_key, size, encrypted, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(checksum) DO NOTHING`,
		rec.Checksum, rec.TypeKey, rec.Size, boolInt(rec.Encrypted), unixNano(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting snapshot record: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindSnapshotRecord(ctx context.Context, checksum string) (*model.SnapshotRecord, error) {
	var (
		rec       model.SnapshotRecord
		encrypted int
		created   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT checksum, type_key, size, encrypted, created_at FROM snapshots WHERE checksum = ?`, checksum,
	).Scan(&rec.Checksum, &rec.TypeKey, &rec.Size, &encrypted, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding snapshot record: %w", err)
	}
	rec.Encrypted = encrypted != 0
	rec.CreatedAt = fromUnixNano(created)
	return &rec, nil
}

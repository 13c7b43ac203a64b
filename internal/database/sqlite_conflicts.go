package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ctsync/internal/model"
)

// Conflict operations

const conflictColumns = `id, type_key, conflict_type, local_hash, remote_hash, ancestor_hash, reason,
	conflicting_fields, priority, status, flagged_at, resolution, resolved_data, resolved_by, resolved_at`

func scanConflict(row scanner) (*model.ConflictEntry, error) {
	var (
		c                      model.ConflictEntry
		ctype, priority, state string
		fields                 string
		flagged                int64
		data                   sql.NullString
		resolvedAt             sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.TypeKey, &ctype, &c.LocalHash, &c.RemoteHash, &c.AncestorHash, &c.Reason,
		&fields, &priority, &state, &flagged, &c.Resolution, &data, &c.ResolvedBy, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &c.ConflictingFields); err != nil {
		return nil, fmt.Errorf("decoding conflicting fields of %s: %w", c.ID, err)
	}
	def, err := decodeDefinition(data)
	if err != nil {
		return nil, err
	}
	c.ConflictType = model.ConflictType(ctype)
	c.Priority = model.Priority(priority)
	c.Status = model.ConflictStatus(state)
	c.FlaggedAt = fromUnixNano(flagged)
	c.ResolvedData = def
	c.ResolvedAt = timePtr(resolvedAt)
	return &c, nil
}

func (s *SQLiteDatabase) InsertConflict(ctx context.Context, c *model.ConflictEntry) error {
	fields := c.ConflictingFields
	if fields == nil {
		fields = []model.ConflictingField{}
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding conflicting fields: %w", err)
	}
	data, err := encodeDefinition(c.ResolvedData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflicts (`+conflictColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TypeKey, string(c.ConflictType), c.LocalHash, c.RemoteHash, c.AncestorHash, c.Reason,
		string(encoded), string(c.Priority), string(c.Status), unixNano(c.FlaggedAt), c.Resolution, data,
		c.ResolvedBy, nullUnixNano(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("inserting conflict: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) FindConflict(ctx context.Context, id string) (*model.ConflictEntry, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding conflict: %w", err)
	}
	return c, nil
}

func (s *SQLiteDatabase) FindPendingConflict(ctx context.Context, typeKey, localHash, remoteHash string) (*model.ConflictEntry, error) {
	c, err := scanConflict(s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts
		 WHERE type_key = ? AND local_hash = ? AND remote_hash = ? AND status = ?
		 ORDER BY flagged_at ASC LIMIT 1`,
		typeKey, localHash, remoteHash, string(model.ConflictPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding pending conflict: %w", err)
	}
	return c, nil
}

func (s *SQLiteDatabase) ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]*model.ConflictEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.TypeKey != "" {
		where = append(where, "type_key = ?")
		args = append(args, filter.TypeKey)
	}
	if filter.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.ConflictType != "" {
		where = append(where, "conflict_type = ?")
		args = append(args, string(filter.ConflictType))
	}

	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY flagged_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []*model.ConflictEntry
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) ResolveConflict(ctx context.Context, id, resolution string, data *model.ContentTypeDefinition, resolvedBy string, resolvedAt time.Time) (bool, error) {
	encoded, err := encodeDefinition(data)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conflicts SET status = ?, resolution = ?, resolved_data = ?, resolved_by = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.ConflictResolved), resolution, encoded, resolvedBy, unixNano(resolvedAt),
		id, string(model.ConflictPending))
	if err != nil {
		return false, fmt.Errorf("resolving conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolving conflict: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDatabase) DeleteResolvedConflicts(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conflicts WHERE status = ? AND resolved_at < ?`,
		string(model.ConflictResolved), unixNano(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting resolved conflicts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deleting resolved conflicts: %w", err)
	}
	return n, nil
}

// Resolution history operations

func (s *SQLiteDatabase) InsertResolutionHistory(ctx context.Context, e *model.ResolutionHistoryEntry) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO resolution_history (conflict_id, type_key, conflict_type, resolution, resolved_by, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ConflictID, e.TypeKey, string(e.ConflictType), e.Resolution, e.ResolvedBy, unixNano(e.ResolvedAt))
	if err != nil {
		return fmt.Errorf("inserting resolution history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading resolution history id: %w", err)
	}
	e.ID = id
	return nil
}

func (s *SQLiteDatabase) TrimResolutionHistory(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM resolution_history
		 WHERE id NOT IN (SELECT id FROM resolution_history ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return fmt.Errorf("trimming resolution history: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListResolutionHistory(ctx context.Context, limit int) ([]*model.ResolutionHistoryEntry, error) {
	query := `SELECT id, conflict_id, type_key, conflict_type, resolution, resolved_by, resolved_at
		FROM resolution_history ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing resolution history: %w", err)
	}
	defer rows.Close()

	var out []*model.ResolutionHistoryEntry
	for rows.Next() {
		var (
			e        model.ResolutionHistoryEntry
			ctype    string
			resolved int64
		)
		if err := rows.Scan(&e.ID, &e.ConflictID, &e.TypeKey, &ctype, &e.Resolution, &e.ResolvedBy, &resolved); err != nil {
			return nil, fmt.Errorf("scanning resolution history: %w", err)
		}
		e.ConflictType = model.ConflictType(ctype)
		e.ResolvedAt = fromUnixNano(resolved)
		out = append(out, &e)
	}
	return out, rows.Err()
}

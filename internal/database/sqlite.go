package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ctsync/internal/ctsync"
	"ctsync/internal/database/migrations"
	"ctsync/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements ctsync.Database on SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and migrates it to the
// latest schema. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection. The caller is
// responsible for the schema.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection.
// path can be a file path or ":memory:".
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: an in-memory database lives only as long as its
	// connection, and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullUnixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: unixNano(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeDefinition(def *model.ContentTypeDefinition) (sql.NullString, error) {
	if def == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(def)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding definition %s: %w", def.Key, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeDefinition(s sql.NullString) (*model.ContentTypeDefinition, error) {
	if !s.Valid {
		return nil, nil
	}
	var def model.ContentTypeDefinition
	if err := json.Unmarshal([]byte(s.String), &def); err != nil {
		return nil, fmt.Errorf("decoding stored definition: %w", err)
	}
	return &def, nil
}

// Version operations

const versionColumns = `id, type_key, origin, hash, parent_id, parent_hash, data, deleted, actor, note, created_at`

func scanVersion(row scanner) (*model.Version, error) {
	var (
		v        model.Version
		origin   string
		parentID sql.NullInt64
		data     sql.NullString
		deleted  int
		created  int64
	)
	if err := row.Scan(&v.ID, &v.TypeKey, &origin, &v.Hash, &parentID, &v.ParentHash, &data, &deleted, &v.Actor, &v.Note, &created); err != nil {
		return nil, err
	}
	def, err := decodeDefinition(data)
	if err != nil {
		return nil, err
	}
	v.Origin = model.Origin(origin)
	v.ParentID = parentID.Int64
	v.Data = def
	v.Deleted = deleted != 0
	v.CreatedAt = fromUnixNano(created)
	return &v, nil
}

func (s *SQLiteDatabase) queryVersion(ctx context.Context, query string, args ...any) (*model.Version, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *SQLiteDatabase) queryVersions(ctx context.Context, query string, args ...any) ([]*model.Version, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteDatabase) InsertVersion(ctx context.Context, v *model.Version) error {
	data, err := encodeDefinition(v.Data)
	if err != nil {
		return err
	}
	parent := sql.NullInt64{Int64: v.ParentID, Valid: v.ParentID != 0}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO versions (type_key, origin, hash, parent_id, parent_hash, data, deleted, actor, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.TypeKey, string(v.Origin), v.Hash, parent, v.ParentHash, data, boolInt(v.Deleted), v.Actor, v.Note, unixNano(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting version: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading version id: %w", err)
	}
	v.ID = id
	return nil
}

func (s *SQLiteDatabase) LatestVersion(ctx context.Context, typeKey string, origin model.Origin) (*model.Version, error) {
	v, err := s.queryVersion(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE type_key = ? AND origin = ? ORDER BY id DESC LIMIT 1`,
		typeKey, string(origin))
	if err != nil {
		return nil, fmt.Errorf("finding latest version: %w", err)
	}
	return v, nil
}

func (s *SQLiteDatabase) LatestVersions(ctx context.Context, origin model.Origin) ([]*model.Version, error) {
	vs, err := s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM versions
		 WHERE id IN (SELECT MAX(id) FROM versions WHERE origin = ? GROUP BY type_key)
		 ORDER BY type_key`,
		string(origin))
	if err != nil {
		return nil, fmt.Errorf("listing latest versions: %w", err)
	}
	return vs, nil
}

func (s *SQLiteDatabase) FindVersionByID(ctx context.Context, id int64) (*model.Version, error) {
	v, err := s.queryVersion(ctx, `SELECT `+versionColumns+` FROM versions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("finding version by id: %w", err)
	}
	return v, nil
}

func (s *SQLiteDatabase) FindVersionByHash(ctx context.Context, typeKey, hash string) (*model.Version, error) {
	v, err := s.queryVersion(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE type_key = ? AND hash = ? ORDER BY id DESC LIMIT 1`,
		typeKey, hash)
	if err != nil {
		return nil, fmt.Errorf("finding version by hash: %w", err)
	}
	return v, nil
}

func (s *SQLiteDatabase) InitialVersion(ctx context.Context, typeKey string) (*model.Version, error) {
	v, err := s.queryVersion(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE type_key = ? ORDER BY id ASC LIMIT 1`, typeKey)
	if err != nil {
		return nil, fmt.Errorf("finding initial version: %w", err)
	}
	return v, nil
}

func (s *SQLiteDatabase) ListVersions(ctx context.Context, typeKey string) ([]*model.Version, error) {
	vs, err := s.queryVersions(ctx,
		`SELECT `+versionColumns+` FROM versions WHERE type_key = ? ORDER BY id ASC`, typeKey)
	if err != nil {
		return nil, fmt.Errorf("listing versions: %w", err)
	}
	return vs, nil
}

// Sync state operations

const stateColumns = `type_key, local_hash, remote_hash, last_synced_hash, sync_status, in_flight,
	pre_sync_status, pending_operation, pending_hash, step, sync_record_id, updated_at`

func scanState(row scanner) (*model.SyncState, error) {
	var (
		st                           model.SyncState
		status, pre, pendingOp, step string
		inFlight                     int
		updated                      int64
	)
	err := row.Scan(&st.TypeKey, &st.LocalHash, &st.RemoteHash, &st.LastSyncedHash, &status, &inFlight,
		&pre, &pendingOp, &st.PendingHash, &step, &st.SyncRecordID, &updated)
	if err != nil {
		return nil, err
	}
	st.SyncStatus = model.SyncStatus(status)
	st.InFlight = inFlight != 0
	st.PreSyncStatus = model.SyncStatus(pre)
	st.PendingOperation = model.Operation(pendingOp)
	st.Step = model.SyncStep(step)
	st.UpdatedAt = fromUnixNano(updated)
	return &st, nil
}

func (s *SQLiteDatabase) GetSyncState(ctx context.Context, typeKey string) (*model.SyncState, error) {
	st, err := scanState(s.db.QueryRowContext(ctx, `SELECT `+stateColumns+` FROM sync_states WHERE type_key = ?`, typeKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding sync state: %w", err)
	}
	return st, nil
}

func (s *SQLiteDatabase) SaveSyncState(ctx context.Context, st *model.SyncState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_states (`+stateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(type_key) DO UPDATE SET
		   local_hash = excluded.local_hash,
		   remote_hash = excluded.remote_hash,
		   last_synced_hash = excluded.last_synced_hash,
		   sync_status = excluded.sync_status,
		   in_flight = excluded.in_flight,
		   pre_sync_status = excluded.pre_sync_status,
		   pending_operation = excluded.pending_operation,
		   pending_hash = excluded.pending_hash,
		   step = excluded.step,
		   sync_record_id = excluded.sync_record_id,
		   updated_at = excluded.updated_at`,
		st.TypeKey, st.LocalHash, st.RemoteHash, st.LastSyncedHash, string(st.SyncStatus), boolInt(st.InFlight),
		string(st.PreSyncStatus), string(st.PendingOperation), st.PendingHash, string(st.Step), st.SyncRecordID,
		unixNano(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncStates(ctx context.Context) ([]*model.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stateColumns+` FROM sync_states ORDER BY type_key`)
	if err != nil {
		return nil, fmt.Errorf("listing sync states: %w", err)
	}
	defer rows.Close()

	var out []*model.SyncState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a complete copy of the database to destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ ctsync.Database = (*SQLiteDatabase)(nil)

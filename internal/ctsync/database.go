package ctsync

import (
	"context"
	"time"

	"ctsync/internal/model"
)

// Database is the persistent store for engine state. It is the single source
// of truth; any in-process caches are rebuilt from it after each write.
// Finder methods return (nil, nil) when nothing matches.
type Database interface {
	// Versions

	// InsertVersion appends a version and assigns its ID.
	InsertVersion(ctx context.Context, v *model.Version) error

	// LatestVersion returns the head of the chain for typeKey and origin.
	LatestVersion(ctx context.Context, typeKey string, origin model.Origin) (*model.Version, error)

	// LatestVersions returns the head of every chain of the given origin, ordered by type key.
	LatestVersions(ctx context.Context, origin model.Origin) ([]*model.Version, error)

	FindVersionByID(ctx context.Context, id int64) (*model.Version, error)

	// FindVersionByHash returns the most recent version of typeKey with the hash, from either origin.
	FindVersionByHash(ctx context.Context, typeKey, hash string) (*model.Version, error)

	// InitialVersion returns the first version recorded for typeKey from either origin.
	InitialVersion(ctx context.Context, typeKey string) (*model.Version, error)

	// ListVersions returns every version of typeKey, oldest first.
	ListVersions(ctx context.Context, typeKey string) ([]*model.Version, error)

	// Sync states

	GetSyncState(ctx context.Context, typeKey string) (*model.SyncState, error)
	SaveSyncState(ctx context.Context, state *model.SyncState) error
	ListSyncStates(ctx context.Context) ([]*model.SyncState, error)

	// Sync records

	InsertSyncRecord(ctx context.Context, r *model.SyncRecord) error
	UpdateSyncRecordAttempts(ctx context.Context, id string, attempts int) error

	// FinishSyncRecord moves an IN_PROGRESS record to status. It reports false
	// when the record does not exist or has already left IN_PROGRESS.
	FinishSyncRecord(ctx context.Context, id string, status model.RecordStatus, response, errMsg string, completedAt time.Time) (bool, error)

	FindSyncRecord(ctx context.Context, id string) (*model.SyncRecord, error)

	// ListSyncRecords returns matching records, newest first.
	ListSyncRecords(ctx context.Context, filter model.SyncRecordFilter) ([]*model.SyncRecord, error)

	// Conflicts

	InsertConflict(ctx context.Context, c *model.ConflictEntry) error
	FindConflict(ctx context.Context, id string) (*model.ConflictEntry, error)

	// FindPendingConflict returns the unresolved entry for the exact divergence, if any.
	FindPendingConflict(ctx context.Context, typeKey, localHash, remoteHash string) (*model.ConflictEntry, error)

	ListConflicts(ctx context.Context, filter model.ConflictFilter) ([]*model.ConflictEntry, error)

	// ResolveConflict marks a pending entry resolved. It reports false when the
	// entry does not exist or is already resolved.
	ResolveConflict(ctx context.Context, id, resolution string, data *model.ContentTypeDefinition, resolvedBy string, resolvedAt time.Time) (bool, error)

	// DeleteResolvedConflicts removes resolved entries resolved before cutoff.
	DeleteResolvedConflicts(ctx context.Context, cutoff time.Time) (int64, error)

	InsertResolutionHistory(ctx context.Context, e *model.ResolutionHistoryEntry) error

	// TrimResolutionHistory keeps only the newest keep entries.
	TrimResolutionHistory(ctx context.Context, keep int) error

	// ListResolutionHistory returns entries newest first.
	ListResolutionHistory(ctx context.Context, limit int) ([]*model.ResolutionHistoryEntry, error)

	// Runs

	CreateSyncRun(ctx context.Context, operation, parameters string, startedAt time.Time) (*model.SyncRun, error)
	FinishSyncRun(ctx context.Context, id int64, status, statistics string, finishedAt time.Time) error
	ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error)
	MaxSyncRunID(ctx context.Context) (int64, error)

	// Snapshots

	// InsertSnapshotRecord records an archived snapshot. Re-inserting a checksum is a no-op.
	InsertSnapshotRecord(ctx context.Context, rec *model.SnapshotRecord) error
	FindSnapshotRecord(ctx context.Context, checksum string) (*model.SnapshotRecord, error)

	// Close closes the database connection.
	Close() error
}

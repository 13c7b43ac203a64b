package app

import (
	"errors"

	"ctsync/internal/ctsync"
)

// Run statuses stored on the sync_runs row.
const (
	RunSuccess   = "success"
	RunFailed    = "failed"
	RunPartial   = "partial"
	RunCancelled = "cancelled"
)

// Run tracks the CLI invocation being served. Runs start in memory with
// ID 0; commands that change state persist them, which assigns the ID the
// archived database copy is versioned by.
type Run struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	Statistics string
}

// NewRun creates an in-memory run.
func NewRun(operation, parameters string) *Run {
	return &Run{Operation: operation, Parameters: parameters, Status: RunSuccess}
}

// Persisted reports whether the run has a sync_runs row.
func (r *Run) Persisted() bool {
	return r.ID != 0
}

// syncRunStatus maps a sync outcome onto a run status.
func syncRunStatus(res *ctsync.SyncResult, err error) string {
	switch {
	case errors.Is(err, ctsync.ErrSyncCancelled) || (res != nil && res.Cancelled):
		return RunCancelled
	case err != nil:
		return RunFailed
	case res.Statistics.Errors > 0 && res.Statistics.Errors == len(res.Results):
		return RunFailed
	case res.Statistics.Errors > 0:
		return RunPartial
	default:
		return RunSuccess
	}
}

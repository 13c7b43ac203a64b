package ctsync

import (
	"context"
	"fmt"

	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

// ResumeReport lists what CheckInterruptedSyncs did.
type ResumeReport struct {
	// Resumed holds type keys whose interrupted operation had reached the
	// remote and was completed.
	Resumed []string
	// RolledBack holds type keys restored to their pre-sync status.
	RolledBack []string
	// Finalized holds sync record ids closed as FAILED because nothing was
	// left in flight for them.
	Finalized []string
}

// CheckInterruptedSyncs repairs work left behind by a process that stopped
// mid-run. Every in-flight key is either completed, when the remote already
// reflects the pending operation, or rolled back. Afterwards no sync record
// is left IN_PROGRESS.
func (o *Orchestrator) CheckInterruptedSyncs(ctx context.Context) (*ResumeReport, error) {
	report := &ResumeReport{}
	inFlight, err := o.states.ListInFlight(ctx)
	if err != nil {
		return nil, err
	}

	for _, st := range inFlight {
		resumed, err := o.recoverKey(ctx, st)
		if err != nil {
			return report, fmt.Errorf("recovering %s: %w", st.TypeKey, err)
		}
		if resumed {
			report.Resumed = append(report.Resumed, st.TypeKey)
		} else {
			report.RolledBack = append(report.RolledBack, st.TypeKey)
		}
	}

	dangling, err := o.history.GetSyncHistory(ctx, model.SyncRecordFilter{Status: model.RecordInProgress})
	if err != nil {
		return report, err
	}
	for _, r := range dangling {
		if err := o.history.UpdateSyncStatus(ctx, r.ID, model.RecordFailed, "", "interrupted before completion"); err != nil {
			return report, err
		}
		report.Finalized = append(report.Finalized, r.ID)
	}

	if len(inFlight) > 0 || len(dangling) > 0 {
		o.logger.Info("interrupted syncs recovered", "resumed", len(report.Resumed),
			"rolled_back", len(report.RolledBack), "finalized", len(report.Finalized))
	}
	return report, nil
}

func (o *Orchestrator) recoverKey(ctx context.Context, st *model.SyncState) (bool, error) {
	unlock := o.locks.Lock(st.TypeKey)
	defer unlock()

	applied := st.Step == model.StepApplied
	var current *model.RemoteContentType
	if !applied && o.provider != nil {
		var err error
		current, err = o.provider.GetContentType(ctx, st.TypeKey)
		switch {
		case IsProviderError(err, KindNotFound):
			current = nil
			applied = st.PendingOperation == model.OperationDelete
		case err != nil:
			o.logger.Warn("cannot inspect remote; rolling back", "type_key", st.TypeKey, "error", err)
		default:
			h, err := hashing.Hash(&current.Definition)
			if err != nil {
				return false, err
			}
			applied = h == st.PendingHash && st.PendingOperation != model.OperationDelete
		}
	}

	if !applied {
		if _, err := o.states.RollbackPartialSync(ctx, st.TypeKey); err != nil {
			return false, err
		}
		o.finishRecord(ctx, st.SyncRecordID, model.RecordFailed, "", "interrupted; rolled back")
		return false, nil
	}

	if st.PendingOperation == model.OperationDelete {
		if _, err := o.versions.RecordDeletion(ctx, st.TypeKey, model.OriginRemote, "ctsync", "resumed"); err != nil {
			return false, err
		}
	} else {
		v, err := o.versions.GetVersionByHash(ctx, st.TypeKey, st.PendingHash)
		if err != nil {
			return false, err
		}
		if v != nil && !v.Deleted {
			if _, err := o.versions.RecordVersion(ctx, v.Data, model.OriginRemote, "ctsync", "resumed"); err != nil {
				return false, err
			}
		}
	}
	if _, err := o.states.MarkAsSynced(ctx, st.TypeKey, st.PendingHash); err != nil {
		return false, err
	}
	o.finishRecord(ctx, st.SyncRecordID, model.RecordSuccess, "", "")
	o.logger.Info("interrupted sync completed", "type_key", st.TypeKey, "operation", string(st.PendingOperation))
	return true, nil
}

// finishRecord finalizes id when it is still IN_PROGRESS.
func (o *Orchestrator) finishRecord(ctx context.Context, id string, status model.RecordStatus, response, errMsg string) {
	if id == "" {
		return
	}
	rec, err := o.history.GetSyncRecord(ctx, id)
	if err != nil || rec == nil || rec.Status != model.RecordInProgress {
		return
	}
	if err := o.history.UpdateSyncStatus(ctx, id, status, response, errMsg); err != nil {
		o.logger.Error("finalizing sync record", "sync_id", id, "error", err)
	}
}

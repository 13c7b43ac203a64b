package ctsync

import (
	"context"
	"fmt"

	"ctsync/internal/model"
)

// SyncStateManager owns the per-type-key reconciliation state machine.
type SyncStateManager struct {
	db     Database
	clock  Clock
	logger Logger
}

func NewSyncStateManager(db Database, clock Clock, logger Logger) *SyncStateManager {
	return &SyncStateManager{db: db, clock: clock, logger: logger}
}

// ComputeStatus derives a status from the hash triplet. Sides that have
// converged on the same hash are in sync; otherwise a key never synced is
// new, one side moving is modified and both sides moving is a conflict.
func ComputeStatus(localHash, remoteHash, lastSyncedHash string) model.SyncStatus {
	if localHash != "" && localHash == remoteHash {
		return model.StatusInSync
	}
	if lastSyncedHash == "" {
		return model.StatusNew
	}
	localChanged := localHash != lastSyncedHash
	remoteChanged := remoteHash != lastSyncedHash
	switch {
	case localChanged && remoteChanged:
		return model.StatusConflict
	case localChanged || remoteChanged:
		return model.StatusModified
	default:
		return model.StatusInSync
	}
}

// StateUpdate carries the hashes to change; nil fields are left as they are.
type StateUpdate struct {
	LocalHash  *string
	RemoteHash *string
}

// GetSyncState returns the state for typeKey, or nil.
func (m *SyncStateManager) GetSyncState(ctx context.Context, typeKey string) (*model.SyncState, error) {
	st, err := m.db.GetSyncState(ctx, typeKey)
	if err != nil {
		return nil, fmt.Errorf("loading sync state for %s: %w", typeKey, err)
	}
	return st, nil
}

// ListSyncStates returns every state ordered by type key.
func (m *SyncStateManager) ListSyncStates(ctx context.Context) ([]*model.SyncState, error) {
	states, err := m.db.ListSyncStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sync states: %w", err)
	}
	return states, nil
}

// UpsertSyncState applies upd and recomputes the status.
func (m *SyncStateManager) UpsertSyncState(ctx context.Context, typeKey string, upd StateUpdate) (*model.SyncState, error) {
	st, err := m.load(ctx, typeKey)
	if err != nil {
		return nil, err
	}
	if upd.LocalHash != nil {
		st.LocalHash = *upd.LocalHash
	}
	if upd.RemoteHash != nil {
		st.RemoteHash = *upd.RemoteHash
	}
	st.SyncStatus = ComputeStatus(st.LocalHash, st.RemoteHash, st.LastSyncedHash)
	return st, m.save(ctx, st)
}

// MarkAsSynced records that both sides now hold hash.
func (m *SyncStateManager) MarkAsSynced(ctx context.Context, typeKey, hash string) (*model.SyncState, error) {
	st, err := m.load(ctx, typeKey)
	if err != nil {
		return nil, err
	}
	st.LastSyncedHash = hash
	st.RemoteHash = hash
	st.SyncStatus = model.StatusInSync
	clearInFlight(st)
	return st, m.save(ctx, st)
}

// DetectConflicts scans every state and flips those whose local and remote
// hashes both moved away from the last synced hash (without converging) to
// conflict. It returns the states it flipped.
func (m *SyncStateManager) DetectConflicts(ctx context.Context) ([]*model.SyncState, error) {
	states, err := m.ListSyncStates(ctx)
	if err != nil {
		return nil, err
	}
	var flipped []*model.SyncState
	for _, st := range states {
		if st.SyncStatus == model.StatusConflict {
			continue
		}
		if ComputeStatus(st.LocalHash, st.RemoteHash, st.LastSyncedHash) != model.StatusConflict {
			continue
		}
		st.SyncStatus = model.StatusConflict
		if err := m.save(ctx, st); err != nil {
			return nil, err
		}
		m.logger.Warn("sync state diverged", "type_key", st.TypeKey)
		flipped = append(flipped, st)
	}
	return flipped, nil
}

// MarkConflict records that typeKey has a conflict awaiting review,
// whatever its hash triplet says.
func (m *SyncStateManager) MarkConflict(ctx context.Context, typeKey string) error {
	st, err := m.load(ctx, typeKey)
	if err != nil {
		return err
	}
	st.SyncStatus = model.StatusConflict
	return m.save(ctx, st)
}

// BeginSync marks typeKey in flight for op towards targetHash, remembering
// the current status so a failed attempt can be rolled back.
func (m *SyncStateManager) BeginSync(ctx context.Context, typeKey string, op model.Operation, targetHash, recordID string) error {
	st, err := m.load(ctx, typeKey)
	if err != nil {
		return err
	}
	if st.InFlight {
		return fmt.Errorf("%w: %s", ErrSyncInFlight, typeKey)
	}
	st.PreSyncStatus = st.SyncStatus
	st.InFlight = true
	st.PendingOperation = op
	st.PendingHash = targetHash
	st.Step = model.StepPrepared
	st.SyncRecordID = recordID
	return m.save(ctx, st)
}

// MarkApplied records that the remote accepted the in-flight operation.
func (m *SyncStateManager) MarkApplied(ctx context.Context, typeKey string) error {
	st, err := m.load(ctx, typeKey)
	if err != nil {
		return err
	}
	if !st.InFlight {
		return nil
	}
	st.Step = model.StepApplied
	return m.save(ctx, st)
}

// RollbackPartialSync restores the pre-attempt status of an in-flight key.
// It reports whether anything was rolled back and is safe to call repeatedly.
func (m *SyncStateManager) RollbackPartialSync(ctx context.Context, typeKey string) (bool, error) {
	st, err := m.GetSyncState(ctx, typeKey)
	if err != nil {
		return false, err
	}
	if st == nil || !st.InFlight {
		return false, nil
	}
	if st.PreSyncStatus != "" {
		st.SyncStatus = st.PreSyncStatus
	}
	clearInFlight(st)
	if err := m.save(ctx, st); err != nil {
		return false, err
	}
	m.logger.Info("sync rolled back", "type_key", typeKey, "status", string(st.SyncStatus))
	return true, nil
}

// ListInFlight returns states left mid-operation.
func (m *SyncStateManager) ListInFlight(ctx context.Context) ([]*model.SyncState, error) {
	states, err := m.ListSyncStates(ctx)
	if err != nil {
		return nil, err
	}
	var out []*model.SyncState
	for _, st := range states {
		if st.InFlight {
			out = append(out, st)
		}
	}
	return out, nil
}

func clearInFlight(st *model.SyncState) {
	st.InFlight = false
	st.PreSyncStatus = ""
	st.PendingOperation = ""
	st.PendingHash = ""
	st.Step = model.StepNone
	st.SyncRecordID = ""
}

func (m *SyncStateManager) load(ctx context.Context, typeKey string) (*model.SyncState, error) {
	st, err := m.GetSyncState(ctx, typeKey)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = &model.SyncState{TypeKey: typeKey, SyncStatus: model.StatusNew}
	}
	return st, nil
}

func (m *SyncStateManager) save(ctx context.Context, st *model.SyncState) error {
	st.UpdatedAt = m.clock.Now()
	if err := m.db.SaveSyncState(ctx, st); err != nil {
		return fmt.Errorf("saving sync state for %s: %w", st.TypeKey, err)
	}
	return nil
}

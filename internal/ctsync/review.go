package ctsync

import (
	"context"
	"errors"
	"fmt"

	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

// DetectConflicts runs three-way detection over every tracked type key,
// flags what it finds for review and returns the conflicting results.
func (o *Orchestrator) DetectConflicts(ctx context.Context) ([]*ConflictResult, error) {
	states, err := o.states.ListSyncStates(ctx)
	if err != nil {
		return nil, err
	}

	var found []*ConflictResult
	for _, st := range states {
		c, err := o.detector.DetectConflicts(ctx, st.TypeKey)
		if err != nil {
			return nil, err
		}
		if !c.HasConflict {
			continue
		}
		if _, err := o.conflicts.FlagForReview(ctx, st.TypeKey, c); err != nil {
			return nil, err
		}
		if err := o.states.MarkConflict(ctx, st.TypeKey); err != nil {
			return nil, err
		}
		found = append(found, c)
	}

	if _, err := o.states.DetectConflicts(ctx); err != nil {
		return nil, err
	}
	return found, nil
}

// GetConflictQueue returns the review queue.
func (o *Orchestrator) GetConflictQueue(ctx context.Context, filter model.ConflictFilter) ([]*model.ConflictEntry, error) {
	return o.conflicts.GetConflictQueue(ctx, filter)
}

// ResolveOptions control ResolveConflicts.
type ResolveOptions struct {
	// Strategy to apply; empty selects the best strategy per conflict.
	Strategy   Strategy
	ResolvedBy string
	// Manual is the chosen definition for manual_merge.
	Manual    *model.ContentTypeDefinition
	WebsiteID string
	RunID     int64
}

// ResolveOutcome reports the resolution of one conflict.
type ResolveOutcome struct {
	ConflictID     string
	TypeKey        string
	Strategy       Strategy
	Success        bool
	RequiresManual bool
	SyncID         string
	Error          string
}

// ResolveConflicts resolves each pending conflict in ids, pushes the
// resolution to the provider when one is configured and writes it back to
// the local source. A conflict is marked resolved only once its resolution
// has been applied.
func (o *Orchestrator) ResolveConflicts(ctx context.Context, ids []string, opts ResolveOptions) ([]ResolveOutcome, error) {
	if opts.ResolvedBy == "" {
		opts.ResolvedBy = "ctsync"
	}
	out := make([]ResolveOutcome, 0, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			return out, ErrSyncCancelled
		}
		outcome, err := o.resolveOne(ctx, id, opts)
		if err != nil {
			return out, err
		}
		out = append(out, outcome)
	}
	return out, nil
}

func (o *Orchestrator) resolveOne(ctx context.Context, id string, opts ResolveOptions) (ResolveOutcome, error) {
	outcome := ResolveOutcome{ConflictID: id}
	entry, err := o.conflicts.GetConflict(ctx, id)
	if err != nil {
		if errors.Is(err, ErrConflictNotFound) {
			outcome.Error = err.Error()
			return outcome, nil
		}
		return outcome, err
	}
	outcome.TypeKey = entry.TypeKey
	if entry.Status == model.ConflictResolved {
		outcome.Error = fmt.Sprintf("%v: %s", ErrConflictAlreadyResolved, id)
		return outcome, nil
	}

	c, err := o.conflictFromEntry(ctx, entry)
	if err != nil {
		return outcome, err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = o.strategies.SelectBestStrategy(c)
	}
	outcome.Strategy = strategy

	var manual *model.ContentTypeDefinition
	if opts.Manual != nil && opts.Manual.Key == entry.TypeKey {
		manual = o.transformer.Transform(opts.Manual)
	}
	res := o.strategies.ResolveConflict(c, strategy, manual)
	if !res.Success {
		outcome.RequiresManual = res.RequiresManual
		outcome.Error = res.Error
		o.logger.Info("conflict not resolved", "type_key", entry.TypeKey, "conflict_id", id, "strategy", string(strategy), "error", res.Error)
		return outcome, nil
	}

	it := &plannedItem{
		key:        entry.TypeKey,
		conflictID: id,
		strategy:   strategy,
		writeBack:  true,
		hash:       hashing.TombstoneHash,
	}
	if !res.Deleted {
		it.def = o.transformer.Transform(res.Resolution)
		if it.hash, err = hashing.Hash(it.def); err != nil {
			return outcome, err
		}
	}

	syncOpts := SyncOptions{WebsiteID: opts.WebsiteID, Actor: opts.ResolvedBy, RunID: opts.RunID}
	if o.provider == nil {
		if err := o.settleLocally(ctx, syncOpts, it); err != nil {
			return outcome, err
		}
		outcome.Success = true
		return outcome, nil
	}

	current, err := o.provider.GetContentType(ctx, it.key)
	if err != nil && !IsProviderError(err, KindNotFound) {
		outcome.Error = err.Error()
		return outcome, nil
	}
	if err != nil {
		current = nil
	}

	currentHash := hashing.TombstoneHash
	if current != nil {
		if currentHash, err = hashing.Hash(&current.Definition); err != nil {
			return outcome, err
		}
	}

	if currentHash == it.hash {
		if err := o.settleLocally(ctx, syncOpts, it); err != nil {
			return outcome, err
		}
		if _, err := o.states.MarkAsSynced(ctx, it.key, it.hash); err != nil {
			return outcome, err
		}
		outcome.Success = true
		return outcome, nil
	}

	switch {
	case res.Deleted:
		it.action = ActionDelete
		it.previous = &current.Definition
	case current == nil:
		it.action = ActionCreate
	default:
		it.action = ActionUpdate
		it.etag = current.ETag
	}

	r := o.apply(ctx, syncOpts, it)
	outcome.SyncID = r.SyncID
	outcome.Success = r.Status == ItemSuccess
	outcome.Error = r.Error
	return outcome, nil
}

// settleLocally resolves a conflict whose resolution needs no remote call.
func (o *Orchestrator) settleLocally(ctx context.Context, opts SyncOptions, it *plannedItem) error {
	unlock := o.locks.Lock(it.key)
	defer unlock()

	if err := o.writeBack(ctx, opts, it); err != nil {
		return err
	}
	_, err := o.conflicts.ResolveConflict(ctx, it.conflictID, string(it.strategy), it.def, opts.Actor)
	return err
}

// conflictFromEntry rebuilds the detection result behind a queued entry.
func (o *Orchestrator) conflictFromEntry(ctx context.Context, e *model.ConflictEntry) (*ConflictResult, error) {
	load := func(hash string) (*model.Version, error) {
		if hash == "" {
			return nil, nil
		}
		return o.versions.GetVersionByHash(ctx, e.TypeKey, hash)
	}
	local, err := load(e.LocalHash)
	if err != nil {
		return nil, err
	}
	remote, err := load(e.RemoteHash)
	if err != nil {
		return nil, err
	}
	ancestor, err := load(e.AncestorHash)
	if err != nil {
		return nil, err
	}
	return &ConflictResult{
		TypeKey:           e.TypeKey,
		HasConflict:       true,
		Type:              e.ConflictType,
		Reason:            e.Reason,
		LocalHash:         e.LocalHash,
		RemoteHash:        e.RemoteHash,
		AncestorHash:      e.AncestorHash,
		ConflictingFields: e.ConflictingFields,
		Local:             local,
		Remote:            remote,
		Ancestor:          ancestor,
	}, nil
}

package ctsync

import (
	"context"
	"fmt"
	"slices"

	"ctsync/internal/model"
)

// Reasons attached to a ConflictResult.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonIdentical        = "identical"
	ReasonLocalAhead       = "local_fast_forward"
	ReasonRemoteAhead      = "remote_fast_forward"
	ReasonDiverged         = "diverged"
	ReasonPrecondition     = "precondition_failed"
	ReasonReadOnlySource   = "source_read_only"
)

// ConflictResult is the outcome of a three-way comparison for one type key.
type ConflictResult struct {
	TypeKey           string
	HasConflict       bool
	Type              model.ConflictType
	Reason            string
	LocalHash         string
	RemoteHash        string
	AncestorHash      string
	ConflictingFields []model.ConflictingField
	Local             *model.Version
	Remote            *model.Version
	Ancestor          *model.Version
}

// ConflictDetector decides whether local and remote edits of a type key
// diverged independently from their common ancestor.
type ConflictDetector struct {
	versions *VersionHistory
	logger   Logger
}

func NewConflictDetector(versions *VersionHistory, logger Logger) *ConflictDetector {
	return &ConflictDetector{versions: versions, logger: logger}
}

// DetectConflicts compares the latest local and remote versions of typeKey.
func (d *ConflictDetector) DetectConflicts(ctx context.Context, typeKey string) (*ConflictResult, error) {
	local, err := d.versions.GetLatestVersion(ctx, typeKey, model.OriginLocal)
	if err != nil {
		return nil, err
	}
	remote, err := d.versions.GetLatestVersion(ctx, typeKey, model.OriginRemote)
	if err != nil {
		return nil, err
	}
	if local == nil || remote == nil {
		return &ConflictResult{TypeKey: typeKey, Reason: ReasonInsufficientData, Local: local, Remote: remote}, nil
	}
	if local.Hash == remote.Hash {
		return &ConflictResult{
			TypeKey: typeKey, Reason: ReasonIdentical,
			LocalHash: local.Hash, RemoteHash: remote.Hash, AncestorHash: local.Hash,
			Local: local, Remote: remote, Ancestor: local,
		}, nil
	}

	ancestor, err := d.versions.FindCommonAncestor(ctx, local, remote)
	if err != nil {
		return nil, fmt.Errorf("finding common ancestor of %s: %w", typeKey, err)
	}

	result, err := ThreeWay(typeKey, ancestor, local, remote)
	if err != nil {
		return nil, err
	}
	if result.HasConflict {
		d.logger.Info("conflict detected", "type_key", typeKey, "conflict_type", string(result.Type), "fields", len(result.ConflictingFields))
	}
	return result, nil
}

// ThreeWay classifies local and remote against ancestor. A conflict exists
// only when both sides differ from the ancestor and from each other.
func ThreeWay(typeKey string, ancestor, local, remote *model.Version) (*ConflictResult, error) {
	r := &ConflictResult{TypeKey: typeKey, Local: local, Remote: remote, Ancestor: ancestor}
	if local == nil || remote == nil {
		r.Reason = ReasonInsufficientData
		return r, nil
	}
	r.LocalHash = local.Hash
	r.RemoteHash = remote.Hash
	if ancestor != nil {
		r.AncestorHash = ancestor.Hash
	}

	switch {
	case local.Hash == remote.Hash:
		r.Reason = ReasonIdentical
		return r, nil
	case local.Hash == r.AncestorHash:
		r.Reason = ReasonRemoteAhead
		return r, nil
	case remote.Hash == r.AncestorHash:
		r.Reason = ReasonLocalAhead
		return r, nil
	}

	r.HasConflict = true
	r.Reason = ReasonDiverged
	r.Type = classify(ancestor, local, remote)
	if r.Type == model.ConflictDelete {
		return r, nil
	}

	_, fields, err := mergeDefinitions(ancestor.DataOrNil(), local.Data, remote.Data)
	if err != nil {
		return nil, fmt.Errorf("diffing %s: %w", typeKey, err)
	}
	r.ConflictingFields = fields
	return r, nil
}

func classify(ancestor, local, remote *model.Version) model.ConflictType {
	if local.Deleted != remote.Deleted {
		return model.ConflictDelete
	}
	ls, rs := local.Data.Signature(), remote.Data.Signature()
	if ancestor.DataOrNil() == nil {
		if slices.Equal(ls, rs) {
			return model.ConflictField
		}
		return model.ConflictStructural
	}
	base := ancestor.Data.Signature()
	if !slices.Equal(ls, base) && !slices.Equal(rs, base) {
		return model.ConflictStructural
	}
	return model.ConflictField
}

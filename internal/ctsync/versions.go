package ctsync

import (
	"context"
	"fmt"

	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

// VersionHistory keeps an append-only chain of versions per type key and
// origin. Each new version points at the head it replaced.
type VersionHistory struct {
	db     Database
	clock  Clock
	logger Logger
}

func NewVersionHistory(db Database, clock Clock, logger Logger) *VersionHistory {
	return &VersionHistory{db: db, clock: clock, logger: logger}
}

// RecordVersion appends def to the chain for origin. Recording the hash that
// is already the head returns the head unchanged.
func (h *VersionHistory) RecordVersion(ctx context.Context, def *model.ContentTypeDefinition, origin model.Origin, actor, note string) (*model.Version, error) {
	hash, err := hashing.Hash(def)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", def.Key, err)
	}
	return h.append(ctx, def.Key, origin, hash, hashing.Normalize(def), actor, note)
}

// RecordDeletion appends a tombstone to the chain for origin. It is a no-op
// when the chain is empty or already ends in a tombstone.
func (h *VersionHistory) RecordDeletion(ctx context.Context, typeKey string, origin model.Origin, actor, note string) (*model.Version, error) {
	head, err := h.db.LatestVersion(ctx, typeKey, origin)
	if err != nil {
		return nil, fmt.Errorf("loading head for %s: %w", typeKey, err)
	}
	if head == nil {
		return nil, nil
	}
	return h.append(ctx, typeKey, origin, hashing.TombstoneHash, nil, actor, note)
}

func (h *VersionHistory) append(ctx context.Context, typeKey string, origin model.Origin, hash string, data *model.ContentTypeDefinition, actor, note string) (*model.Version, error) {
	head, err := h.db.LatestVersion(ctx, typeKey, origin)
	if err != nil {
		return nil, fmt.Errorf("loading head for %s: %w", typeKey, err)
	}
	if head != nil && head.Hash == hash {
		return head, nil
	}

	v := &model.Version{
		TypeKey:   typeKey,
		Origin:    origin,
		Hash:      hash,
		Data:      data,
		Deleted:   data == nil,
		Actor:     actor,
		Note:      note,
		CreatedAt: h.clock.Now(),
	}
	if head != nil {
		v.ParentID = head.ID
		v.ParentHash = head.Hash
	}
	if err := h.db.InsertVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("recording version of %s: %w", typeKey, err)
	}

	h.logger.Debug("version recorded", "type_key", typeKey, "origin", string(origin), "hash", short(hash), "parent", short(v.ParentHash))
	return v, nil
}

// GetLatestVersion returns the head for typeKey and origin, or nil.
func (h *VersionHistory) GetLatestVersion(ctx context.Context, typeKey string, origin model.Origin) (*model.Version, error) {
	v, err := h.db.LatestVersion(ctx, typeKey, origin)
	if err != nil {
		return nil, fmt.Errorf("loading latest %s version of %s: %w", origin, typeKey, err)
	}
	return v, nil
}

// LatestVersions returns the head of every chain of origin, ordered by type key.
func (h *VersionHistory) LatestVersions(ctx context.Context, origin model.Origin) ([]*model.Version, error) {
	vs, err := h.db.LatestVersions(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("loading latest %s versions: %w", origin, err)
	}
	return vs, nil
}

// GetVersionByHash returns a version of typeKey with the given hash, or nil.
// Equal hashes denote the same content whichever side recorded them.
func (h *VersionHistory) GetVersionByHash(ctx context.Context, typeKey, hash string) (*model.Version, error) {
	v, err := h.db.FindVersionByHash(ctx, typeKey, hash)
	if err != nil {
		return nil, fmt.Errorf("finding version %s of %s: %w", short(hash), typeKey, err)
	}
	return v, nil
}

// GetInitialVersion returns the first version ever recorded for typeKey, or nil.
func (h *VersionHistory) GetInitialVersion(ctx context.Context, typeKey string) (*model.Version, error) {
	v, err := h.db.InitialVersion(ctx, typeKey)
	if err != nil {
		return nil, fmt.Errorf("finding initial version of %s: %w", typeKey, err)
	}
	return v, nil
}

// ListVersions returns every version of typeKey, oldest first.
func (h *VersionHistory) ListVersions(ctx context.Context, typeKey string) ([]*model.Version, error) {
	vs, err := h.db.ListVersions(ctx, typeKey)
	if err != nil {
		return nil, fmt.Errorf("listing versions of %s: %w", typeKey, err)
	}
	return vs, nil
}

// GetAncestorChain walks parent links from v to the root of its chain.
// The result starts with v itself.
func (h *VersionHistory) GetAncestorChain(ctx context.Context, v *model.Version) ([]*model.Version, error) {
	if v == nil {
		return nil, nil
	}
	chain := []*model.Version{v}
	cur := v
	for cur.ParentID != 0 {
		parent, err := h.db.FindVersionByID(ctx, cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("walking ancestors of %s: %w", v.TypeKey, err)
		}
		if parent == nil {
			h.logger.Warn("version chain broken", "type_key", v.TypeKey, "missing_parent", cur.ParentID)
			break
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// FindCommonAncestor returns the most recent version of local's chain whose
// hash also appears in remote's chain. With no shared hash it falls back to
// the initial version of the type key.
func (h *VersionHistory) FindCommonAncestor(ctx context.Context, local, remote *model.Version) (*model.Version, error) {
	localChain, err := h.GetAncestorChain(ctx, local)
	if err != nil {
		return nil, err
	}
	remoteChain, err := h.GetAncestorChain(ctx, remote)
	if err != nil {
		return nil, err
	}

	remoteHashes := make(map[string]bool, len(remoteChain))
	for _, v := range remoteChain {
		remoteHashes[v.Hash] = true
	}
	for _, v := range localChain {
		if remoteHashes[v.Hash] {
			return v, nil
		}
	}

	typeKey := ""
	switch {
	case local != nil:
		typeKey = local.TypeKey
	case remote != nil:
		typeKey = remote.TypeKey
	default:
		return nil, nil
	}
	return h.GetInitialVersion(ctx, typeKey)
}

// short abbreviates a hash for log output.
func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

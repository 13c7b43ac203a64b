package ctsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ctsync/internal/model"
)

// DefaultResolutionHistoryLimit caps the resolution audit trail.
const DefaultResolutionHistoryLimit = 100

// ConflictManager keeps the review queue of unresolved conflicts. The
// database is authoritative; the pending queue is cached in memory and the
// cache is dropped on every write.
type ConflictManager struct {
	db           Database
	clock        Clock
	idgen        IDGenerator
	logger       Logger
	historyLimit int

	mu      sync.Mutex
	pending []*model.ConflictEntry // nil when not loaded
}

func NewConflictManager(db Database, clock Clock, idgen IDGenerator, logger Logger, historyLimit int) *ConflictManager {
	if historyLimit <= 0 {
		historyLimit = DefaultResolutionHistoryLimit
	}
	return &ConflictManager{db: db, clock: clock, idgen: idgen, logger: logger, historyLimit: historyLimit}
}

// PriorityFor applies the review priority policy.
func PriorityFor(t model.ConflictType, conflictingFields int) model.Priority {
	switch {
	case t == model.ConflictStructural:
		return model.PriorityCritical
	case t == model.ConflictDelete:
		return model.PriorityHigh
	case conflictingFields > 3:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

// FlagForReview queues a detected conflict. Flagging the same divergence
// (type key, local hash, remote hash) while it is pending returns the
// existing entry.
func (m *ConflictManager) FlagForReview(ctx context.Context, typeKey string, result *ConflictResult) (*model.ConflictEntry, error) {
	if result == nil || !result.HasConflict {
		return nil, fmt.Errorf("flagging %s: no conflict to flag", typeKey)
	}

	existing, err := m.db.FindPendingConflict(ctx, typeKey, result.LocalHash, result.RemoteHash)
	if err != nil {
		return nil, fmt.Errorf("checking for pending conflict on %s: %w", typeKey, err)
	}
	if existing != nil {
		return existing, nil
	}

	entry := &model.ConflictEntry{
		ID:                m.idgen.New(),
		TypeKey:           typeKey,
		ConflictType:      result.Type,
		LocalHash:         result.LocalHash,
		RemoteHash:        result.RemoteHash,
		AncestorHash:      result.AncestorHash,
		Reason:            result.Reason,
		ConflictingFields: result.ConflictingFields,
		Priority:          PriorityFor(result.Type, len(result.ConflictingFields)),
		Status:            model.ConflictPending,
		FlaggedAt:         m.clock.Now(),
	}
	if err := m.db.InsertConflict(ctx, entry); err != nil {
		return nil, fmt.Errorf("flagging conflict on %s: %w", typeKey, err)
	}
	m.invalidate()

	m.logger.Warn("conflict flagged for review", "type_key", typeKey, "conflict_id", entry.ID,
		"conflict_type", string(entry.ConflictType), "priority", string(entry.Priority))
	return entry, nil
}

// GetConflict returns one entry by id.
func (m *ConflictManager) GetConflict(ctx context.Context, id string) (*model.ConflictEntry, error) {
	c, err := m.db.FindConflict(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding conflict %s: %w", id, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrConflictNotFound, id)
	}
	return c, nil
}

// GetConflictQueue returns entries ordered by priority (most urgent first)
// and then by flag time (oldest first). An empty filter status means pending.
func (m *ConflictManager) GetConflictQueue(ctx context.Context, filter model.ConflictFilter) ([]*model.ConflictEntry, error) {
	if filter.Status == "" {
		filter.Status = model.ConflictPending
	}

	var source []*model.ConflictEntry
	if filter.Status == model.ConflictPending {
		pending, err := m.loadPending(ctx)
		if err != nil {
			return nil, err
		}
		source = pending
	} else {
		all, err := m.db.ListConflicts(ctx, model.ConflictFilter{Status: filter.Status})
		if err != nil {
			return nil, fmt.Errorf("listing conflicts: %w", err)
		}
		source = all
	}

	out := make([]*model.ConflictEntry, 0, len(source))
	for _, c := range source {
		if filter.TypeKey != "" && c.TypeKey != filter.TypeKey {
			continue
		}
		if filter.Priority != "" && c.Priority != filter.Priority {
			continue
		}
		if filter.ConflictType != "" && c.ConflictType != filter.ConflictType {
			continue
		}
		out = append(out, c)
	}
	sortQueue(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func sortQueue(entries []*model.ConflictEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].Priority.Rank(), entries[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		if !entries[i].FlaggedAt.Equal(entries[j].FlaggedAt) {
			return entries[i].FlaggedAt.Before(entries[j].FlaggedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func (m *ConflictManager) loadPending(ctx context.Context) ([]*model.ConflictEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		pending, err := m.db.ListConflicts(ctx, model.ConflictFilter{Status: model.ConflictPending})
		if err != nil {
			return nil, fmt.Errorf("loading pending conflicts: %w", err)
		}
		if pending == nil {
			pending = []*model.ConflictEntry{}
		}
		m.pending = pending
	}
	out := make([]*model.ConflictEntry, len(m.pending))
	copy(out, m.pending)
	return out, nil
}

func (m *ConflictManager) invalidate() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

// ResolveConflict moves a pending entry to resolved and appends it to the
// resolution history. Resolved entries never change again.
func (m *ConflictManager) ResolveConflict(ctx context.Context, id, resolution string, data *model.ContentTypeDefinition, resolvedBy string) (*model.ConflictEntry, error) {
	entry, err := m.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status == model.ConflictResolved {
		return nil, fmt.Errorf("%w: %s", ErrConflictAlreadyResolved, id)
	}

	now := m.clock.Now()
	ok, err := m.db.ResolveConflict(ctx, id, resolution, data, resolvedBy, now)
	if err != nil {
		return nil, fmt.Errorf("resolving conflict %s: %w", id, err)
	}
	m.invalidate()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConflictAlreadyResolved, id)
	}

	hist := &model.ResolutionHistoryEntry{
		ConflictID:   id,
		TypeKey:      entry.TypeKey,
		ConflictType: entry.ConflictType,
		Resolution:   resolution,
		ResolvedBy:   resolvedBy,
		ResolvedAt:   now,
	}
	if err := m.db.InsertResolutionHistory(ctx, hist); err != nil {
		return nil, fmt.Errorf("recording resolution of %s: %w", id, err)
	}
	if err := m.db.TrimResolutionHistory(ctx, m.historyLimit); err != nil {
		return nil, fmt.Errorf("trimming resolution history: %w", err)
	}

	entry.Status = model.ConflictResolved
	entry.Resolution = resolution
	entry.ResolvedData = data
	entry.ResolvedBy = resolvedBy
	entry.ResolvedAt = &now

	m.logger.Info("conflict resolved", "type_key", entry.TypeKey, "conflict_id", id, "resolution", resolution, "resolved_by", resolvedBy)
	return entry, nil
}

// GetResolutionHistory returns the newest resolutions first.
func (m *ConflictManager) GetResolutionHistory(ctx context.Context, limit int) ([]*model.ResolutionHistoryEntry, error) {
	if limit <= 0 || limit > m.historyLimit {
		limit = m.historyLimit
	}
	h, err := m.db.ListResolutionHistory(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing resolution history: %w", err)
	}
	return h, nil
}

// ClearResolvedConflicts deletes resolved entries older than olderThanDays.
// Pending entries are never deleted.
func (m *ConflictManager) ClearResolvedConflicts(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays < 0 {
		return 0, fmt.Errorf("olderThanDays must not be negative: %d", olderThanDays)
	}
	cutoff := m.clock.Now().Add(-time.Duration(olderThanDays) * 24 * time.Hour)
	n, err := m.db.DeleteResolvedConflicts(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clearing resolved conflicts: %w", err)
	}
	m.invalidate()
	if n > 0 {
		m.logger.Info("resolved conflicts cleared", "count", n, "older_than_days", olderThanDays)
	}
	return n, nil
}

// ConflictStats summarises the queue.
type ConflictStats struct {
	Total      int
	Pending    int
	Resolved   int
	ByType     map[model.ConflictType]int
	ByPriority map[model.Priority]int // pending entries only
}

func (m *ConflictManager) GetStatistics(ctx context.Context) (*ConflictStats, error) {
	all, err := m.db.ListConflicts(ctx, model.ConflictFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing conflicts: %w", err)
	}
	s := &ConflictStats{
		ByType:     make(map[model.ConflictType]int),
		ByPriority: make(map[model.Priority]int),
	}
	for _, c := range all {
		s.Total++
		s.ByType[c.ConflictType]++
		if c.Status == model.ConflictPending {
			s.Pending++
			s.ByPriority[c.Priority]++
		} else {
			s.Resolved++
		}
	}
	return s, nil
}

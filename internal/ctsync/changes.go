package ctsync

import (
	"fmt"

	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

// ChangeKind classifies one definition against a stored copy.
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeUnchanged ChangeKind = "unchanged"
)

// Change is the classification of one type key.
type Change struct {
	TypeKey      string
	Kind         ChangeKind
	Hash         string
	PreviousHash string
	Definition   *model.ContentTypeDefinition
}

// ChangeDetector diffs extracted definitions against stored copies by hash.
type ChangeDetector struct{}

func NewChangeDetector() *ChangeDetector { return &ChangeDetector{} }

// DetectChanges classifies every key in current and stored. Results follow
// current's order, then stored-only keys in stored's order. Nil entries are skipped.
func (d *ChangeDetector) DetectChanges(current, stored []*model.ContentTypeDefinition) ([]Change, error) {
	storedHashes := make(map[string]string, len(stored))
	for _, def := range stored {
		if def == nil {
			continue
		}
		h, err := hashing.Hash(def)
		if err != nil {
			return nil, fmt.Errorf("hashing stored %s: %w", def.Key, err)
		}
		storedHashes[def.Key] = h
	}

	seen := make(map[string]bool, len(current))
	changes := make([]Change, 0, len(current)+len(stored))
	for _, def := range current {
		if def == nil {
			continue
		}
		h, err := hashing.Hash(def)
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", def.Key, err)
		}
		seen[def.Key] = true

		c := Change{TypeKey: def.Key, Hash: h, Definition: def}
		prev, ok := storedHashes[def.Key]
		switch {
		case !ok:
			c.Kind = ChangeCreated
		case prev == h:
			c.Kind = ChangeUnchanged
			c.PreviousHash = prev
		default:
			c.Kind = ChangeUpdated
			c.PreviousHash = prev
		}
		changes = append(changes, c)
	}

	for _, def := range stored {
		if def == nil || seen[def.Key] {
			continue
		}
		seen[def.Key] = true
		changes = append(changes, Change{
			TypeKey:      def.Key,
			Kind:         ChangeDeleted,
			PreviousHash: storedHashes[def.Key],
			Definition:   def,
		})
	}
	return changes, nil
}

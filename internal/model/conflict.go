package model

import (
	"encoding/json"
	"time"
)

type ConflictType string

const (
	ConflictStructural ConflictType = "structural"
	ConflictField      ConflictType = "field"
	ConflictDelete     ConflictType = "delete"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending_review"
	ConflictResolved ConflictStatus = "resolved"
)

// ConflictingField is one attribute edited differently on both sides.
// A nil value means the attribute is absent on that side.
type ConflictingField struct {
	Field         string          `json:"field"`
	LocalValue    json.RawMessage `json:"localValue"`
	RemoteValue   json.RawMessage `json:"remoteValue"`
	AncestorValue json.RawMessage `json:"ancestorValue"`
}

// ConflictEntry is a flagged divergence awaiting (or having received) a decision.
type ConflictEntry struct {
	ID                string
	TypeKey           string
	ConflictType      ConflictType
	LocalHash         string
	RemoteHash        string
	AncestorHash      string
	Reason            string
	ConflictingFields []ConflictingField
	Priority          Priority
	Status            ConflictStatus
	FlaggedAt         time.Time
	Resolution        string
	ResolvedData      *ContentTypeDefinition
	ResolvedBy        string
	ResolvedAt        *time.Time
}

// ConflictFilter narrows a conflict listing. Zero values match everything,
// except Status which defaults to pending_review where noted by the caller.
type ConflictFilter struct {
	Status       ConflictStatus
	TypeKey      string
	Priority     Priority
	ConflictType ConflictType
	Limit        int
}

// ResolutionHistoryEntry is one audit line for a resolved conflict.
type ResolutionHistoryEntry struct {
	ID           int64
	ConflictID   string
	TypeKey      string
	ConflictType ConflictType
	Resolution   string
	ResolvedBy   string
	ResolvedAt   time.Time
}

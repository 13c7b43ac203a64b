package model

import "time"

// SyncStatus is the reconciliation status of one type key.
type SyncStatus string

const (
	StatusNew      SyncStatus = "new"
	StatusModified SyncStatus = "modified"
	StatusConflict SyncStatus = "conflict"
	StatusInSync   SyncStatus = "in_sync"
)

// SyncStep records how far an in-flight operation got before the process stopped.
type SyncStep string

const (
	StepNone     SyncStep = ""
	StepPrepared SyncStep = "prepared"
	StepApplied  SyncStep = "applied"
)

// SyncState is the current reconciliation state for one type key.
type SyncState struct {
	TypeKey          string
	LocalHash        string
	RemoteHash       string
	LastSyncedHash   string
	SyncStatus       SyncStatus
	InFlight         bool
	PreSyncStatus    SyncStatus
	PendingOperation Operation
	PendingHash      string
	Step             SyncStep
	SyncRecordID     string
	UpdatedAt        time.Time
}

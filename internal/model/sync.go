package model

import "time"

type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
)

type Operation string

const (
	OperationCreate   Operation = "create"
	OperationUpdate   Operation = "update"
	OperationDelete   Operation = "delete"
	OperationValidate Operation = "validate"
)

type RecordStatus string

const (
	RecordInProgress RecordStatus = "IN_PROGRESS"
	RecordSuccess    RecordStatus = "SUCCESS"
	RecordFailed     RecordStatus = "FAILED"
	RecordPartial    RecordStatus = "PARTIAL"
)

// IsTerminal reports whether s is one of the states a record may finish in.
func (s RecordStatus) IsTerminal() bool {
	return s == RecordSuccess || s == RecordFailed || s == RecordPartial
}

// SyncRecord is one attempted operation against the remote provider.
type SyncRecord struct {
	ID               string
	RunID            int64
	TypeKey          string
	VersionHash      string
	Direction        Direction
	Operation        Operation
	Status           RecordStatus
	Attempts         int
	SnapshotChecksum string
	Response         string
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// SyncRecordFilter narrows a sync history listing.
type SyncRecordFilter struct {
	TypeKey string
	Status  RecordStatus
	RunID   int64
	Limit   int
}

// SyncRun is one CLI invocation that mutated the state database.
type SyncRun struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	Statistics string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// SnapshotRecord indexes a snapshot archived in the vault.
type SnapshotRecord struct {
	Checksum  string
	TypeKey   string
	Size      int64
	Encrypted bool
	CreatedAt time.Time
}

package model

import "time"

// Origin identifies which side produced a version.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Version is an immutable capture of a definition. Versions of one type key
// and origin form a chain through ParentID/ParentHash. A deleted version is a
// tombstone with nil Data.
type Version struct {
	ID         int64
	TypeKey    string
	Origin     Origin
	Hash       string
	ParentID   int64 // 0 for the first version of a chain
	ParentHash string
	Data       *ContentTypeDefinition
	Deleted    bool
	Actor      string
	Note       string
	CreatedAt  time.Time
}

// DataOrNil returns v.Data, tolerating a nil version.
func (v *Version) DataOrNil() *ContentTypeDefinition {
	if v == nil {
		return nil
	}
	return v.Data
}

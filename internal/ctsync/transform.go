package ctsync

import (
	"strings"

	"ctsync/internal/model"
)

const (
	// ManagedMetadataKey marks remote definitions created by this engine.
	ManagedMetadataKey = "managedBy"
	ManagedMetadataVal = "ctsync"
)

// Transformer turns extracted definitions into the representation sent to
// the provider.
type Transformer struct {
	// ManagedPrefix, when set, also marks remote keys carrying it as managed.
	ManagedPrefix string
}

// Transform returns a copy of def carrying the managed marker.
func (t Transformer) Transform(def *model.ContentTypeDefinition) *model.ContentTypeDefinition {
	out := def.Clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, 1)
	}
	out.Metadata[ManagedMetadataKey] = ManagedMetadataVal
	return out
}

// Untransform strips what Transform added, for writing back to the source.
func (t Transformer) Untransform(def *model.ContentTypeDefinition) *model.ContentTypeDefinition {
	out := def.Clone()
	delete(out.Metadata, ManagedMetadataKey)
	if len(out.Metadata) == 0 {
		out.Metadata = nil
	}
	return out
}

// IsManaged reports whether a remote definition was created by this engine
// and may therefore be deleted when it disappears locally.
func (t Transformer) IsManaged(def *model.ContentTypeDefinition) bool {
	if def == nil {
		return false
	}
	if def.Metadata[ManagedMetadataKey] == ManagedMetadataVal {
		return true
	}
	return t.ManagedPrefix != "" && strings.HasPrefix(def.Key, t.ManagedPrefix)
}

// Package hashing computes canonical content fingerprints for content-type
// definitions. SHA-256 over canonical JSON is the only fingerprint in use;
// version ids, change detection and provider ETags all derive from it.
package hashing

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"ctsync/internal/model"
)

// Canonicalize encodes v as JSON with object keys sorted at every level and
// numbers kept verbatim.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-encodes an existing JSON document in canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decoding value: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("re-encoding value: %w", err)
	}
	return out, nil
}

// Sum returns the lowercase hex SHA-256 of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// HashValue returns the SHA-256 of v's canonical JSON.
func HashValue(v any) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Sum(data), nil
}

// Hash returns the 64-character fingerprint of a definition. Attribute order,
// field order and nil-versus-empty collections do not affect the result.
// A nil definition hashes as the tombstone.
func Hash(def *model.ContentTypeDefinition) (string, error) {
	if def == nil {
		return TombstoneHash, nil
	}
	return HashValue(Normalize(def))
}

// Normalize returns a copy of def with fields ordered by key and empty
// collections folded to their canonical form. Field order is not part of a
// schema, so reordering fields alone is never a change.
func Normalize(def *model.ContentTypeDefinition) *model.ContentTypeDefinition {
	n := *def
	n.Fields = make([]model.Field, len(def.Fields))
	copy(n.Fields, def.Fields)
	sort.SliceStable(n.Fields, func(i, j int) bool { return n.Fields[i].Key < n.Fields[j].Key })
	if len(n.Metadata) == 0 {
		n.Metadata = nil
	}
	if len(n.Extensions) == 0 {
		n.Extensions = nil
	}
	for i := range n.Fields {
		if len(n.Fields[i].Extensions) == 0 {
			n.Fields[i].Extensions = nil
		}
	}
	return &n
}

// TombstoneHash identifies a deleted definition: the hash of JSON null.
var TombstoneHash = Sum([]byte("null"))

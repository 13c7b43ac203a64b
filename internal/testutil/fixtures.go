package testutil

import (
	"testing"

	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

// Definition builds a valid definition with one required text field per
// name in fields, or a single "title" field when none are given.
func Definition(key, displayName string, fields ...string) *model.ContentTypeDefinition {
	if len(fields) == 0 {
		fields = []string{"title"}
	}
	def := &model.ContentTypeDefinition{Key: key, DisplayName: displayName}
	for _, name := range fields {
		def.Fields = append(def.Fields, model.Field{Key: name, Type: model.FieldText, Required: true})
	}
	return def
}

// MustHash returns the content hash of def or fails the test.
func MustHash(t *testing.T, def *model.ContentTypeDefinition) string {
	t.Helper()
	h, err := hashing.Hash(def)
	if err != nil {
		t.Fatalf("hashing %s: %v", def.Key, err)
	}
	return h
}

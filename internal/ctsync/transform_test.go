package ctsync_test

import (
	"testing"

	"ctsync/internal/ctsync"
	"ctsync/internal/testutil"
)

func TestTransformer(t *testing.T) {
	tr := ctsync.Transformer{}
	def := testutil.Definition("article", "Article")
	def.Metadata = map[string]string{"owner": "editorial"}

	out := tr.Transform(def)
	if out.Metadata[ctsync.ManagedMetadataKey] != ctsync.ManagedMetadataVal {
		t.Errorf("Transform() metadata = %v, want managed marker", out.Metadata)
	}
	if _, ok := def.Metadata[ctsync.ManagedMetadataKey]; ok {
		t.Error("Transform() modified its input")
	}
	if !tr.IsManaged(out) {
		t.Error("IsManaged(transformed) = false")
	}
	if tr.IsManaged(def) {
		t.Error("IsManaged(source) = true")
	}

	back := tr.Untransform(out)
	if len(back.Metadata) != 1 || back.Metadata["owner"] != "editorial" {
		t.Errorf("Untransform() metadata = %v, want owner only", back.Metadata)
	}
	if testutil.MustHash(t, back) != testutil.MustHash(t, def) {
		t.Error("Untransform(Transform(def)) hash differs from def")
	}

	bare := tr.Untransform(tr.Transform(testutil.Definition("page", "Page")))
	if bare.Metadata != nil {
		t.Errorf("Untransform() left empty metadata %v, want nil", bare.Metadata)
	}
}

func TestTransformer_ManagedPrefix(t *testing.T) {
	tr := ctsync.Transformer{ManagedPrefix: "ct_"}
	if !tr.IsManaged(testutil.Definition("ct_article", "Article")) {
		t.Error("IsManaged(prefixed key) = false")
	}
	if tr.IsManaged(testutil.Definition("article", "Article")) {
		t.Error("IsManaged(unprefixed key) = true")
	}
	if tr.IsManaged(nil) {
		t.Error("IsManaged(nil) = true")
	}
}

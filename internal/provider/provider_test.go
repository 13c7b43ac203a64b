package provider

import (
	"context"
	"errors"
	"testing"

	"ctsync/internal/ctsync"
	"ctsync/internal/hashing"
	"ctsync/internal/model"
)

func article(displayName string) *model.ContentTypeDefinition {
	return &model.ContentTypeDefinition{
		Key:         "article",
		DisplayName: displayName,
		Fields: []model.Field{
			{Key: "title", Type: model.FieldText, Required: true},
		},
	}
}

// exerciseProvider runs the behaviour every Provider must share.
func exerciseProvider(t *testing.T, p ctsync.Provider) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing is not found", func(t *testing.T) {
		_, err := p.GetContentType(ctx, "article")
		if !ctsync.IsProviderError(err, ctsync.KindNotFound) {
			t.Fatalf("GetContentType() error = %v, want not_found", err)
		}
	})

	var etag string
	t.Run("create then get", func(t *testing.T) {
		created, err := p.CreateContentType(ctx, article("Article"))
		if err != nil {
			t.Fatalf("CreateContentType() error = %v", err)
		}
		if created.ETag == "" {
			t.Fatal("CreateContentType() returned empty ETag")
		}
		etag = created.ETag

		got, err := p.GetContentType(ctx, "article")
		if err != nil {
			t.Fatalf("GetContentType() error = %v", err)
		}
		if got.ETag != etag {
			t.Errorf("ETag = %q, want %q", got.ETag, etag)
		}
		want, _ := hashing.Hash(article("Article"))
		have, _ := hashing.Hash(&got.Definition)
		if have != want {
			t.Errorf("stored definition hash = %s, want %s", have, want)
		}
	})

	t.Run("create existing fails precondition", func(t *testing.T) {
		_, err := p.CreateContentType(ctx, article("Again"))
		if !ctsync.IsProviderError(err, ctsync.KindPrecondition) {
			t.Fatalf("CreateContentType() error = %v, want precondition", err)
		}
	})

	t.Run("update with stale etag fails", func(t *testing.T) {
		_, err := p.UpdateContentType(ctx, "article", article("Stale"), `"stale"`)
		if !ctsync.IsProviderError(err, ctsync.KindPrecondition) {
			t.Fatalf("UpdateContentType() error = %v, want precondition", err)
		}
	})

	t.Run("update with current etag", func(t *testing.T) {
		updated, err := p.UpdateContentType(ctx, "article", article("Article v2"), etag)
		if err != nil {
			t.Fatalf("UpdateContentType() error = %v", err)
		}
		if updated.ETag == etag {
			t.Error("ETag did not change after update")
		}
		if updated.Definition.DisplayName != "Article v2" {
			t.Errorf("DisplayName = %q, want %q", updated.Definition.DisplayName, "Article v2")
		}
	})

	t.Run("update missing is not found", func(t *testing.T) {
		def := article("Page")
		def.Key = "page"
		_, err := p.UpdateContentType(ctx, "page", def, "")
		if !ctsync.IsProviderError(err, ctsync.KindNotFound) {
			t.Fatalf("UpdateContentType() error = %v, want not_found", err)
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		def := article("Author")
		def.Key = "author"
		if _, err := p.CreateContentType(ctx, def); err != nil {
			t.Fatalf("CreateContentType() error = %v", err)
		}
		list, err := p.GetContentTypes(ctx)
		if err != nil {
			t.Fatalf("GetContentTypes() error = %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("len(list) = %d, want 2", len(list))
		}
		if list[0].Definition.Key != "article" || list[1].Definition.Key != "author" {
			t.Errorf("keys = %s, %s", list[0].Definition.Key, list[1].Definition.Key)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := p.DeleteContentType(ctx, "author"); err != nil {
			t.Fatalf("DeleteContentType() error = %v", err)
		}
		err := p.DeleteContentType(ctx, "author")
		if !ctsync.IsProviderError(err, ctsync.KindNotFound) {
			t.Fatalf("second DeleteContentType() error = %v, want not_found", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := p.GetContentTypes(cctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("GetContentTypes() error = %v, want context.Canceled", err)
		}
	})
}

func TestMemoryProvider(t *testing.T) {
	exerciseProvider(t, NewMemoryProvider())
}

func TestFileSystemProvider(t *testing.T) {
	p, err := NewFileSystemProvider(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemProvider() error = %v", err)
	}
	exerciseProvider(t, p)
}

package provider

import (
	"context"
	"errors"
	"testing"

	"ctsync/internal/ctsync"
)

func TestMemoryProvider_FailNext(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	p.FailNext(OpCreate,
		ctsync.NewProviderError(ctsync.KindServer, "article", "boom"),
		ctsync.NewProviderError(ctsync.KindRateLimited, "article", "slow down"),
	)

	if _, err := p.CreateContentType(ctx, article("A")); !ctsync.IsProviderError(err, ctsync.KindServer) {
		t.Fatalf("first CreateContentType() error = %v, want server", err)
	}
	if _, err := p.CreateContentType(ctx, article("A")); !ctsync.IsProviderError(err, ctsync.KindRateLimited) {
		t.Fatalf("second CreateContentType() error = %v, want rate_limited", err)
	}
	if _, err := p.CreateContentType(ctx, article("A")); err != nil {
		t.Fatalf("third CreateContentType() error = %v", err)
	}
	if got := p.Calls(OpCreate); got != 3 {
		t.Errorf("Calls(create) = %d, want 3", got)
	}
	if got := p.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestMemoryProvider_PutChangesETag(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	created, err := p.CreateContentType(ctx, article("A"))
	if err != nil {
		t.Fatalf("CreateContentType() error = %v", err)
	}
	edited := p.Put(article("Edited remotely"))
	if edited == created.ETag {
		t.Fatal("Put() kept the old ETag")
	}

	_, err = p.UpdateContentType(ctx, "article", article("Mine"), created.ETag)
	if !ctsync.IsProviderError(err, ctsync.KindPrecondition) {
		t.Fatalf("UpdateContentType() error = %v, want precondition", err)
	}

	p.Remove("article")
	if p.Len() != 0 {
		t.Errorf("Len() = %d after Remove, want 0", p.Len())
	}
}

func TestMemoryProvider_OnCall(t *testing.T) {
	p := NewMemoryProvider()
	blocked := errors.New("blocked")
	var seen []Op
	p.OnCall = func(ctx context.Context, op Op, key string) error {
		seen = append(seen, op)
		if op == OpDelete {
			return blocked
		}
		return nil
	}

	if _, err := p.GetContentTypes(context.Background()); err != nil {
		t.Fatalf("GetContentTypes() error = %v", err)
	}
	if err := p.DeleteContentType(context.Background(), "article"); !errors.Is(err, blocked) {
		t.Fatalf("DeleteContentType() error = %v, want hook error", err)
	}
	if len(seen) != 2 || seen[0] != OpList || seen[1] != OpDelete {
		t.Errorf("hook saw %v, want [list delete]", seen)
	}
}

func TestMemoryProvider_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	def := article("A")
	if _, err := p.CreateContentType(ctx, def); err != nil {
		t.Fatalf("CreateContentType() error = %v", err)
	}
	def.DisplayName = "mutated"

	got, err := p.GetContentType(ctx, "article")
	if err != nil {
		t.Fatalf("GetContentType() error = %v", err)
	}
	got.Definition.Fields[0].Key = "changed"

	again, _ := p.GetContentType(ctx, "article")
	if again.Definition.DisplayName != "A" || again.Definition.Fields[0].Key != "title" {
		t.Errorf("stored definition was mutated: %+v", again.Definition)
	}
}

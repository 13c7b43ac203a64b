package vault

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileSystemVault_Layout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	v, err := NewFileSystemVault("local", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.PutContent(ctx, "deadbeef", strings.NewReader("data"), 4); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}
	if err := v.PutMetadata(ctx, "host-1", "db", strings.NewReader("sqlite"), 6, 42); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}

	for _, p := range []string{
		filepath.Join(root, "snapshots", "deadbeef"),
		filepath.Join(root, "hosts", "host-1", "db"),
		filepath.Join(root, "hosts", "host-1", "db.version"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "snapshots"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
}

func TestFileSystemVault_RejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	v, err := NewFileSystemVault("local", t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.PutContent(ctx, "../escape", strings.NewReader("x"), 1); err == nil {
		t.Error("PutContent() expected error for path traversal checksum")
	}
	if err := v.PutMetadata(ctx, "host/1", "db", strings.NewReader("x"), 1, 1); err == nil {
		t.Error("PutMetadata() expected error for host id with separator")
	}
}

func TestFileSystemVault_SizeMismatchLeavesNothing(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	v, err := NewFileSystemVault("local", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}

	if err := v.PutContent(ctx, "abc", strings.NewReader("abc"), 10); err == nil {
		t.Fatal("PutContent() expected size mismatch error")
	}
	entries, err := os.ReadDir(filepath.Join(root, "snapshots"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("snapshots dir has %d entries, want 0", len(entries))
	}
}

func TestFileSystemVault_ValidateSetupMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vault")
	v, err := NewFileSystemVault("local", root)
	if err != nil {
		t.Fatalf("NewFileSystemVault() error = %v", err)
	}
	if err := os.RemoveAll(root); err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if err := v.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error after root removal")
	}
}

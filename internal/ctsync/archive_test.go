package ctsync_test

import (
	"context"
	"errors"
	"testing"

	"ctsync/internal/ctsync"
	"ctsync/internal/encryption"
	"ctsync/internal/snapshot"
	"ctsync/internal/testutil"
)

func TestSnapshotArchive(t *testing.T) {
	ctx := context.Background()
	def := testutil.Definition("article", "Article", "title", "body")
	encoded, err := snapshot.Capture(def)
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	t.Run("plaintext round trip", func(t *testing.T) {
		v := testutil.NewTestVault()
		a := ctsync.NewSnapshotArchive(v, nil, newDB(t), testutil.FixedClock(), ctsync.NewNopLogger())

		checksum, err := a.Store(ctx, "article", encoded)
		if err != nil {
			t.Fatalf("Store() error = %v", err)
		}
		if _, err := a.Store(ctx, "article", encoded); err != nil {
			t.Fatalf("second Store() error = %v", err)
		}
		if v.ContentCount() != 1 {
			t.Errorf("ContentCount() = %d, want 1", v.ContentCount())
		}

		rec, payload, err := a.Read(ctx, checksum, nil)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if rec.TypeKey != "article" || rec.Encrypted {
			t.Errorf("record = %+v", rec)
		}
		if string(payload) == "" {
			t.Error("Read() returned an empty payload")
		}
		if got, err := snapshot.Restore(encoded); err != nil || string(got) != string(payload) {
			t.Errorf("Read() payload = %s, want %s", payload, got)
		}
	})

	t.Run("encrypted round trip", func(t *testing.T) {
		enc := testutil.NewTestEncryptor()
		a := ctsync.NewSnapshotArchive(testutil.NewTestVault(), enc, newDB(t), testutil.FixedClock(), ctsync.NewNopLogger())

		checksum, err := a.Store(ctx, "article", encoded)
		if err != nil {
			t.Fatalf("Store() error = %v", err)
		}

		if _, _, err := a.Read(ctx, checksum, nil); err == nil {
			t.Error("Read() without a decryption context expected error")
		}

		rec, _, err := a.Read(ctx, checksum, encryption.TestDecryptionContext{})
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if !rec.Encrypted {
			t.Error("record.Encrypted = false, want true")
		}
	})

	t.Run("unknown checksum", func(t *testing.T) {
		a := ctsync.NewSnapshotArchive(testutil.NewTestVault(), nil, newDB(t), testutil.FixedClock(), ctsync.NewNopLogger())
		_, _, err := a.Read(ctx, "deadbeef", nil)
		if !errors.Is(err, ctsync.ErrSnapshotNotFound) {
			t.Errorf("Read() error = %v, want ErrSnapshotNotFound", err)
		}
	})

	t.Run("malformed envelope", func(t *testing.T) {
		a := ctsync.NewSnapshotArchive(testutil.NewTestVault(), nil, newDB(t), testutil.FixedClock(), ctsync.NewNopLogger())
		if _, err := a.Store(ctx, "article", "{not json"); err == nil {
			t.Error("Store() expected error for malformed envelope")
		}
	})
}

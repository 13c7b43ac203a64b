package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ctsync/internal/model"
)

// newTestDB returns an in-memory database with the generated schema applied.
func newTestDB(t *testing.T) *SQLiteDatabase {
	t.Helper()

	conn, err := OpenConnection(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	db := NewSQLiteDatabaseFromDB(conn)
	t.Cleanup(func() { db.Close() })
	return db
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func definition(key, name string) *model.ContentTypeDefinition {
	return &model.ContentTypeDefinition{
		Key:         key,
		DisplayName: name,
		Fields:      []model.Field{{Key: "title", Type: model.FieldText}},
	}
}

func TestSQLiteDatabase_Versions(t *testing.T) {
	ctx := context.Background()

	t.Run("latest is nil for unknown key", func(t *testing.T) {
		db := newTestDB(t)
		v, err := db.LatestVersion(ctx, "article", model.OriginLocal)
		if err != nil {
			t.Fatalf("LatestVersion() error = %v", err)
		}
		if v != nil {
			t.Errorf("LatestVersion() = %+v, want nil", v)
		}
	})

	t.Run("chain per origin", func(t *testing.T) {
		db := newTestDB(t)

		first := &model.Version{TypeKey: "article", Origin: model.OriginLocal, Hash: "h1",
			Data: definition("article", "Article"), Actor: "alice", CreatedAt: base}
		if err := db.InsertVersion(ctx, first); err != nil {
			t.Fatalf("InsertVersion() error = %v", err)
		}
		if first.ID == 0 {
			t.Fatal("InsertVersion() did not assign an id")
		}

		second := &model.Version{TypeKey: "article", Origin: model.OriginLocal, Hash: "h2",
			ParentID: first.ID, ParentHash: "h1", Data: definition("article", "Article v2"), CreatedAt: base.Add(time.Minute)}
		if err := db.InsertVersion(ctx, second); err != nil {
			t.Fatalf("InsertVersion() error = %v", err)
		}
		remote := &model.Version{TypeKey: "article", Origin: model.OriginRemote, Hash: "r1",
			Data: definition("article", "Remote"), CreatedAt: base.Add(2 * time.Minute)}
		if err := db.InsertVersion(ctx, remote); err != nil {
			t.Fatalf("InsertVersion() error = %v", err)
		}

		latest, err := db.LatestVersion(ctx, "article", model.OriginLocal)
		if err != nil {
			t.Fatalf("LatestVersion() error = %v", err)
		}
		if latest.Hash != "h2" || latest.ParentID != first.ID || latest.ParentHash != "h1" {
			t.Errorf("LatestVersion() = %+v, want h2 with parent h1", latest)
		}
		if latest.Data.DisplayName != "Article v2" {
			t.Errorf("Data.DisplayName = %q, want %q", latest.Data.DisplayName, "Article v2")
		}
		if !latest.CreatedAt.Equal(base.Add(time.Minute)) {
			t.Errorf("CreatedAt = %v, want %v", latest.CreatedAt, base.Add(time.Minute))
		}

		initial, err := db.InitialVersion(ctx, "article")
		if err != nil {
			t.Fatalf("InitialVersion() error = %v", err)
		}
		if initial.ID != first.ID || initial.Actor != "alice" {
			t.Errorf("InitialVersion() = %+v, want first version", initial)
		}

		all, err := db.ListVersions(ctx, "article")
		if err != nil {
			t.Fatalf("ListVersions() error = %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("len(ListVersions()) = %d, want 3", len(all))
		}

		byHash, err := db.FindVersionByHash(ctx, "article", "r1")
		if err != nil {
			t.Fatalf("FindVersionByHash() error = %v", err)
		}
		if byHash == nil || byHash.Origin != model.OriginRemote {
			t.Errorf("FindVersionByHash() = %+v, want remote version", byHash)
		}

		byID, err := db.FindVersionByID(ctx, second.ID)
		if err != nil {
			t.Fatalf("FindVersionByID() error = %v", err)
		}
		if byID == nil || byID.Hash != "h2" {
			t.Errorf("FindVersionByID() = %+v, want h2", byID)
		}
	})

	t.Run("tombstone has no data", func(t *testing.T) {
		db := newTestDB(t)
		tomb := &model.Version{TypeKey: "page", Origin: model.OriginLocal, Hash: "dead", Deleted: true, CreatedAt: base}
		if err := db.InsertVersion(ctx, tomb); err != nil {
			t.Fatalf("InsertVersion() error = %v", err)
		}
		got, err := db.LatestVersion(ctx, "page", model.OriginLocal)
		if err != nil {
			t.Fatalf("LatestVersion() error = %v", err)
		}
		if !got.Deleted || got.Data != nil {
			t.Errorf("LatestVersion() = %+v, want tombstone", got)
		}
	})

	t.Run("latest versions across keys", func(t *testing.T) {
		db := newTestDB(t)
		for i, v := range []*model.Version{
			{TypeKey: "page", Origin: model.OriginRemote, Hash: "p1"},
			{TypeKey: "article", Origin: model.OriginRemote, Hash: "a1"},
			{TypeKey: "article", Origin: model.OriginRemote, Hash: "a2"},
			{TypeKey: "article", Origin: model.OriginLocal, Hash: "l1"},
		} {
			v.CreatedAt = base.Add(time.Duration(i) * time.Second)
			if err := db.InsertVersion(ctx, v); err != nil {
				t.Fatalf("InsertVersion() error = %v", err)
			}
		}
		got, err := db.LatestVersions(ctx, model.OriginRemote)
		if err != nil {
			t.Fatalf("LatestVersions() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len(LatestVersions()) = %d, want 2", len(got))
		}
		if got[0].TypeKey != "article" || got[0].Hash != "a2" || got[1].Hash != "p1" {
			t.Errorf("LatestVersions() = [%s %s], want [a2 p1]", got[0].Hash, got[1].Hash)
		}
	})
}

func TestSQLiteDatabase_SyncState(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	got, err := db.GetSyncState(ctx, "article")
	if err != nil {
		t.Fatalf("GetSyncState() error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetSyncState() = %+v, want nil", got)
	}

	st := &model.SyncState{
		TypeKey:          "article",
		LocalHash:        "l1",
		SyncStatus:       model.StatusNew,
		InFlight:         true,
		PreSyncStatus:    model.StatusNew,
		PendingOperation: model.OperationCreate,
		PendingHash:      "l1",
		Step:             model.StepPrepared,
		SyncRecordID:     "rec-1",
		UpdatedAt:        base,
	}
	if err := db.SaveSyncState(ctx, st); err != nil {
		t.Fatalf("SaveSyncState() error = %v", err)
	}

	st.InFlight = false
	st.SyncStatus = model.StatusInSync
	st.RemoteHash = "l1"
	st.LastSyncedHash = "l1"
	st.PendingOperation = ""
	st.Step = model.StepNone
	st.UpdatedAt = base.Add(time.Second)
	if err := db.SaveSyncState(ctx, st); err != nil {
		t.Fatalf("SaveSyncState() upsert error = %v", err)
	}

	got, err = db.GetSyncState(ctx, "article")
	if err != nil {
		t.Fatalf("GetSyncState() error = %v", err)
	}
	if !got.UpdatedAt.Equal(st.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, st.UpdatedAt)
	}
	got.UpdatedAt = st.UpdatedAt
	if *got != *st {
		t.Errorf("GetSyncState() = %+v, want %+v", got, st)
	}

	all, err := db.ListSyncStates(ctx)
	if err != nil {
		t.Fatalf("ListSyncStates() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len(ListSyncStates()) = %d, want 1", len(all))
	}
}

func TestSQLiteDatabase_SyncRecords(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	run, err := db.CreateSyncRun(ctx, "sync", "dry_run=false", base)
	if err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}

	rec := &model.SyncRecord{
		ID: "rec-1", RunID: run.ID, TypeKey: "article", VersionHash: "h1",
		Direction: model.DirectionPush, Operation: model.OperationCreate,
		Status: model.RecordInProgress, StartedAt: base,
	}
	if err := db.InsertSyncRecord(ctx, rec); err != nil {
		t.Fatalf("InsertSyncRecord() error = %v", err)
	}
	if err := db.UpdateSyncRecordAttempts(ctx, "rec-1", 2); err != nil {
		t.Fatalf("UpdateSyncRecordAttempts() error = %v", err)
	}

	ok, err := db.FinishSyncRecord(ctx, "rec-1", model.RecordSuccess, `{"etag":"x"}`, "", base.Add(time.Second))
	if err != nil {
		t.Fatalf("FinishSyncRecord() error = %v", err)
	}
	if !ok {
		t.Fatal("FinishSyncRecord() = false, want true")
	}

	ok, err = db.FinishSyncRecord(ctx, "rec-1", model.RecordFailed, "", "late", base.Add(2*time.Second))
	if err != nil {
		t.Fatalf("second FinishSyncRecord() error = %v", err)
	}
	if ok {
		t.Error("second FinishSyncRecord() = true, want false for a finished record")
	}

	got, err := db.FindSyncRecord(ctx, "rec-1")
	if err != nil {
		t.Fatalf("FindSyncRecord() error = %v", err)
	}
	if got.Status != model.RecordSuccess || got.Attempts != 2 || got.Response != `{"etag":"x"}` {
		t.Errorf("FindSyncRecord() = %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(base.Add(time.Second)) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, base.Add(time.Second))
	}

	missing, err := db.FindSyncRecord(ctx, "nope")
	if err != nil {
		t.Fatalf("FindSyncRecord() error = %v", err)
	}
	if missing != nil {
		t.Errorf("FindSyncRecord(nope) = %+v, want nil", missing)
	}

	other := &model.SyncRecord{
		ID: "rec-2", TypeKey: "page", Direction: model.DirectionPush, Operation: model.OperationDelete,
		Status: model.RecordInProgress, StartedAt: base.Add(time.Minute),
	}
	if err := db.InsertSyncRecord(ctx, other); err != nil {
		t.Fatalf("InsertSyncRecord() error = %v", err)
	}

	t.Run("newest first", func(t *testing.T) {
		list, err := db.ListSyncRecords(ctx, model.SyncRecordFilter{})
		if err != nil {
			t.Fatalf("ListSyncRecords() error = %v", err)
		}
		if len(list) != 2 || list[0].ID != "rec-2" {
			t.Errorf("ListSyncRecords() first = %v, want rec-2", list)
		}
	})

	t.Run("filters", func(t *testing.T) {
		list, err := db.ListSyncRecords(ctx, model.SyncRecordFilter{Status: model.RecordInProgress})
		if err != nil {
			t.Fatalf("ListSyncRecords() error = %v", err)
		}
		if len(list) != 1 || list[0].ID != "rec-2" {
			t.Errorf("in-progress records = %v, want [rec-2]", list)
		}

		list, err = db.ListSyncRecords(ctx, model.SyncRecordFilter{RunID: run.ID})
		if err != nil {
			t.Fatalf("ListSyncRecords() error = %v", err)
		}
		if len(list) != 1 || list[0].ID != "rec-1" {
			t.Errorf("records of run = %v, want [rec-1]", list)
		}

		list, err = db.ListSyncRecords(ctx, model.SyncRecordFilter{TypeKey: "page", Limit: 1})
		if err != nil {
			t.Fatalf("ListSyncRecords() error = %v", err)
		}
		if len(list) != 1 {
			t.Errorf("len(page records) = %d, want 1", len(list))
		}
	})
}

func TestSQLiteDatabase_SyncRuns(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	id, err := db.MaxSyncRunID(ctx)
	if err != nil {
		t.Fatalf("MaxSyncRunID() error = %v", err)
	}
	if id != 0 {
		t.Errorf("MaxSyncRunID() = %d on empty database, want 0", id)
	}

	first, err := db.CreateSyncRun(ctx, "sync", "", base)
	if err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}
	second, err := db.CreateSyncRun(ctx, "conflicts resolve", "", base.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateSyncRun() error = %v", err)
	}
	if err := db.FinishSyncRun(ctx, first.ID, "success", `{"created":1}`, base.Add(time.Minute)); err != nil {
		t.Fatalf("FinishSyncRun() error = %v", err)
	}

	id, err = db.MaxSyncRunID(ctx)
	if err != nil {
		t.Fatalf("MaxSyncRunID() error = %v", err)
	}
	if id != second.ID {
		t.Errorf("MaxSyncRunID() = %d, want %d", id, second.ID)
	}

	runs, err := db.ListSyncRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListSyncRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(ListSyncRuns()) = %d, want 2", len(runs))
	}
	if runs[0].ID != second.ID || runs[0].Status != "running" || runs[0].FinishedAt != nil {
		t.Errorf("newest run = %+v, want unfinished second run", runs[0])
	}
	if runs[1].Status != "success" || runs[1].Statistics != `{"created":1}` || runs[1].FinishedAt == nil {
		t.Errorf("oldest run = %+v, want finished first run", runs[1])
	}
}

func TestSQLiteDatabase_Conflicts(t *testing.T) {
	ctx := context.Background()

	newConflict := func(id string, flagged time.Time) *model.ConflictEntry {
		return &model.ConflictEntry{
			ID: id, TypeKey: "article", ConflictType: model.ConflictField,
			LocalHash: "l1", RemoteHash: "r1", AncestorHash: "a1",
			ConflictingFields: []model.ConflictingField{{Field: "displayName",
				LocalValue: []byte(`"Local"`), RemoteValue: []byte(`"Remote"`), AncestorValue: []byte(`"Base"`)}},
			Priority: model.PriorityMedium, Status: model.ConflictPending, FlaggedAt: flagged,
		}
	}

	t.Run("insert and find", func(t *testing.T) {
		db := newTestDB(t)
		if err := db.InsertConflict(ctx, newConflict("c1", base)); err != nil {
			t.Fatalf("InsertConflict() error = %v", err)
		}

		got, err := db.FindConflict(ctx, "c1")
		if err != nil {
			t.Fatalf("FindConflict() error = %v", err)
		}
		if got == nil || len(got.ConflictingFields) != 1 || string(got.ConflictingFields[0].RemoteValue) != `"Remote"` {
			t.Fatalf("FindConflict() = %+v", got)
		}

		pending, err := db.FindPendingConflict(ctx, "article", "l1", "r1")
		if err != nil {
			t.Fatalf("FindPendingConflict() error = %v", err)
		}
		if pending == nil || pending.ID != "c1" {
			t.Errorf("FindPendingConflict() = %+v, want c1", pending)
		}

		none, err := db.FindPendingConflict(ctx, "article", "l1", "r2")
		if err != nil {
			t.Fatalf("FindPendingConflict() error = %v", err)
		}
		if none != nil {
			t.Errorf("FindPendingConflict(other hashes) = %+v, want nil", none)
		}
	})

	t.Run("resolve exactly once", func(t *testing.T) {
		db := newTestDB(t)
		if err := db.InsertConflict(ctx, newConflict("c1", base)); err != nil {
			t.Fatalf("InsertConflict() error = %v", err)
		}

		ok, err := db.ResolveConflict(ctx, "c1", "use_local", definition("article", "Local"), "alice", base.Add(time.Hour))
		if err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}
		if !ok {
			t.Fatal("ResolveConflict() = false, want true")
		}

		ok, err = db.ResolveConflict(ctx, "c1", "use_remote", nil, "bob", base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("second ResolveConflict() error = %v", err)
		}
		if ok {
			t.Error("second ResolveConflict() = true, want false")
		}

		got, err := db.FindConflict(ctx, "c1")
		if err != nil {
			t.Fatalf("FindConflict() error = %v", err)
		}
		if got.Status != model.ConflictResolved || got.Resolution != "use_local" || got.ResolvedBy != "alice" {
			t.Errorf("resolved conflict = %+v", got)
		}
		if got.ResolvedData == nil || got.ResolvedData.DisplayName != "Local" {
			t.Errorf("ResolvedData = %+v, want Local definition", got.ResolvedData)
		}
	})

	t.Run("list filters and delete resolved", func(t *testing.T) {
		db := newTestDB(t)
		c2 := newConflict("c2", base.Add(time.Minute))
		c2.TypeKey = "page"
		c2.Priority = model.PriorityCritical
		c2.ConflictType = model.ConflictDelete
		for _, c := range []*model.ConflictEntry{newConflict("c1", base), c2} {
			if err := db.InsertConflict(ctx, c); err != nil {
				t.Fatalf("InsertConflict() error = %v", err)
			}
		}

		list, err := db.ListConflicts(ctx, model.ConflictFilter{Priority: model.PriorityCritical})
		if err != nil {
			t.Fatalf("ListConflicts() error = %v", err)
		}
		if len(list) != 1 || list[0].ID != "c2" {
			t.Errorf("critical conflicts = %v, want [c2]", list)
		}

		if _, err := db.ResolveConflict(ctx, "c1", "use_remote", nil, "", base.Add(time.Hour)); err != nil {
			t.Fatalf("ResolveConflict() error = %v", err)
		}

		pending, err := db.ListConflicts(ctx, model.ConflictFilter{Status: model.ConflictPending})
		if err != nil {
			t.Fatalf("ListConflicts() error = %v", err)
		}
		if len(pending) != 1 || pending[0].ID != "c2" {
			t.Errorf("pending conflicts = %v, want [c2]", pending)
		}

		n, err := db.DeleteResolvedConflicts(ctx, base.Add(30*time.Minute))
		if err != nil {
			t.Fatalf("DeleteResolvedConflicts() error = %v", err)
		}
		if n != 0 {
			t.Errorf("DeleteResolvedConflicts(before resolution) = %d, want 0", n)
		}
		n, err = db.DeleteResolvedConflicts(ctx, base.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("DeleteResolvedConflicts() error = %v", err)
		}
		if n != 1 {
			t.Errorf("DeleteResolvedConflicts() = %d, want 1", n)
		}

		all, err := db.ListConflicts(ctx, model.ConflictFilter{})
		if err != nil {
			t.Fatalf("ListConflicts() error = %v", err)
		}
		if len(all) != 1 {
			t.Errorf("len(ListConflicts()) = %d, want 1", len(all))
		}
	})
}

func TestSQLiteDatabase_ResolutionHistory(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		e := &model.ResolutionHistoryEntry{
			ConflictID: "c", TypeKey: "article", ConflictType: model.ConflictField,
			Resolution: "use_local", ResolvedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.InsertResolutionHistory(ctx, e); err != nil {
			t.Fatalf("InsertResolutionHistory() error = %v", err)
		}
		if e.ID == 0 {
			t.Fatal("InsertResolutionHistory() did not assign an id")
		}
	}

	if err := db.TrimResolutionHistory(ctx, 3); err != nil {
		t.Fatalf("TrimResolutionHistory() error = %v", err)
	}

	entries, err := db.ListResolutionHistory(ctx, 0)
	if err != nil {
		t.Fatalf("ListResolutionHistory() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(ListResolutionHistory()) = %d, want 3", len(entries))
	}
	if !entries[0].ResolvedAt.Equal(base.Add(4 * time.Minute)) {
		t.Errorf("newest entry resolved at %v, want %v", entries[0].ResolvedAt, base.Add(4*time.Minute))
	}
}

func TestSQLiteDatabase_Snapshots(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	rec := &model.SnapshotRecord{Checksum: "abc", TypeKey: "article", Size: 42, Encrypted: true, CreatedAt: base}
	if err := db.InsertSnapshotRecord(ctx, rec); err != nil {
		t.Fatalf("InsertSnapshotRecord() error = %v", err)
	}
	dup := *rec
	dup.Size = 99
	if err := db.InsertSnapshotRecord(ctx, &dup); err != nil {
		t.Fatalf("InsertSnapshotRecord() duplicate error = %v", err)
	}

	got, err := db.FindSnapshotRecord(ctx, "abc")
	if err != nil {
		t.Fatalf("FindSnapshotRecord() error = %v", err)
	}
	if got == nil || got.Size != 42 || !got.Encrypted {
		t.Errorf("FindSnapshotRecord() = %+v, want first insert kept", got)
	}

	missing, err := db.FindSnapshotRecord(ctx, "zzz")
	if err != nil {
		t.Fatalf("FindSnapshotRecord() error = %v", err)
	}
	if missing != nil {
		t.Errorf("FindSnapshotRecord(zzz) = %+v, want nil", missing)
	}
}

func TestSQLiteDatabase_BackupTo(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := NewSQLiteDatabase(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteDatabase() error = %v", err)
	}
	defer db.Close()

	if err := db.InsertVersion(ctx, &model.Version{TypeKey: "article", Origin: model.OriginLocal, Hash: "h1", CreatedAt: base}); err != nil {
		t.Fatalf("InsertVersion() error = %v", err)
	}

	dest := filepath.Join(dir, "backup.db")
	if err := db.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	copied, err := NewSQLiteDatabase(dest)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer copied.Close()

	v, err := copied.LatestVersion(ctx, "article", model.OriginLocal)
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if v == nil || v.Hash != "h1" {
		t.Errorf("backup LatestVersion() = %+v, want h1", v)
	}
}

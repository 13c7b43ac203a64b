package ctsync_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"ctsync/internal/ctsync"
	"ctsync/internal/database"
	"ctsync/internal/model"
	"ctsync/internal/provider"
	"ctsync/internal/testutil"
	"ctsync/internal/vault"
)

// memorySource is an in-memory Extractor and SourceWriter.
type memorySource struct {
	mu   sync.Mutex
	defs map[string]*model.ContentTypeDefinition
	err  error
}

var (
	_ ctsync.Extractor    = (*memorySource)(nil)
	_ ctsync.SourceWriter = (*memorySource)(nil)
)

func newMemorySource(defs ...*model.ContentTypeDefinition) *memorySource {
	s := &memorySource{defs: make(map[string]*model.ContentTypeDefinition)}
	s.Set(defs...)
	return s
}

func (s *memorySource) Set(defs ...*model.ContentTypeDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range defs {
		s.defs[d.Key] = d.Clone()
	}
}

func (s *memorySource) Get(key string) *model.ContentTypeDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defs[key].Clone()
}

func (s *memorySource) ExtractContentTypes(ctx context.Context, websiteID string) ([]*model.ContentTypeDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	keys := make([]string, 0, len(s.defs))
	for k := range s.defs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*model.ContentTypeDefinition, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.defs[k].Clone())
	}
	return out, nil
}

func (s *memorySource) WriteContentType(ctx context.Context, websiteID string, def *model.ContentTypeDefinition) error {
	s.Set(def)
	return nil
}

func (s *memorySource) RemoveContentType(ctx context.Context, websiteID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.defs, key)
	return nil
}

type harness struct {
	db     *database.SQLiteDatabase
	source *memorySource
	remote *provider.MemoryProvider
	vault  *vault.MemoryVault
	clock  *testutil.StubClock
	orch   *ctsync.Orchestrator
}

func fastRetry() ctsync.RetryConfig {
	return ctsync.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
		CallTimeout:  time.Second,
	}
}

// newHarness wires an orchestrator against in-memory collaborators. With
// online false the orchestrator has no provider.
func newHarness(t *testing.T, online bool, defs ...*model.ContentTypeDefinition) *harness {
	t.Helper()
	return newHarnessWith(t, online, func(s *memorySource) ctsync.Extractor { return s }, defs...)
}

// readOnlySource exposes a memorySource as an Extractor that cannot write.
type readOnlySource struct {
	src *memorySource
}

func (s readOnlySource) ExtractContentTypes(ctx context.Context, websiteID string) ([]*model.ContentTypeDefinition, error) {
	return s.src.ExtractContentTypes(ctx, websiteID)
}

// newHarnessWith is newHarness with the extractor built from the harness source.
func newHarnessWith(t *testing.T, online bool, extractor func(*memorySource) ctsync.Extractor, defs ...*model.ContentTypeDefinition) *harness {
	t.Helper()
	h := &harness{
		db:     testutil.NewTestDatabase(t),
		source: newMemorySource(defs...),
		remote: provider.NewMemoryProvider(),
		vault:  testutil.NewTestVault(),
		clock:  testutil.FixedClock(),
	}
	archive := ctsync.NewSnapshotArchive(h.vault, nil, h.db, h.clock, ctsync.NewNopLogger())
	cfg := ctsync.OrchestratorConfig{Concurrency: 2, Retry: fastRetry(), ResolutionHistoryLimit: 10}

	var p ctsync.Provider
	if online {
		p = h.remote
	}
	h.orch = ctsync.NewOrchestrator(extractor(h.source), p, h.db, archive, h.clock, testutil.NewSequentialIDs("id"), ctsync.NewNopLogger(), cfg)
	return h
}

func (h *harness) sync(t *testing.T, opts ctsync.SyncOptions) *ctsync.SyncResult {
	t.Helper()
	h.clock.Advance(time.Minute)
	res, err := h.orch.Sync(context.Background(), opts)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	return res
}

// managed returns def as the engine sends it to the provider.
func managed(def *model.ContentTypeDefinition) *model.ContentTypeDefinition {
	return ctsync.Transformer{}.Transform(def)
}

func itemFor(t *testing.T, res *ctsync.SyncResult, key string) ctsync.ItemResult {
	t.Helper()
	for _, r := range res.Results {
		if r.TypeKey == key {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", key, res.Results)
	return ctsync.ItemResult{}
}

func newDB(t *testing.T) ctsync.Database {
	t.Helper()
	return testutil.NewTestDatabase(t)
}

package ctsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"ctsync/internal/hashing"
	"ctsync/internal/model"
	"ctsync/internal/snapshot"
)

// Action is what the orchestrator decided to do with one type key.
type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionPull     Action = "pull"
	ActionSkip     Action = "skip"
	ActionValidate Action = "validate"
	ActionConflict Action = "conflict"
)

// ItemStatus is the outcome of one item of a run.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSuccess   ItemStatus = "success"
	ItemFailed    ItemStatus = "failed"
	ItemPartial   ItemStatus = "partial"
	ItemSkipped   ItemStatus = "skipped"
	ItemConflict  ItemStatus = "conflict"
	ItemPlanned   ItemStatus = "dry_run"
	ItemCancelled ItemStatus = "cancelled"
)

// SyncOptions control one Sync call.
type SyncOptions struct {
	WebsiteID   string
	DryRun      bool
	AutoResolve bool
	Actor       string
	RunID       int64
}

// Statistics summarize a run.
type Statistics struct {
	Extracted   int `json:"extracted"`
	Transformed int `json:"transformed"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Deleted     int `json:"deleted"`
	Skipped     int `json:"skipped"`
	Pulled      int `json:"pulled"`
	Conflicts   int `json:"conflicts"`
	Errors      int `json:"errors"`
}

// ItemResult reports what happened to one type key.
type ItemResult struct {
	TypeKey    string     `json:"typeKey"`
	Action     Action     `json:"action"`
	Status     ItemStatus `json:"status"`
	SyncID     string     `json:"syncId,omitempty"`
	Hash       string     `json:"hash,omitempty"`
	ConflictID string     `json:"conflictId,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// SyncResult is the report of a run. Results follow discovery order.
type SyncResult struct {
	Success    bool         `json:"success"`
	DryRun     bool         `json:"dryRun"`
	Cancelled  bool         `json:"cancelled"`
	Statistics Statistics   `json:"statistics"`
	Results    []ItemResult `json:"results"`
	Warnings   []string     `json:"warnings,omitempty"`
	Error      string       `json:"error,omitempty"`

	// Recovered reports work left in flight by an earlier process and
	// repaired before this run started.
	Recovered *ResumeReport `json:"recovered,omitempty"`
}

// OrchestratorConfig tunes the orchestrator and the managers it owns.
type OrchestratorConfig struct {
	Concurrency            int
	ManagedPrefix          string
	Retry                  RetryConfig
	ResolutionHistoryLimit int
}

// DefaultOrchestratorConfig returns the configuration used when none is given.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Concurrency:            2,
		Retry:                  DefaultRetryConfig(),
		ResolutionHistoryLimit: DefaultResolutionHistoryLimit,
	}
}

// Orchestrator runs the discover, analyze and execute pipeline and owns
// every engine component. A nil provider means the remote is unavailable:
// runs degrade to dry-run against the last observed remote state.
type Orchestrator struct {
	extractor   Extractor
	provider    Provider
	archive     *SnapshotArchive
	transformer Transformer
	versions    *VersionHistory
	changes     *ChangeDetector
	detector    *ConflictDetector
	conflicts   *ConflictManager
	strategies  *ResolutionStrategyManager
	states      *SyncStateManager
	history     *SyncHistoryManager
	locks       *KeyLocker
	logger      Logger
	concurrency int

	mu     sync.Mutex
	active int
}

// NewOrchestrator wires an orchestrator. provider and archive may be nil.
func NewOrchestrator(extractor Extractor, provider Provider, db Database, archive *SnapshotArchive, clock Clock, idgen IDGenerator, logger Logger, cfg OrchestratorConfig) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	versions := NewVersionHistory(db, clock, logger)
	return &Orchestrator{
		extractor:   extractor,
		provider:    provider,
		archive:     archive,
		transformer: Transformer{ManagedPrefix: cfg.ManagedPrefix},
		versions:    versions,
		changes:     NewChangeDetector(),
		detector:    NewConflictDetector(versions, logger),
		conflicts:   NewConflictManager(db, clock, idgen, logger, cfg.ResolutionHistoryLimit),
		strategies:  NewResolutionStrategyManager(logger),
		states:      NewSyncStateManager(db, clock, logger),
		history:     NewSyncHistoryManager(db, clock, idgen, logger, cfg.Retry),
		locks:       NewKeyLocker(),
		logger:      logger,
		concurrency: cfg.Concurrency,
	}
}

func (o *Orchestrator) Versions() *VersionHistory { return o.versions }
func (o *Orchestrator) Conflicts() *ConflictManager { return o.conflicts }
func (o *Orchestrator) States() *SyncStateManager { return o.states }
func (o *Orchestrator) History() *SyncHistoryManager { return o.history }
func (o *Orchestrator) Strategies() *ResolutionStrategyManager { return o.strategies }
func (o *Orchestrator) Archive() *SnapshotArchive { return o.archive }

// Online reports whether a remote provider is configured.
func (o *Orchestrator) Online() bool { return o.provider != nil }

// plannedItem is an operation chosen during analysis.
type plannedItem struct {
	index      int
	key        string
	action     Action
	def        *model.ContentTypeDefinition
	hash       string
	etag       string
	previous   *model.ContentTypeDefinition
	writeBack  bool
	conflictID string
	strategy   Strategy
}

func (it *plannedItem) operation() model.Operation {
	switch it.action {
	case ActionCreate:
		return model.OperationCreate
	case ActionDelete:
		return model.OperationDelete
	case ActionPull:
		if it.def == nil {
			return model.OperationDelete
		}
		return model.OperationUpdate
	default:
		return model.OperationUpdate
	}
}

// Sync runs one reconciliation. Per-item failures are reported in the result
// and do not fail the run; the returned error is set only when the whole run
// was aborted (discovery failure, no valid definitions, cancellation).
func (o *Orchestrator) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	result := &SyncResult{DryRun: opts.DryRun}
	if o.provider == nil && !opts.DryRun {
		result.DryRun = true
		opts.DryRun = true
		o.warn(result, "no remote provider configured: running in dry-run mode")
	}

	abort := func(err error) (*SyncResult, error) {
		if errors.Is(err, ErrSyncCancelled) {
			result.Cancelled = true
		}
		result.Error = err.Error()
		o.tally(result)
		o.logger.Error("sync aborted", "error", err)
		return result, err
	}

	if ctx.Err() != nil {
		return abort(ErrSyncCancelled)
	}

	o.mu.Lock()
	if o.active == 0 && !opts.DryRun {
		o.recoverInterrupted(ctx, result)
	}
	o.active++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active--
		o.mu.Unlock()
	}()

	o.logger.Info("sync started", "website_id", opts.WebsiteID, "dry_run", opts.DryRun)
	d, err := o.discover(ctx, opts)
	if err != nil {
		return abort(err)
	}
	result.Statistics.Extracted = len(d.local)

	if ctx.Err() != nil {
		return abort(ErrSyncCancelled)
	}
	plan, err := o.analyze(ctx, opts, d, result)
	if err != nil {
		return abort(err)
	}

	if cancelled := o.execute(ctx, opts, plan, result); cancelled {
		return abort(ErrSyncCancelled)
	}

	o.tally(result)
	result.Success = result.Statistics.Errors == 0
	s := result.Statistics
	o.logger.Info("sync finished", "created", s.Created, "updated", s.Updated, "deleted", s.Deleted,
		"skipped", s.Skipped, "pulled", s.Pulled, "conflicts", s.Conflicts, "errors", s.Errors)
	return result, nil
}

// recoverInterrupted repairs operations a stopped process left in flight so
// their keys can be synced again. It must only run while no other Sync of o
// is active, with o.mu held.
func (o *Orchestrator) recoverInterrupted(ctx context.Context, result *SyncResult) {
	report, err := o.CheckInterruptedSyncs(ctx)
	if err != nil {
		o.warn(result, "recovering interrupted syncs failed", "error", err)
	}
	if report == nil || len(report.Resumed)+len(report.RolledBack)+len(report.Finalized) == 0 {
		return
	}
	result.Recovered = report
	for _, key := range report.Resumed {
		o.warn(result, "interrupted sync completed", "type_key", key)
	}
	for _, key := range report.RolledBack {
		o.warn(result, "interrupted sync rolled back", "type_key", key)
	}
}

// warn logs msg and adds it to the run's warnings.
func (o *Orchestrator) warn(result *SyncResult, msg string, args ...any) {
	o.logger.Warn(msg, args...)
	line := msg
	for i := 0; i+1 < len(args); i += 2 {
		line += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	result.Warnings = append(result.Warnings, line)
}

// discovery holds what the first phase found.
type discovery struct {
	local       []*model.ContentTypeDefinition
	storedLocal []*model.ContentTypeDefinition
	remote      map[string]*model.RemoteContentType
	online      bool
}

func (o *Orchestrator) discover(ctx context.Context, opts SyncOptions) (*discovery, error) {
	local, err := o.extractor.ExtractContentTypes(ctx, opts.WebsiteID)
	if err != nil {
		return nil, fmt.Errorf("extracting content types: %w", err)
	}

	heads, err := o.versions.LatestVersions(ctx, model.OriginLocal)
	if err != nil {
		return nil, err
	}
	d := &discovery{local: local, remote: make(map[string]*model.RemoteContentType)}
	for _, v := range heads {
		if !v.Deleted {
			d.storedLocal = append(d.storedLocal, v.Data)
		}
	}

	if o.provider == nil {
		remoteHeads, err := o.versions.LatestVersions(ctx, model.OriginRemote)
		if err != nil {
			return nil, err
		}
		for _, v := range remoteHeads {
			if !v.Deleted {
				d.remote[v.TypeKey] = &model.RemoteContentType{Definition: *v.Data}
			}
		}
		return d, nil
	}

	var remote []*model.RemoteContentType
	_, err = o.history.Retry(ctx, func(ctx context.Context) error {
		var err error
		remote, err = o.provider.GetContentTypes(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching remote content types: %w", err)
	}
	d.online = true
	for _, r := range remote {
		d.remote[r.Definition.Key] = r
	}
	o.logger.Debug("discovery complete", "local", len(local), "remote", len(remote))
	return d, nil
}

func (o *Orchestrator) analyze(ctx context.Context, opts SyncOptions, d *discovery, result *SyncResult) ([]*plannedItem, error) {
	extracted := make(map[string]bool, len(d.local))
	var valid []*model.ContentTypeDefinition
	for _, def := range d.local {
		if def == nil {
			continue
		}
		transformed := o.transformer.Transform(def)
		result.Statistics.Transformed++

		verr := ValidateDefinition(transformed)
		if verr == nil && extracted[def.Key] {
			verr = &ValidationError{TypeKey: def.Key, Problems: []string{"key defined more than once in the source"}}
		}
		extracted[def.Key] = true
		if verr != nil {
			o.rejectInvalid(ctx, opts, def.Key, verr, result)
			continue
		}
		valid = append(valid, transformed)
	}
	if len(valid) == 0 {
		return nil, ErrNoValidDefinitions
	}

	changes, err := o.changes.DetectChanges(valid, d.storedLocal)
	if err != nil {
		return nil, err
	}
	localChange := make(map[string]Change, len(changes))
	for _, c := range changes {
		localChange[c.TypeKey] = c
		if c.Kind == ChangeDeleted && !extracted[c.TypeKey] {
			if err := o.recordLocalDeletion(ctx, opts, c.TypeKey); err != nil {
				return nil, err
			}
		}
	}

	var plan []*plannedItem
	for _, def := range valid {
		it, err := o.analyzeLocal(ctx, opts, d, def, localChange[def.Key], result)
		if err != nil {
			return nil, err
		}
		if it != nil {
			plan = append(plan, it)
		}
	}

	remoteKeys := make([]string, 0, len(d.remote))
	for k := range d.remote {
		if !extracted[k] {
			remoteKeys = append(remoteKeys, k)
		}
	}
	sort.Strings(remoteKeys)
	for _, k := range remoteKeys {
		r := d.remote[k]
		if !o.transformer.IsManaged(&r.Definition) {
			o.logger.Debug("ignoring unmanaged remote content type", "type_key", k)
			continue
		}
		it, err := o.analyzeRemoteOnly(ctx, opts, d, r, result)
		if err != nil {
			return nil, err
		}
		if it != nil {
			plan = append(plan, it)
		}
	}
	return plan, nil
}

func (o *Orchestrator) rejectInvalid(ctx context.Context, opts SyncOptions, key string, verr error, result *SyncResult) {
	o.logger.Warn("content type failed validation", "type_key", key, "error", verr)
	item := ItemResult{TypeKey: key, Action: ActionValidate, Status: ItemFailed, Error: verr.Error()}
	if !opts.DryRun {
		id, err := o.history.RecordSyncAttempt(ctx, SyncAttempt{RunID: opts.RunID, TypeKey: key, Operation: model.OperationValidate})
		if err == nil {
			item.SyncID = id
			err = o.history.UpdateSyncStatus(ctx, id, model.RecordFailed, "", verr.Error())
		}
		if err != nil {
			o.logger.Error("recording validation failure", "type_key", key, "error", err)
		}
	}
	result.Results = append(result.Results, item)
}

func (o *Orchestrator) recordLocalDeletion(ctx context.Context, opts SyncOptions, key string) error {
	v, err := o.versions.RecordDeletion(ctx, key, model.OriginLocal, o.actor(opts), "removed from source")
	if err != nil || v == nil {
		return err
	}
	tomb := hashing.TombstoneHash
	_, err = o.states.UpsertSyncState(ctx, key, StateUpdate{LocalHash: &tomb})
	return err
}

func (o *Orchestrator) observeRemote(ctx context.Context, opts SyncOptions, key string, r *model.RemoteContentType) (string, error) {
	if r == nil {
		if _, err := o.versions.RecordDeletion(ctx, key, model.OriginRemote, "provider", "missing remotely"); err != nil {
			return "", err
		}
		tomb := hashing.TombstoneHash
		_, err := o.states.UpsertSyncState(ctx, key, StateUpdate{RemoteHash: &tomb})
		return tomb, err
	}
	v, err := o.versions.RecordVersion(ctx, &r.Definition, model.OriginRemote, "provider", "observed")
	if err != nil {
		return "", err
	}
	_, err = o.states.UpsertSyncState(ctx, key, StateUpdate{RemoteHash: &v.Hash})
	return v.Hash, err
}

func (o *Orchestrator) analyzeLocal(ctx context.Context, opts SyncOptions, d *discovery, def *model.ContentTypeDefinition, change Change, result *SyncResult) (*plannedItem, error) {
	key := def.Key
	lv, err := o.versions.RecordVersion(ctx, def, model.OriginLocal, o.actor(opts), string(change.Kind))
	if err != nil {
		return nil, err
	}
	if _, err := o.states.UpsertSyncState(ctx, key, StateUpdate{LocalHash: &lv.Hash}); err != nil {
		return nil, err
	}

	it := &plannedItem{key: key, def: def, hash: lv.Hash}
	r, ok := d.remote[key]
	if !ok {
		st, err := o.states.GetSyncState(ctx, key)
		if err != nil {
			return nil, err
		}
		previouslySynced := st != nil && st.LastSyncedHash != "" && st.LastSyncedHash != hashing.TombstoneHash
		if !d.online || !previouslySynced {
			it.action = ActionCreate
			return o.plan(it, result), nil
		}
		if _, err := o.observeRemote(ctx, opts, key, nil); err != nil {
			return nil, err
		}
		return o.reconcile(ctx, opts, it, nil, result)
	}

	remoteHash, err := hashing.Hash(&r.Definition)
	if err != nil {
		return nil, fmt.Errorf("hashing remote %s: %w", key, err)
	}
	if d.online {
		if _, err := o.observeRemote(ctx, opts, key, r); err != nil {
			return nil, err
		}
	}
	it.etag = r.ETag
	if remoteHash == lv.Hash {
		if !opts.DryRun {
			if _, err := o.states.MarkAsSynced(ctx, key, lv.Hash); err != nil {
				return nil, err
			}
		}
		result.Results = append(result.Results, ItemResult{TypeKey: key, Action: ActionSkip, Status: ItemSkipped, Hash: lv.Hash})
		return nil, nil
	}
	return o.reconcile(ctx, opts, it, r, result)
}

// reconcile decides how to push a local definition whose remote copy
// differs (r nil means the remote copy was deleted).
func (o *Orchestrator) reconcile(ctx context.Context, opts SyncOptions, it *plannedItem, r *model.RemoteContentType, result *SyncResult) (*plannedItem, error) {
	c, err := o.detector.DetectConflicts(ctx, it.key)
	if err != nil {
		return nil, err
	}
	if c.HasConflict {
		return o.handleConflict(ctx, opts, it, c, r, result)
	}
	if c.Reason == ReasonRemoteAhead {
		return o.takeRemote(ctx, opts, it, c, r, result)
	}

	if r == nil {
		o.warn(result, "content type was deleted remotely; recreating from local definition", "type_key", it.key)
		it.action = ActionCreate
		return o.plan(it, result), nil
	}
	it.action = ActionUpdate
	return o.plan(it, result), nil
}

// takeRemote fast-forwards the local side to a remote that changed while the
// local definition did not. A source that cannot be written is never pushed
// over the remote edit; the item is flagged for review instead.
func (o *Orchestrator) takeRemote(ctx context.Context, opts SyncOptions, it *plannedItem, c *ConflictResult, r *model.RemoteContentType, result *SyncResult) (*plannedItem, error) {
	if _, ok := o.extractor.(SourceWriter); !ok {
		item := ItemResult{TypeKey: it.key, Action: ActionConflict, Status: ItemConflict, Hash: it.hash}
		if !opts.DryRun {
			if err := surfaceConflict(c, ReasonReadOnlySource); err != nil {
				return nil, err
			}
			entry, err := o.flagConflict(ctx, it.key, c)
			if err != nil {
				return nil, err
			}
			item.ConflictID = entry.ID
		}
		o.warn(result, "remote changed but the source is read-only; flagged for review", "type_key", it.key)
		result.Results = append(result.Results, item)
		return nil, nil
	}

	it.action = ActionPull
	it.previous = it.def
	it.etag = ""
	if r == nil {
		it.def = nil
		it.hash = hashing.TombstoneHash
		return o.plan(it, result), nil
	}
	it.def = r.Definition.Clone()
	hash, err := hashing.Hash(it.def)
	if err != nil {
		return nil, fmt.Errorf("hashing remote %s: %w", it.key, err)
	}
	it.hash = hash
	return o.plan(it, result), nil
}

// flagConflict queues c for review and marks the key's state.
func (o *Orchestrator) flagConflict(ctx context.Context, typeKey string, c *ConflictResult) (*model.ConflictEntry, error) {
	entry, err := o.conflicts.FlagForReview(ctx, typeKey, c)
	if err != nil {
		return nil, err
	}
	if err := o.states.MarkConflict(ctx, typeKey); err != nil {
		return nil, err
	}
	return entry, nil
}

func (o *Orchestrator) handleConflict(ctx context.Context, opts SyncOptions, it *plannedItem, c *ConflictResult, r *model.RemoteContentType, result *SyncResult) (*plannedItem, error) {
	item := ItemResult{TypeKey: it.key, Action: ActionConflict, Status: ItemConflict, Hash: it.hash}
	if opts.DryRun {
		o.logger.Info("dry run: conflict would be flagged", "type_key", it.key, "conflict_type", string(c.Type))
		result.Results = append(result.Results, item)
		return nil, nil
	}

	entry, err := o.flagConflict(ctx, it.key, c)
	if err != nil {
		return nil, err
	}
	item.ConflictID = entry.ID

	if !opts.AutoResolve || o.strategies.SelectBestStrategy(c) != StrategyAutoMerge {
		result.Results = append(result.Results, item)
		return nil, nil
	}

	res := o.strategies.ResolveConflict(c, StrategyAutoMerge, nil)
	if !res.Success {
		o.logger.Info("automatic merge not possible", "type_key", it.key, "error", res.Error)
		result.Results = append(result.Results, item)
		return nil, nil
	}

	it.conflictID = entry.ID
	it.strategy = StrategyAutoMerge
	it.writeBack = true
	if res.Deleted {
		it.action = ActionDelete
		it.def = nil
		it.hash = hashing.TombstoneHash
		if r != nil {
			it.previous = &r.Definition
		}
		return o.plan(it, result), nil
	}

	merged := o.transformer.Transform(res.Resolution)
	hash, err := hashing.Hash(merged)
	if err != nil {
		return nil, err
	}
	it.def = merged
	it.hash = hash
	if r == nil {
		it.action = ActionCreate
	} else {
		it.action = ActionUpdate
	}
	o.logger.Info("conflict merged automatically", "type_key", it.key, "conflict_id", entry.ID)
	return o.plan(it, result), nil
}

func (o *Orchestrator) analyzeRemoteOnly(ctx context.Context, opts SyncOptions, d *discovery, r *model.RemoteContentType, result *SyncResult) (*plannedItem, error) {
	key := r.Definition.Key
	if d.online {
		if _, err := o.observeRemote(ctx, opts, key, r); err != nil {
			return nil, err
		}
	}
	it := &plannedItem{
		key:      key,
		action:   ActionDelete,
		hash:     hashing.TombstoneHash,
		etag:     r.ETag,
		previous: &r.Definition,
	}

	c, err := o.detector.DetectConflicts(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.HasConflict {
		return o.handleConflict(ctx, opts, it, c, r, result)
	}
	return o.plan(it, result), nil
}

// plan reserves the result slot of it.
func (o *Orchestrator) plan(it *plannedItem, result *SyncResult) *plannedItem {
	it.index = len(result.Results)
	result.Results = append(result.Results, ItemResult{
		TypeKey:    it.key,
		Action:     it.action,
		Status:     ItemPending,
		Hash:       it.hash,
		ConflictID: it.conflictID,
	})
	return it
}

// execute applies creates, then updates, then deletes, then pulls into the
// source. It reports whether
// the run was cancelled. Operations already dispatched finish on a context
// that ignores cancellation.
func (o *Orchestrator) execute(ctx context.Context, opts SyncOptions, plan []*plannedItem, result *SyncResult) bool {
	cancelled := false
	for _, phase := range []Action{ActionCreate, ActionUpdate, ActionDelete, ActionPull} {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		var g errgroup.Group
		g.SetLimit(o.concurrency)
		for _, it := range plan {
			if it.action != phase {
				continue
			}
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			g.Go(func() error {
				result.Results[it.index] = o.apply(context.WithoutCancel(ctx), opts, it)
				return nil
			})
		}
		_ = g.Wait()
		if cancelled {
			break
		}
	}

	if cancelled {
		for i := range result.Results {
			if result.Results[i].Status == ItemPending {
				result.Results[i].Status = ItemCancelled
			}
		}
		o.logger.Warn("sync cancelled; dispatched operations were allowed to finish")
	}
	return cancelled
}

func (o *Orchestrator) apply(ctx context.Context, opts SyncOptions, it *plannedItem) ItemResult {
	res := ItemResult{TypeKey: it.key, Action: it.action, Hash: it.hash, ConflictID: it.conflictID}
	unlock := o.locks.Lock(it.key)
	defer unlock()

	op := it.operation()
	if opts.DryRun {
		o.logger.Info("dry run: would "+string(op)+" content type", "type_key", it.key, "hash", short(it.hash))
		res.Status = ItemPlanned
		return res
	}

	checksum, snapErr := o.captureSnapshot(ctx, it)

	dir := model.DirectionPush
	if it.action == ActionPull {
		dir = model.DirectionPull
	}
	syncID, err := o.history.RecordSyncAttempt(ctx, SyncAttempt{
		RunID:            opts.RunID,
		TypeKey:          it.key,
		VersionHash:      it.hash,
		Direction:        dir,
		Operation:        op,
		SnapshotChecksum: checksum,
	})
	if err != nil {
		o.logger.Error("recording sync attempt", "type_key", it.key, "error", err)
		res.Status = ItemFailed
		res.Error = err.Error()
		return res
	}
	res.SyncID = syncID

	if snapErr != nil {
		return o.fail(ctx, it, res, fmt.Errorf("capturing snapshot: %w", snapErr), false)
	}
	if it.action == ActionPull {
		return o.pull(ctx, opts, it, res)
	}
	if err := o.states.BeginSync(ctx, it.key, op, it.hash, syncID); err != nil {
		return o.fail(ctx, it, res, err, false)
	}

	var remote *model.RemoteContentType
	err = o.history.ExecuteWithRetry(ctx, syncID, func(ctx context.Context) error {
		var err error
		switch op {
		case model.OperationCreate:
			remote, err = o.provider.CreateContentType(ctx, it.def)
		case model.OperationUpdate:
			remote, err = o.provider.UpdateContentType(ctx, it.key, it.def, it.etag)
		case model.OperationDelete:
			err = o.provider.DeleteContentType(ctx, it.key)
			if IsProviderError(err, KindNotFound) {
				err = nil
			}
		}
		return err
	})
	if err != nil {
		if IsProviderError(err, KindPrecondition) {
			return o.preconditionFailed(ctx, opts, it, res, err)
		}
		return o.fail(ctx, it, res, err, true)
	}
	return o.complete(ctx, opts, it, res, remote)
}

func (o *Orchestrator) captureSnapshot(ctx context.Context, it *plannedItem) (string, error) {
	payload := it.def
	if it.action == ActionPull || payload == nil {
		payload = it.previous
	}
	if payload == nil {
		return "", nil
	}
	encoded, err := snapshot.Capture(payload)
	if err != nil {
		return "", err
	}
	if o.archive == nil {
		s, err := snapshot.Parse(encoded)
		if err != nil {
			return "", err
		}
		return s.Checksum, nil
	}
	return o.archive.Store(ctx, it.key, encoded)
}

// pull writes a remote fast-forward into the source. It touches neither the
// provider nor the in-flight markers: an interrupted pull leaves the state as
// it was and the next run pulls again.
func (o *Orchestrator) pull(ctx context.Context, opts SyncOptions, it *plannedItem, res ItemResult) ItemResult {
	if err := o.writeBack(ctx, opts, it); err != nil {
		return o.fail(ctx, it, res, err, false)
	}
	if _, err := o.states.MarkAsSynced(ctx, it.key, it.hash); err != nil {
		return o.partial(ctx, it, res, err)
	}
	if err := o.history.UpdateSyncStatus(ctx, res.SyncID, model.RecordSuccess, "", ""); err != nil {
		o.logger.Error("finalizing sync record", "type_key", it.key, "sync_id", res.SyncID, "error", err)
	}
	o.logger.Info("remote changes pulled into source", "type_key", it.key, "hash", short(it.hash))
	res.Status = ItemSuccess
	return res
}

// fail finalizes the record as FAILED and, when the state was already
// marked in flight, rolls it back.
func (o *Orchestrator) fail(ctx context.Context, it *plannedItem, res ItemResult, cause error, rollback bool) ItemResult {
	o.logger.Error("sync operation failed", "type_key", it.key, "operation", string(it.operation()), "error", cause)
	if err := o.history.UpdateSyncStatus(ctx, res.SyncID, model.RecordFailed, "", cause.Error()); err != nil {
		o.logger.Error("finalizing sync record", "type_key", it.key, "sync_id", res.SyncID, "error", err)
	}
	if rollback {
		if _, err := o.states.RollbackPartialSync(ctx, it.key); err != nil {
			o.logger.Error("rolling back sync state", "type_key", it.key, "error", err)
		}
	}
	res.Status = ItemFailed
	res.Error = cause.Error()
	return res
}

// preconditionFailed handles a remote that changed after discovery. When the
// remote already holds the target the operation counts as applied;
// otherwise the divergence is flagged for review.
func (o *Orchestrator) preconditionFailed(ctx context.Context, opts SyncOptions, it *plannedItem, res ItemResult, cause error) ItemResult {
	o.logger.Warn("remote changed during sync", "type_key", it.key, "error", cause)

	current, err := o.provider.GetContentType(ctx, it.key)
	if err != nil && !IsProviderError(err, KindNotFound) {
		return o.fail(ctx, it, res, fmt.Errorf("%v; refetching remote: %w", cause, err), true)
	}
	if err != nil {
		current = nil
	}
	currentHash := hashing.TombstoneHash
	if current != nil {
		if currentHash, err = hashing.Hash(&current.Definition); err != nil {
			return o.fail(ctx, it, res, err, true)
		}
	}
	if currentHash == it.hash {
		return o.complete(ctx, opts, it, res, current)
	}

	if _, err := o.observeRemote(ctx, opts, it.key, current); err != nil {
		return o.fail(ctx, it, res, err, true)
	}
	c, err := o.detector.DetectConflicts(ctx, it.key)
	if err != nil {
		return o.fail(ctx, it, res, err, true)
	}
	if err := surfaceConflict(c, ReasonPrecondition); err != nil {
		return o.fail(ctx, it, res, err, true)
	}
	entry, err := o.conflicts.FlagForReview(ctx, it.key, c)
	if err != nil {
		return o.fail(ctx, it, res, err, true)
	}

	res = o.fail(ctx, it, res, fmt.Errorf("%w; flagged conflict %s", cause, entry.ID), true)
	if err := o.states.MarkConflict(ctx, it.key); err != nil {
		o.logger.Error("marking conflict", "type_key", it.key, "error", err)
	}
	res.Status = ItemConflict
	res.ConflictID = entry.ID
	return res
}

// surfaceConflict turns a detection result into a conflict with the given
// reason, even when history alone would have fast-forwarded it.
func surfaceConflict(c *ConflictResult, reason string) error {
	if c.HasConflict {
		c.Reason = reason
		return nil
	}
	if c.Local == nil || c.Remote == nil {
		return fmt.Errorf("cannot flag %s: missing local or remote version", c.TypeKey)
	}
	c.HasConflict = true
	c.Reason = reason
	c.Type = classify(c.Ancestor, c.Local, c.Remote)
	if c.Type == model.ConflictDelete {
		return nil
	}
	_, fields, err := mergeDefinitions(nil, c.Local.Data, c.Remote.Data)
	if err != nil {
		return err
	}
	c.ConflictingFields = fields
	return nil
}

// complete records an applied operation. Failures here leave the remote
// changed but the bookkeeping behind, which is reported as PARTIAL and
// repaired by CheckInterruptedSyncs.
func (o *Orchestrator) complete(ctx context.Context, opts SyncOptions, it *plannedItem, res ItemResult, remote *model.RemoteContentType) ItemResult {
	if err := o.states.MarkApplied(ctx, it.key); err != nil {
		return o.partial(ctx, it, res, err)
	}

	response := ""
	if remote != nil {
		response = remote.ETag
	}
	if err := o.record(ctx, opts, it, remote); err != nil {
		return o.partial(ctx, it, res, err)
	}
	if err := o.history.UpdateSyncStatus(ctx, res.SyncID, model.RecordSuccess, response, ""); err != nil {
		o.logger.Error("finalizing sync record", "type_key", it.key, "sync_id", res.SyncID, "error", err)
	}

	o.logger.Info("content type synced", "type_key", it.key, "operation", string(it.operation()), "hash", short(it.hash))
	res.Status = ItemSuccess
	return res
}

func (o *Orchestrator) partial(ctx context.Context, it *plannedItem, res ItemResult, cause error) ItemResult {
	o.logger.Error("recording applied sync", "type_key", it.key, "error", cause)
	if err := o.history.UpdateSyncStatus(ctx, res.SyncID, model.RecordPartial, "", cause.Error()); err != nil {
		o.logger.Error("finalizing sync record", "type_key", it.key, "sync_id", res.SyncID, "error", err)
	}
	res.Status = ItemPartial
	res.Error = cause.Error()
	return res
}

// record updates versions, source and state after the remote accepted it.
func (o *Orchestrator) record(ctx context.Context, opts SyncOptions, it *plannedItem, remote *model.RemoteContentType) error {
	actor := o.actor(opts)
	synced := it.hash

	if it.action == ActionDelete {
		if _, err := o.versions.RecordDeletion(ctx, it.key, model.OriginRemote, actor, "deleted"); err != nil {
			return err
		}
	} else {
		pushed := it.def
		if remote != nil {
			pushed = &remote.Definition
		}
		v, err := o.versions.RecordVersion(ctx, pushed, model.OriginRemote, actor, "pushed")
		if err != nil {
			return err
		}
		if v.Hash != it.hash {
			o.logger.Warn("remote stored a different definition than was sent", "type_key", it.key, "sent", short(it.hash), "stored", short(v.Hash))
		}
		synced = v.Hash
	}

	if it.writeBack {
		if err := o.writeBack(ctx, opts, it); err != nil {
			return err
		}
	}
	if _, err := o.states.MarkAsSynced(ctx, it.key, synced); err != nil {
		return err
	}
	if it.conflictID != "" {
		_, err := o.conflicts.ResolveConflict(ctx, it.conflictID, string(it.strategy), it.def, actor)
		if err != nil && !errors.Is(err, ErrConflictAlreadyResolved) {
			return err
		}
	}
	return nil
}

// writeBack makes the local side hold the resolved definition: the source is
// updated when the extractor can write, and the local chain gains a version.
func (o *Orchestrator) writeBack(ctx context.Context, opts SyncOptions, it *plannedItem) error {
	actor := o.actor(opts)
	w, canWrite := o.extractor.(SourceWriter)
	if !canWrite {
		o.logger.Warn("source is read-only; resolved definition not written back", "type_key", it.key)
	}

	if it.def == nil {
		if canWrite {
			if err := w.RemoveContentType(ctx, opts.WebsiteID, it.key); err != nil {
				return fmt.Errorf("removing %s from source: %w", it.key, err)
			}
		}
		if _, err := o.versions.RecordDeletion(ctx, it.key, model.OriginLocal, actor, "resolved"); err != nil {
			return err
		}
		tomb := hashing.TombstoneHash
		_, err := o.states.UpsertSyncState(ctx, it.key, StateUpdate{LocalHash: &tomb})
		return err
	}

	if canWrite {
		if err := w.WriteContentType(ctx, opts.WebsiteID, o.transformer.Untransform(it.def)); err != nil {
			return fmt.Errorf("writing %s to source: %w", it.key, err)
		}
	}
	v, err := o.versions.RecordVersion(ctx, it.def, model.OriginLocal, actor, "resolved")
	if err != nil {
		return err
	}
	_, err = o.states.UpsertSyncState(ctx, it.key, StateUpdate{LocalHash: &v.Hash})
	return err
}

func (o *Orchestrator) actor(opts SyncOptions) string {
	if opts.Actor == "" {
		return "ctsync"
	}
	return opts.Actor
}

// tally recomputes statistics from the item results.
func (o *Orchestrator) tally(result *SyncResult) {
	s := &result.Statistics
	s.Created, s.Updated, s.Deleted, s.Skipped, s.Pulled, s.Conflicts, s.Errors = 0, 0, 0, 0, 0, 0, 0
	for _, r := range result.Results {
		switch r.Status {
		case ItemSuccess, ItemPlanned:
			switch r.Action {
			case ActionCreate:
				s.Created++
			case ActionUpdate:
				s.Updated++
			case ActionDelete:
				s.Deleted++
			case ActionPull:
				s.Pulled++
			}
		case ItemSkipped:
			s.Skipped++
		case ItemConflict:
			s.Conflicts++
		case ItemFailed, ItemPartial:
			s.Errors++
		}
	}
}

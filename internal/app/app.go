package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"ctsync/internal/config"
	"ctsync/internal/ctsync"
	"ctsync/internal/database"
	"ctsync/internal/encryption"
	"ctsync/internal/extractor"
	"ctsync/internal/model"
	"ctsync/internal/provider"
	"ctsync/internal/vault"
)

// LockFileName is the process lock kept next to the state database.
const LockFileName = "ctsync.lock"

var (
	// ErrLocked is returned when another process is changing the same state database.
	ErrLocked = errors.New("another ctsync process is running")

	// ErrNoEncryption is returned by key operations when encryption type is none.
	ErrNoEncryption = errors.New("encryption is not configured")
)

// App is the application layer between the CLI and the sync engine. It
// builds every component from config, records a sync run for commands that
// change state and, on Close, archives the state database to the vault.
type App struct {
	cfg          *config.Config
	db           *database.SQLiteDatabase
	vault        ctsync.Vault
	encryptor    ctsync.Encryptor
	provider     ctsync.Provider
	orchestrator *ctsync.Orchestrator
	clock        ctsync.Clock
	logger       ctsync.Logger
	run          *Run
	lock         *flock.Flock
	logFile      *os.File
}

type options struct {
	provider    ctsync.Provider
	hasProvider bool
	clock       ctsync.Clock
	idgen       ctsync.IDGenerator
	level       slog.Leveler
}

// Option customizes NewApp.
type Option func(*options)

// WithProvider replaces the provider built from config. A nil provider runs offline.
func WithProvider(p ctsync.Provider) Option {
	return func(o *options) {
		o.provider = p
		o.hasProvider = true
	}
}

func WithClock(c ctsync.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithIDGenerator(g ctsync.IDGenerator) Option {
	return func(o *options) { o.idgen = g }
}

// WithLogLevel sets the minimum level written to the log. The default is INFO.
func WithLogLevel(l slog.Leveler) Option {
	return func(o *options) { o.level = l }
}

// NewApp creates a fully wired App from cfg. operation names the CLI command
// being run (e.g. "Sync", "ResolveConflicts"). The caller must call Close.
func NewApp(ctx context.Context, cfg *config.Config, operation string, opts ...Option) (*App, error) {
	o := options{clock: ctsync.RealClock{}, idgen: ctsync.UUIDGenerator{}, level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&o)
	}

	if len(cfg.Vaults) == 0 {
		return nil, fmt.Errorf("no vaults configured")
	}
	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	fail := func(err error) (*App, error) {
		db.Close()
		return nil, err
	}

	if err := db.CheckMigrations(); err != nil {
		return fail(fmt.Errorf("database schema out of date: %w", err))
	}

	// The vault copy is versioned by the last run that wrote it. A newer
	// copy means this host's database was replaced or lost.
	remoteVersion, err := v.GetMetadataVersion(ctx, cfg.HostID, "db")
	if err != nil {
		return fail(fmt.Errorf("checking remote metadata version: %w", err))
	}
	localMax, err := db.MaxSyncRunID(ctx)
	if err != nil {
		return fail(fmt.Errorf("checking local metadata version: %w", err))
	}
	if remoteVersion > localMax {
		return fail(fmt.Errorf("local database is behind remote (local=%d, remote=%d): restore from vault or re-initialize", localMax, remoteVersion))
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return fail(fmt.Errorf("creating encryptor: %w", err))
	}

	logID := o.clock.Now().UTC().Format("20060102T150405Z")
	l, logFile, err := newLogger(cfg.LogDir, logID, o.level)
	if err != nil {
		return fail(fmt.Errorf("creating logger: %w", err))
	}
	logger := &slogAdapter{l: l}

	ex, err := extractor.NewExtractorFromConfig(cfg.Source, logger)
	if err != nil {
		logFile.Close()
		return fail(fmt.Errorf("creating extractor: %w", err))
	}

	p := o.provider
	if !o.hasProvider {
		if p, err = provider.NewProviderFromConfig(cfg.Provider); err != nil {
			logFile.Close()
			return fail(fmt.Errorf("creating provider: %w", err))
		}
	}

	sc := cfg.Sync.WithDefaults()
	orch := ctsync.NewOrchestrator(ex, p, db,
		ctsync.NewSnapshotArchive(v, enc, db, o.clock, logger),
		o.clock, o.idgen, logger,
		ctsync.OrchestratorConfig{
			Concurrency:   sc.Concurrency,
			ManagedPrefix: sc.ManagedPrefix,
			Retry: ctsync.RetryConfig{
				MaxAttempts:  sc.MaxAttempts,
				InitialDelay: sc.InitialDelay.Duration(),
				Multiplier:   sc.BackoffMultiplier,
				MaxDelay:     sc.MaxDelay.Duration(),
				CallTimeout:  sc.CallTimeout.Duration(),
			},
			ResolutionHistoryLimit: sc.ResolutionHistoryLimit,
		})

	return &App{
		cfg:          cfg,
		db:           db,
		vault:        v,
		encryptor:    enc,
		provider:     p,
		orchestrator: orch,
		clock:        o.clock,
		logger:       logger,
		run:          NewRun(operation, ""),
		logFile:      logFile,
	}, nil
}

// lockPath returns where the process lock lives, or "" for a state
// database that is not shared with other processes.
func (a *App) lockPath() string {
	if a.cfg.Database.Type == "sqlite" && a.cfg.Database.DataDir != "" {
		return filepath.Join(a.cfg.Database.DataDir, LockFileName)
	}
	return ""
}

// begin takes the process lock and persists the run. It is called by every
// command that changes the state database.
func (a *App) begin(ctx context.Context, parameters string) error {
	if a.run.Persisted() {
		return nil
	}
	if path := a.lockPath(); path != "" && a.lock == nil {
		fl := flock.New(path)
		ok, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring lock %s: %w", path, err)
		}
		if !ok {
			return fmt.Errorf("%w: lock held on %s", ErrLocked, path)
		}
		a.lock = fl
	}

	a.run.Parameters = parameters
	run, err := a.db.CreateSyncRun(ctx, a.run.Operation, parameters, a.clock.Now())
	if err != nil {
		return fmt.Errorf("persisting sync run: %w", err)
	}
	a.run.ID = run.ID
	a.logger.Info("run started", "run_id", run.ID, "operation", a.run.Operation)
	return nil
}

// SyncOptions are the CLI-facing sync flags.
type SyncOptions struct {
	WebsiteID   string
	DryRun      bool
	AutoResolve bool
}

// Sync runs one reconciliation. The website and auto-resolve settings fall
// back to the config when unset.
func (a *App) Sync(ctx context.Context, opts SyncOptions) (*ctsync.SyncResult, error) {
	website := opts.WebsiteID
	if website == "" {
		website = a.cfg.Source.WebsiteID
	}
	params := fmt.Sprintf("website=%s dry_run=%t", website, opts.DryRun)
	if err := a.begin(ctx, params); err != nil {
		return nil, err
	}

	res, err := a.orchestrator.Sync(ctx, ctsync.SyncOptions{
		WebsiteID:   website,
		DryRun:      opts.DryRun,
		AutoResolve: opts.AutoResolve || a.cfg.Sync.AutoResolve,
		Actor:       a.cfg.HostID,
		RunID:       a.run.ID,
	})
	a.run.Status = syncRunStatus(res, err)
	if res != nil {
		if stats, jerr := json.Marshal(res.Statistics); jerr == nil {
			a.run.Statistics = string(stats)
		}
	}
	return res, err
}

// Status returns the sync state of every known type key.
func (a *App) Status(ctx context.Context) ([]*model.SyncState, error) {
	return a.orchestrator.States().ListSyncStates(ctx)
}

// Online reports whether a remote provider is configured.
func (a *App) Online() bool {
	return a.orchestrator.Online()
}

// Conflicts returns the review queue.
func (a *App) Conflicts(ctx context.Context, filter model.ConflictFilter) ([]*model.ConflictEntry, error) {
	return a.orchestrator.GetConflictQueue(ctx, filter)
}

// DetectConflicts compares the latest local and remote versions of every
// type key and flags new divergences for review.
func (a *App) DetectConflicts(ctx context.Context) ([]*ctsync.ConflictResult, error) {
	if err := a.begin(ctx, ""); err != nil {
		return nil, err
	}
	found, err := a.orchestrator.DetectConflicts(ctx)
	if err != nil {
		a.run.Status = RunFailed
	}
	return found, err
}

// ResolveOptions are the CLI-facing resolution flags.
type ResolveOptions struct {
	// Strategy is one of use_local, use_remote, auto_merge, manual_merge;
	// empty picks the best strategy per conflict.
	Strategy string
	// ManualFile holds the merged definition for manual_merge.
	ManualFile string
	WebsiteID  string
}

// ResolveConflicts resolves the conflicts in ids.
func (a *App) ResolveConflicts(ctx context.Context, ids []string, opts ResolveOptions) ([]ctsync.ResolveOutcome, error) {
	var strategy ctsync.Strategy
	if opts.Strategy != "" {
		s, err := ctsync.ParseStrategy(opts.Strategy)
		if err != nil {
			return nil, err
		}
		strategy = s
	}
	var manual *model.ContentTypeDefinition
	if opts.ManualFile != "" {
		def, err := extractor.ReadDefinitionFile(opts.ManualFile)
		if err != nil {
			return nil, err
		}
		manual = def
	}
	website := opts.WebsiteID
	if website == "" {
		website = a.cfg.Source.WebsiteID
	}

	if err := a.begin(ctx, fmt.Sprintf("strategy=%s ids=%s", opts.Strategy, strings.Join(ids, ","))); err != nil {
		return nil, err
	}
	outcomes, err := a.orchestrator.ResolveConflicts(ctx, ids, ctsync.ResolveOptions{
		Strategy:   strategy,
		ResolvedBy: a.cfg.HostID,
		Manual:     manual,
		WebsiteID:  website,
		RunID:      a.run.ID,
	})
	switch {
	case errors.Is(err, ctsync.ErrSyncCancelled):
		a.run.Status = RunCancelled
	case err != nil:
		a.run.Status = RunFailed
	default:
		for _, o := range outcomes {
			if !o.Success {
				a.run.Status = RunPartial
				break
			}
		}
	}
	return outcomes, err
}

// ClearResolvedConflicts deletes resolved conflicts older than days.
func (a *App) ClearResolvedConflicts(ctx context.Context, days int) (int64, error) {
	if err := a.begin(ctx, fmt.Sprintf("older_than_days=%d", days)); err != nil {
		return 0, err
	}
	n, err := a.orchestrator.Conflicts().ClearResolvedConflicts(ctx, days)
	if err != nil {
		a.run.Status = RunFailed
	}
	return n, err
}

func (a *App) ConflictStats(ctx context.Context) (*ctsync.ConflictStats, error) {
	return a.orchestrator.Conflicts().GetStatistics(ctx)
}

func (a *App) ResolutionHistory(ctx context.Context, limit int) ([]*model.ResolutionHistoryEntry, error) {
	return a.orchestrator.Conflicts().GetResolutionHistory(ctx, limit)
}

// History returns sync records, newest first.
func (a *App) History(ctx context.Context, filter model.SyncRecordFilter) ([]*model.SyncRecord, error) {
	return a.orchestrator.History().GetSyncHistory(ctx, filter)
}

func (a *App) SyncStats(ctx context.Context) (*ctsync.SyncStats, error) {
	return a.orchestrator.History().GetStatistics(ctx)
}

// Runs returns the most recent sync runs.
func (a *App) Runs(ctx context.Context, limit int) ([]*model.SyncRun, error) {
	return a.db.ListSyncRuns(ctx, limit)
}

// Versions returns every recorded version of typeKey, oldest first.
func (a *App) Versions(ctx context.Context, typeKey string) ([]*model.Version, error) {
	return a.orchestrator.Versions().ListVersions(ctx, typeKey)
}

// Resume repairs syncs left in flight by an interrupted process.
func (a *App) Resume(ctx context.Context) (*ctsync.ResumeReport, error) {
	if err := a.begin(ctx, ""); err != nil {
		return nil, err
	}
	report, err := a.orchestrator.CheckInterruptedSyncs(ctx)
	if err != nil {
		a.run.Status = RunFailed
	}
	return report, err
}

// InitKeys generates the snapshot encryption key pair.
func (a *App) InitKeys(passphrase string) error {
	if a.encryptor == nil {
		return ErrNoEncryption
	}
	if a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("generating keys: %w", err)
	}
	return nil
}

// ReadSnapshot returns an archived snapshot payload. passphrase is called
// only when the snapshot is encrypted.
func (a *App) ReadSnapshot(ctx context.Context, checksum string, passphrase func() (string, error)) (*model.SnapshotRecord, []byte, error) {
	rec, err := a.db.FindSnapshotRecord(ctx, checksum)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("%w: %s", ctsync.ErrSnapshotNotFound, checksum)
	}

	var dec ctsync.DecryptionContext
	if rec.Encrypted {
		if a.encryptor == nil {
			return nil, nil, ErrNoEncryption
		}
		pw, err := passphrase()
		if err != nil {
			return nil, nil, fmt.Errorf("reading passphrase: %w", err)
		}
		if dec, err = a.encryptor.Unlock(pw); err != nil {
			return nil, nil, fmt.Errorf("unlocking private key: %w", err)
		}
	}
	return a.orchestrator.Archive().Read(ctx, checksum, dec)
}

// Close finalizes the run and releases every resource. For persisted runs
// it also copies the state database to the vault, versioned by run ID.
func (a *App) Close() error {
	ctx := context.Background()
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if a.run.Persisted() {
		if err := a.db.FinishSyncRun(ctx, a.run.ID, a.run.Status, a.run.Statistics, a.clock.Now()); err != nil {
			keep(fmt.Errorf("finishing sync run: %w", err))
		}

		tmpPath, err := a.backupDatabase()
		if err != nil {
			keep(err)
		}
		if err := a.db.Close(); err != nil {
			keep(fmt.Errorf("closing database: %w", err))
		}
		if tmpPath != "" {
			if err := a.uploadDatabase(ctx, tmpPath, a.run.ID); err != nil {
				keep(err)
			}
			os.Remove(tmpPath)
		}
		a.logger.Info("run finished", "run_id", a.run.ID, "status", a.run.Status)
	} else if err := a.db.Close(); err != nil {
		keep(fmt.Errorf("closing database: %w", err))
	}

	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil {
			keep(fmt.Errorf("releasing lock: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// backupDatabase writes a copy of the state database to a temp file.
func (a *App) backupDatabase() (string, error) {
	f, err := os.CreateTemp("", "ctsync-db-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for db backup: %w", err)
	}
	path := f.Name()
	f.Close()

	if err := a.db.BackupTo(path); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (a *App) uploadDatabase(ctx context.Context, path string, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening db backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat db backup: %w", err)
	}
	if err := a.vault.PutMetadata(ctx, a.cfg.HostID, "db", f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading metadata to vault: %w", err)
	}
	return nil
}

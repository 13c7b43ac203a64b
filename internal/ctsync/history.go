package ctsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ctsync/internal/model"
)

// RetryConfig bounds ExecuteWithRetry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	CallTimeout  time.Duration
}

// DefaultRetryConfig returns three attempts starting at one second, doubling
// up to thirty seconds, with a thirty second limit per call.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		CallTimeout:  30 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// newBackOff returns a jitter-free exponential policy: the n-th wait is
// InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (c RetryConfig) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          c.Multiplier,
		MaxInterval:         c.MaxDelay,
	}
}

// BackoffSchedule returns the waits that precede attempts 2..MaxAttempts.
func BackoffSchedule(c RetryConfig) []time.Duration {
	c = c.withDefaults()
	b := c.newBackOff()
	b.Reset()
	waits := make([]time.Duration, 0, c.MaxAttempts-1)
	for i := 1; i < c.MaxAttempts; i++ {
		waits = append(waits, b.NextBackOff())
	}
	return waits
}

// SyncAttempt describes an operation about to be sent to the provider.
type SyncAttempt struct {
	RunID            int64
	TypeKey          string
	VersionHash      string
	Direction        model.Direction
	Operation        model.Operation
	SnapshotChecksum string
}

// SyncHistoryManager records sync attempts and runs them with bounded retry.
type SyncHistoryManager struct {
	db     Database
	clock  Clock
	idgen  IDGenerator
	logger Logger
	cfg    RetryConfig
}

func NewSyncHistoryManager(db Database, clock Clock, idgen IDGenerator, logger Logger, cfg RetryConfig) *SyncHistoryManager {
	return &SyncHistoryManager{db: db, clock: clock, idgen: idgen, logger: logger, cfg: cfg.withDefaults()}
}

// RecordSyncAttempt creates an IN_PROGRESS record and returns its id.
func (m *SyncHistoryManager) RecordSyncAttempt(ctx context.Context, a SyncAttempt) (string, error) {
	dir := a.Direction
	if dir == "" {
		dir = model.DirectionPush
	}
	r := &model.SyncRecord{
		ID:               m.idgen.New(),
		RunID:            a.RunID,
		TypeKey:          a.TypeKey,
		VersionHash:      a.VersionHash,
		Direction:        dir,
		Operation:        a.Operation,
		Status:           model.RecordInProgress,
		SnapshotChecksum: a.SnapshotChecksum,
		StartedAt:        m.clock.Now(),
	}
	if err := m.db.InsertSyncRecord(ctx, r); err != nil {
		return "", fmt.Errorf("recording sync attempt for %s: %w", a.TypeKey, err)
	}
	return r.ID, nil
}

// ExecuteWithRetry runs op under Retry and records how many times it was
// invoked on the sync record. The last error is returned and the caller is
// expected to finalize the record.
func (m *SyncHistoryManager) ExecuteWithRetry(ctx context.Context, syncID string, op func(ctx context.Context) error) error {
	attempts, err := m.Retry(ctx, op)
	if uerr := m.db.UpdateSyncRecordAttempts(ctx, syncID, attempts); uerr != nil {
		m.logger.Error("recording attempt count", "sync_id", syncID, "error", uerr)
	}
	return err
}

// Retry runs op until it succeeds, fails permanently, or has been invoked
// MaxAttempts times, and reports the number of invocations. Each invocation
// gets its own CallTimeout; a timeout counts as a transient failure.
func (m *SyncHistoryManager) Retry(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	attempts := 0
	operation := func() (struct{}, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()

		err := op(callCtx)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !IsProviderError(err, KindTimeout) {
			err = &ProviderError{Kind: KindTimeout, Message: fmt.Sprintf("call exceeded %s", m.cfg.CallTimeout), Err: err}
		}
		if !IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	notify := func(err error, wait time.Duration) {
		m.logger.Warn("provider call failed, retrying", "attempt", attempts, "wait", wait.String(), "error", err)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(m.cfg.newBackOff()),
		backoff.WithMaxTries(uint(m.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return attempts, err
	}
	return attempts, nil
}

// UpdateSyncStatus finalizes an IN_PROGRESS record. It is the only way out
// of IN_PROGRESS and succeeds once per record.
func (m *SyncHistoryManager) UpdateSyncStatus(ctx context.Context, syncID string, status model.RecordStatus, response, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot move sync record %s to %s", syncID, status)
	}
	ok, err := m.db.FinishSyncRecord(ctx, syncID, status, response, errMsg, m.clock.Now())
	if err != nil {
		return fmt.Errorf("finalizing sync record %s: %w", syncID, err)
	}
	if ok {
		return nil
	}

	existing, err := m.db.FindSyncRecord(ctx, syncID)
	if err != nil {
		return fmt.Errorf("finding sync record %s: %w", syncID, err)
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrSyncRecordNotFound, syncID)
	}
	return fmt.Errorf("%w: %s is %s", ErrRecordFinalized, syncID, existing.Status)
}

// GetSyncRecord returns one record, or nil.
func (m *SyncHistoryManager) GetSyncRecord(ctx context.Context, syncID string) (*model.SyncRecord, error) {
	r, err := m.db.FindSyncRecord(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("finding sync record %s: %w", syncID, err)
	}
	return r, nil
}

// GetSyncHistory returns matching records, newest first.
func (m *SyncHistoryManager) GetSyncHistory(ctx context.Context, filter model.SyncRecordFilter) ([]*model.SyncRecord, error) {
	rs, err := m.db.ListSyncRecords(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing sync history: %w", err)
	}
	return rs, nil
}

// SyncStats counts records by outcome.
type SyncStats struct {
	Total       int
	InProgress  int
	Succeeded   int
	Failed      int
	Partial     int
	ByOperation map[model.Operation]int
}

func (m *SyncHistoryManager) GetStatistics(ctx context.Context) (*SyncStats, error) {
	rs, err := m.GetSyncHistory(ctx, model.SyncRecordFilter{})
	if err != nil {
		return nil, err
	}
	s := &SyncStats{ByOperation: make(map[model.Operation]int)}
	for _, r := range rs {
		s.Total++
		s.ByOperation[r.Operation]++
		switch r.Status {
		case model.RecordInProgress:
			s.InProgress++
		case model.RecordSuccess:
			s.Succeeded++
		case model.RecordFailed:
			s.Failed++
		case model.RecordPartial:
			s.Partial++
		}
	}
	return s, nil
}

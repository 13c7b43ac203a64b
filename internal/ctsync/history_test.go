package ctsync_test

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"ctsync/internal/ctsync"
	"ctsync/internal/model"
	"ctsync/internal/testutil"
)

func newHistory(t *testing.T, cfg ctsync.RetryConfig) *ctsync.SyncHistoryManager {
	t.Helper()
	return ctsync.NewSyncHistoryManager(newDB(t), testutil.FixedClock(), testutil.NewSequentialIDs("rec"), ctsync.NewNopLogger(), cfg)
}

func TestBackoffSchedule(t *testing.T) {
	tests := []struct {
		name string
		cfg  ctsync.RetryConfig
		want []time.Duration
	}{
		{
			name: "defaults",
			cfg:  ctsync.DefaultRetryConfig(),
			want: []time.Duration{time.Second, 2 * time.Second},
		},
		{
			name: "capped",
			cfg:  ctsync.RetryConfig{MaxAttempts: 4, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second},
			want: []time.Duration{time.Second, 2 * time.Second, 3 * time.Second},
		},
		{
			name: "single attempt",
			cfg:  ctsync.RetryConfig{MaxAttempts: 1},
			want: []time.Duration{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ctsync.BackoffSchedule(tt.cfg)
			if !slices.Equal(got, tt.want) {
				t.Errorf("BackoffSchedule() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSyncHistoryManager_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after a transient failure", func(t *testing.T) {
		m := newHistory(t, fastRetry())
		calls := 0
		attempts, err := m.Retry(ctx, func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return ctsync.NewProviderError(ctsync.KindServer, "article", "unavailable")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Retry() error = %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("permanent failure is not retried", func(t *testing.T) {
		m := newHistory(t, fastRetry())
		attempts, err := m.Retry(ctx, func(ctx context.Context) error {
			return ctsync.NewProviderError(ctsync.KindUnauthorized, "article", "bad token")
		})
		if !ctsync.IsProviderError(err, ctsync.KindUnauthorized) {
			t.Errorf("Retry() error = %v, want unauthorized", err)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		m := newHistory(t, fastRetry())
		attempts, err := m.Retry(ctx, func(ctx context.Context) error {
			return ctsync.NewProviderError(ctsync.KindRateLimited, "article", "slow down")
		})
		if !ctsync.IsProviderError(err, ctsync.KindRateLimited) {
			t.Errorf("Retry() error = %v, want rate_limited", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("call timeout is reported as a timeout", func(t *testing.T) {
		cfg := fastRetry()
		cfg.MaxAttempts = 2
		cfg.CallTimeout = 5 * time.Millisecond
		m := newHistory(t, cfg)
		attempts, err := m.Retry(ctx, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		if !ctsync.IsProviderError(err, ctsync.KindTimeout) {
			t.Errorf("Retry() error = %v, want timeout", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		m := newHistory(t, fastRetry())
		cctx, cancel := context.WithCancel(ctx)
		attempts, err := m.Retry(cctx, func(ctx context.Context) error {
			cancel()
			return context.Canceled
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Retry() error = %v, want context.Canceled", err)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})
}

func TestSyncHistoryManager_Records(t *testing.T) {
	ctx := context.Background()
	m := newHistory(t, fastRetry())

	id, err := m.RecordSyncAttempt(ctx, ctsync.SyncAttempt{TypeKey: "article", VersionHash: "h1", Operation: model.OperationCreate})
	if err != nil {
		t.Fatalf("RecordSyncAttempt() error = %v", err)
	}

	calls := 0
	err = m.ExecuteWithRetry(ctx, id, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithRetry() error = %v", err)
	}

	rec, err := m.GetSyncRecord(ctx, id)
	if err != nil {
		t.Fatalf("GetSyncRecord() error = %v", err)
	}
	if rec.Status != model.RecordInProgress || rec.Attempts != 2 || rec.Direction != model.DirectionPush {
		t.Errorf("record = %+v", rec)
	}

	if err := m.UpdateSyncStatus(ctx, id, model.RecordInProgress, "", ""); err == nil {
		t.Error("UpdateSyncStatus(IN_PROGRESS) expected error")
	}
	if err := m.UpdateSyncStatus(ctx, id, model.RecordSuccess, "ok", ""); err != nil {
		t.Fatalf("UpdateSyncStatus() error = %v", err)
	}
	if err := m.UpdateSyncStatus(ctx, id, model.RecordFailed, "", "late"); !errors.Is(err, ctsync.ErrRecordFinalized) {
		t.Errorf("second UpdateSyncStatus() error = %v, want ErrRecordFinalized", err)
	}
	if err := m.UpdateSyncStatus(ctx, "missing", model.RecordFailed, "", ""); !errors.Is(err, ctsync.ErrSyncRecordNotFound) {
		t.Errorf("UpdateSyncStatus(missing) error = %v, want ErrSyncRecordNotFound", err)
	}

	rec, _ = m.GetSyncRecord(ctx, id)
	if rec.Status != model.RecordSuccess || rec.CompletedAt == nil || rec.Response != "ok" {
		t.Errorf("finalized record = %+v", rec)
	}

	other, err := m.RecordSyncAttempt(ctx, ctsync.SyncAttempt{TypeKey: "page", Operation: model.OperationDelete})
	if err != nil {
		t.Fatalf("RecordSyncAttempt() error = %v", err)
	}
	if err := m.UpdateSyncStatus(ctx, other, model.RecordFailed, "", "boom"); err != nil {
		t.Fatalf("UpdateSyncStatus() error = %v", err)
	}

	history, err := m.GetSyncHistory(ctx, model.SyncRecordFilter{TypeKey: "page"})
	if err != nil {
		t.Fatalf("GetSyncHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != other {
		t.Errorf("GetSyncHistory(page) = %+v", history)
	}

	stats, err := m.GetStatistics(ctx)
	if err != nil {
		t.Fatalf("GetStatistics() error = %v", err)
	}
	if stats.Total != 2 || stats.Succeeded != 1 || stats.Failed != 1 || stats.ByOperation[model.OperationDelete] != 1 {
		t.Errorf("GetStatistics() = %+v", stats)
	}
}

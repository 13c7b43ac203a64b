package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunHandler_Handle(t *testing.T) {
	ts := time.Date(2026, 3, 9, 8, 15, 0, 0, time.UTC)

	tests := []struct {
		name    string
		runID   string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "plain message",
			runID:   "7",
			level:   slog.LevelInfo,
			message: "sync started",
			want:    "2026-03-09T08:15:00Z\tINFO\t7\tsync started\n",
		},
		{
			name:    "warn level",
			runID:   "8",
			level:   slog.LevelWarn,
			message: "provider unavailable",
			want:    "2026-03-09T08:15:00Z\tWARN\t8\tprovider unavailable\n",
		},
		{
			name:    "record attrs",
			runID:   "9",
			level:   slog.LevelError,
			message: "update failed",
			attrs:   []slog.Attr{slog.String("type_key", "article"), slog.Int("attempts", 3)},
			want:    "2026-03-09T08:15:00Z\tERROR\t9\tupdate failed\ttype_key=article\tattempts=3\n",
		},
		{
			name:    "group attr is flattened",
			runID:   "10",
			level:   slog.LevelInfo,
			message: "run finished",
			attrs:   []slog.Attr{slog.Group("stats", slog.Int("created", 2), slog.Int("errors", 0))},
			want:    "2026-03-09T08:15:00Z\tINFO\t10\trun finished\tstats.created=2\tstats.errors=0\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &runHandler{w: &buf, runID: tt.runID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestRunHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&runHandler{w: &buf, runID: "1"})

	logger.With("component", "orchestrator").WithGroup("item").Info("applied", "key", "page")

	got := buf.String()
	if !strings.Contains(got, "\tcomponent=orchestrator") {
		t.Errorf("missing pre-set attr in %q", got)
	}
	if !strings.Contains(got, "\titem.key=page") {
		t.Errorf("missing grouped attr in %q", got)
	}
}

func TestRunHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	h := &runHandler{runID: "1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*runHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs = %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("derived handler attrs = %d, want 2", len(h2.attrs))
	}
}

func TestRunHandler_Enabled(t *testing.T) {
	ctx := context.Background()

	all := &runHandler{}
	if !all.Enabled(ctx, slog.LevelDebug) {
		t.Error("Enabled(DEBUG) = false without a level, want true")
	}

	info := &runHandler{level: slog.LevelInfo}
	if info.Enabled(ctx, slog.LevelDebug) {
		t.Error("Enabled(DEBUG) = true at INFO, want false")
	}
	if !info.Enabled(ctx, slog.LevelError) {
		t.Error("Enabled(ERROR) = false at INFO, want true")
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "42", slog.LevelInfo)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	logger.Debug("hidden")
	logger.Info("visible", "type_key", "article")
	f.Close()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	got := string(data)
	if strings.Contains(got, "hidden") {
		t.Errorf("debug line written at INFO: %q", got)
	}
	if !strings.Contains(got, "\tINFO\t42\tvisible\ttype_key=article\n") {
		t.Errorf("log file = %q, want the info line", got)
	}
}

package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/pipeline"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginRun(ctx, "run-1", "node", time.Time{}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	runs, err := es.ListRuns(ctx, 10)
	if err != nil || runs != nil {
		t.Fatalf("expected nothing recorded, got %v, %v", runs, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.BeginRun(ctx, "run-123", "node-1", time.Time{}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.Append(ctx, Entry{RunID: "run-123", Type: "test", Payload: []byte("hello")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := es.ListRunEvents(ctx, "run-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if string(entries[0].Payload) != "hello" {
		t.Fatalf("unexpected payload: %s", entries[0].Payload)
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("expected creation time")
	}
}

func TestPruneByDaysAndRuns(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(ctx, "old-run", "node", time.Time{}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.Append(ctx, Entry{RunID: "old-run", Type: "note"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRun(ctx, "new-run", "node", time.Time{}); err != nil {
		t.Fatalf("begin run: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	entries, err := es.ListRunEvents(ctx, "old-run", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("expected old run pruned")
	}
	runs, err := es.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "new-run" {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

func TestJournalRecordsRunWithoutText(t *testing.T) {
	es := openTestStore(t, config.EventStoreConfig{RetentionMode: "session"})
	observe := es.Journal("node-7")
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	observe(pipeline.Event{Kind: pipeline.EventStarted, RunID: "run-9", At: start})
	observe(pipeline.Event{
		Kind:    pipeline.EventSegment,
		RunID:   "run-9",
		At:      start.Add(time.Second),
		Latency: 120 * time.Millisecond,
		Segment: pipeline.Segment{RunID: "run-9", Sequence: 1, Text: "secret words", Audio: 1500 * time.Millisecond},
	})
	observe(pipeline.Event{Kind: pipeline.EventInferenceFailed, RunID: "run-9", At: start.Add(2 * time.Second), Err: errors.New("model hiccup")})
	observe(pipeline.Event{Kind: pipeline.EventStopped, RunID: "run-9", At: start.Add(3 * time.Second)})

	ctx := context.Background()
	entries, err := es.ListRunEvents(ctx, "run-9", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	wantTypes := []string{"pipeline.started", "segment.emitted", "inference.failed", "pipeline.stopped"}
	for i, want := range wantTypes {
		if entries[i].Type != want {
			t.Fatalf("entry %d type = %s, want %s", i, entries[i].Type, want)
		}
		if strings.Contains(string(entries[i].Payload), "secret") {
			t.Fatalf("transcript text leaked into journal: %s", entries[i].Payload)
		}
	}
	var payload entryPayload
	if err := json.Unmarshal(entries[1].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Chars != 12 || payload.AudioMS != 1500 || payload.LatencyMS != 120 {
		t.Fatalf("unexpected segment payload %+v", payload)
	}

	runs, err := es.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].NodeID != "node-7" || !runs[0].StoppedAt.Equal(start.Add(3*time.Second)) {
		t.Fatalf("unexpected runs %+v", runs)
	}
}

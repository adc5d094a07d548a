package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotPercent(t *testing.T) {
	tests := []struct {
		name        string
		snap        Snapshot
		wantOverall float64
		wantBatch   float64
	}{
		{name: "start", snap: Snapshot{Processed: 0, Total: 4, BatchProcessed: 0, BatchSize: 2}, wantOverall: 0, wantBatch: 0},
		{name: "half", snap: Snapshot{Processed: 2, Total: 4, BatchProcessed: 2, BatchSize: 2}, wantOverall: 50, wantBatch: 100},
		{name: "empty run", snap: Snapshot{}, wantOverall: 100, wantBatch: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantOverall, tt.snap.OverallPercent())
			assert.Equal(t, tt.wantBatch, tt.snap.BatchPercent())
		})
	}
}

type countingReporter struct {
	updates, batches, finishes int
}

func (c *countingReporter) Update(context.Context, Snapshot)    { c.updates++ }
func (c *countingReporter) BatchDone(context.Context, Snapshot) { c.batches++ }
func (c *countingReporter) Finish(context.Context, Snapshot)    { c.finishes++ }

func TestMulti(t *testing.T) {
	a, b := &countingReporter{}, &countingReporter{}
	m := Multi{a, Nop{}, b}
	ctx := context.Background()

	m.Update(ctx, Snapshot{})
	m.Update(ctx, Snapshot{})
	m.BatchDone(ctx, Snapshot{})
	m.Finish(ctx, Snapshot{})

	for _, r := range []*countingReporter{a, b} {
		assert.Equal(t, 2, r.updates)
		assert.Equal(t, 1, r.batches)
		assert.Equal(t, 1, r.finishes)
	}
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewLogReporter(logger)

	r.Update(context.Background(), Snapshot{Processed: 1, Total: 2})
	assert.Zero(t, buf.Len(), "per-record updates are debug level")

	r.BatchDone(context.Background(), Snapshot{Processed: 2, Total: 4, Batch: 1, Batches: 2, BatchProcessed: 2, BatchSize: 2, Succeeded: 2})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Batch complete", entry["msg"])
	assert.Equal(t, "Progress", entry["component"])
	assert.Equal(t, "50.0%", entry["overall"])
	assert.Equal(t, "100.0%", entry["batchProgress"])
	assert.Equal(t, float64(2), entry["succeeded"])
}

func TestConsoleReporter(t *testing.T) {
	ctx := context.Background()
	snap := Snapshot{Processed: 1, Total: 2, Batch: 1, Batches: 1, BatchProcessed: 1, BatchSize: 2, Succeeded: 1}

	t.Run("live terminal rewrites one line", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewConsoleReporterWriter(&buf, true)
		r.Update(ctx, snap)
		r.Update(ctx, snap)
		r.BatchDone(ctx, snap)

		out := buf.String()
		assert.Equal(t, 2, strings.Count(out, "\r"))
		assert.True(t, strings.HasSuffix(out, "\n"))
		assert.Contains(t, out, "overall 1/2 (50.0%)")
	})

	t.Run("plain writer prints per batch", func(t *testing.T) {
		var buf bytes.Buffer
		r := NewConsoleReporterWriter(&buf, false)
		r.Update(ctx, snap)
		assert.Zero(t, buf.Len())

		r.BatchDone(ctx, snap)
		r.Finish(ctx, snap)
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.Contains(t, lines[0], "batch 1/1 1/2 (50.0%)")
		assert.Equal(t, "done: 1/2 processed, 1 succeeded, 0 failed, 0 duplicates, 0 without contact", lines[1])
	})
}

package progress

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Snapshot is the position of a run after a record has been processed.
type Snapshot struct {
	Processed      int `json:"processed"`
	Total          int `json:"total"`
	Batch          int `json:"batch"`
	Batches        int `json:"batches"`
	BatchProcessed int `json:"batchProcessed"`
	BatchSize      int `json:"batchSize"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	Duplicates     int `json:"duplicates"`
	NoContact      int `json:"noContact"`
}

func percent(part, whole int) float64 {
	if whole <= 0 {
		return 100
	}
	return float64(part) * 100 / float64(whole)
}

func (s Snapshot) OverallPercent() float64 {
	return percent(s.Processed, s.Total)
}

func (s Snapshot) BatchPercent() float64 {
	return percent(s.BatchProcessed, s.BatchSize)
}

func (s Snapshot) String() string {
	return fmt.Sprintf("overall %d/%d (%.1f%%) | batch %d/%d %d/%d (%.1f%%) | ok %d failed %d duplicates %d no-contact %d",
		s.Processed, s.Total, s.OverallPercent(),
		s.Batch, s.Batches, s.BatchProcessed, s.BatchSize, s.BatchPercent(),
		s.Succeeded, s.Failed, s.Duplicates, s.NoContact)
}

// Reporter observes a run. Implementations must not affect the pipeline.
type Reporter interface {
	Update(ctx context.Context, s Snapshot)
	BatchDone(ctx context.Context, s Snapshot)
	Finish(ctx context.Context, s Snapshot)
}

type Nop struct{}

func (Nop) Update(context.Context, Snapshot)    {}
func (Nop) BatchDone(context.Context, Snapshot) {}
func (Nop) Finish(context.Context, Snapshot)    {}

// Multi fans every call out to each reporter in order.
type Multi []Reporter

func (m Multi) Update(ctx context.Context, s Snapshot) {
	for _, r := range m {
		r.Update(ctx, s)
	}
}

func (m Multi) BatchDone(ctx context.Context, s Snapshot) {
	for _, r := range m {
		r.BatchDone(ctx, s)
	}
}

func (m Multi) Finish(ctx context.Context, s Snapshot) {
	for _, r := range m {
		r.Finish(ctx, s)
	}
}

type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger.With(slog.String("component", "Progress"))}
}

func (r *LogReporter) Update(ctx context.Context, s Snapshot) {
	r.logger.DebugContext(ctx, "Record processed", attrs(s)...)
}

func (r *LogReporter) BatchDone(ctx context.Context, s Snapshot) {
	r.logger.InfoContext(ctx, "Batch complete", attrs(s)...)
}

func (r *LogReporter) Finish(ctx context.Context, s Snapshot) {
	r.logger.InfoContext(ctx, "Import progress final", attrs(s)...)
}

func attrs(s Snapshot) []any {
	return []any{
		slog.Int("processed", s.Processed),
		slog.Int("total", s.Total),
		slog.String("overall", fmt.Sprintf("%.1f%%", s.OverallPercent())),
		slog.Int("batch", s.Batch),
		slog.Int("batches", s.Batches),
		slog.String("batchProgress", fmt.Sprintf("%.1f%%", s.BatchPercent())),
		slog.Int("succeeded", s.Succeeded),
		slog.Int("failed", s.Failed),
		slog.Int("duplicates", s.Duplicates),
		slog.Int("noContact", s.NoContact),
	}
}

// ConsoleReporter keeps one live status line on a terminal. On other writers
// it prints a line per finished batch.
type ConsoleReporter struct {
	out   io.Writer
	live  bool
	width int
}

func NewConsoleReporter(f *os.File) *ConsoleReporter {
	return NewConsoleReporterWriter(f, term.IsTerminal(int(f.Fd())))
}

func NewConsoleReporterWriter(w io.Writer, live bool) *ConsoleReporter {
	return &ConsoleReporter{out: w, live: live}
}

func (r *ConsoleReporter) Update(_ context.Context, s Snapshot) {
	if !r.live {
		return
	}
	line := s.String()
	pad := ""
	if n := r.width - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	r.width = len(line)
	fmt.Fprintf(r.out, "\r%s%s", line, pad)
}

func (r *ConsoleReporter) BatchDone(_ context.Context, s Snapshot) {
	if r.live {
		fmt.Fprint(r.out, "\n")
		r.width = 0
		return
	}
	fmt.Fprintln(r.out, s.String())
}

func (r *ConsoleReporter) Finish(_ context.Context, s Snapshot) {
	fmt.Fprintf(r.out, "done: %d/%d processed, %d succeeded, %d failed, %d duplicates, %d without contact\n",
		s.Processed, s.Total, s.Succeeded, s.Failed, s.Duplicates, s.NoContact)
}

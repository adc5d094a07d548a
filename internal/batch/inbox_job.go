package batch

import (
	"context"
	"customer-import/internal/domain/importrun"
	"customer-import/internal/infrastructure/spreadsheet"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Importer is the part of ImportJob the inbox sweep needs.
type Importer interface {
	Run(ctx context.Context, filePath, groupName string) (*importrun.ImportResult, error)
}

var _ Importer = (*ImportJob)(nil)

// InboxJob imports every supported file dropped into a directory and moves it
// to processed/ or failed/ afterwards.
type InboxJob struct {
	dir      string
	importer Importer
	timeout  time.Duration
	logger   *slog.Logger
}

func NewInboxJob(dir string, importer Importer, timeout time.Duration, logger *slog.Logger) *InboxJob {
	if importer == nil || logger == nil {
		panic("InboxJob dependencies cannot be nil")
	}
	return &InboxJob{
		dir:      dir,
		importer: importer,
		timeout:  timeout,
		logger:   logger.With("job", "InboxSweep", "dir", dir),
	}
}

// Run satisfies cron.Job.
func (j *InboxJob) Run() {
	ctx := context.Background()
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.ErrorContext(ctx, "Inbox sweep finished with error", slog.Any("error", err))
	}
}

// Sweep imports the files currently in the inbox in name order and returns
// how many were picked up. Files that fail setup go to failed/; all others,
// including runs with failed records, go to processed/.
func (j *InboxJob) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return 0, fmt.Errorf("reading inbox %s: %w", j.dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && spreadsheet.Supported(e.Name()) {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		j.logger.DebugContext(ctx, "Inbox empty")
		return 0, nil
	}

	picked := 0
	var errs []error
	for _, name := range files {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		picked++
		path := filepath.Join(j.dir, name)
		logCtx := j.logger.With(slog.String("file", name))
		logCtx.InfoContext(ctx, "Importing inbox file")

		result, runErr := j.importer.Run(ctx, path, "")
		target := processedDir
		if result == nil {
			target = failedDir
		}
		if runErr != nil {
			logCtx.ErrorContext(ctx, "Inbox import failed", slog.Any("error", runErr))
			errs = append(errs, fmt.Errorf("%s: %w", name, runErr))
		} else {
			logCtx.InfoContext(ctx, "Inbox import done", slog.Int("succeeded", result.Succeeded), slog.Int("failed", result.Failed))
		}

		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			// Leave the file in place so the next sweep starts it again.
			continue
		}
		if err := j.move(path, target); err != nil {
			logCtx.ErrorContext(ctx, "Could not move inbox file", slog.String("target", target), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return picked, errors.Join(errs...)
}

func (j *InboxJob) move(path, target string) error {
	dir := filepath.Join(j.dir, target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	dest := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(dest)
		dest = fmt.Sprintf("%s_%s%s", dest[:len(dest)-len(ext)], time.Now().Format("20060102_150405"), ext)
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("moving %s to %s: %w", path, dest, err)
	}
	return nil
}

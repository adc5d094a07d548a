package batch

import (
	"context"
	"customer-import/internal/config"
	"customer-import/internal/domain/customer"
	"customer-import/internal/domain/importrun"
	"customer-import/internal/event"
	"customer-import/internal/infrastructure/spreadsheet"
	"customer-import/internal/pkg/apperrors"
	"customer-import/internal/progress"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeNoContact = "no_contact"
)

// MetricsRecorder receives per-record outcomes and run statuses.
type MetricsRecorder interface {
	RecordOutcome(outcome string)
	RunFinished(status string)
}

type nopMetrics struct{}

func (nopMetrics) RecordOutcome(string) {}
func (nopMetrics) RunFinished(string)   {}

type Option func(*ImportJob)

func WithReporter(r progress.Reporter) Option {
	return func(j *ImportJob) { j.reporter = r }
}

func WithPublisher(p event.EventPublisher) Option {
	return func(j *ImportJob) { j.publisher = p }
}

func WithJournal(journal importrun.Journal) Option {
	return func(j *ImportJob) { j.journal = journal }
}

func WithMetrics(m MetricsRecorder) Option {
	return func(j *ImportJob) { j.metrics = m }
}

func WithFailureReport(r *FailureReport) Option {
	return func(j *ImportJob) { j.failureReport = r }
}

// ImportJob runs the import pipeline for one file at a time. Each call to Run
// has its own duplicate set and group cache.
type ImportJob struct {
	cfg           config.ImportConfig
	directory     customer.Directory
	reporter      progress.Reporter
	publisher     event.EventPublisher
	journal       importrun.Journal
	metrics       MetricsRecorder
	failureReport *FailureReport
	newRunID      func() string
	now           func() time.Time
	logger        *slog.Logger
}

func NewImportJob(cfg config.ImportConfig, directory customer.Directory, logger *slog.Logger, opts ...Option) *ImportJob {
	if directory == nil || logger == nil {
		panic("ImportJob dependencies cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchSize > config.MaxBatchSize {
		cfg.BatchSize = config.MaxBatchSize
	}
	j := &ImportJob{
		cfg:       cfg,
		directory: directory,
		reporter:  progress.Nop{},
		publisher: event.NoopPublisher{},
		metrics:   nopMetrics{},
		newRunID:  uuid.NewString,
		now:       time.Now,
		logger:    logger.With("job", "CustomerImport"),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// run is the mutable state of a single Run call.
type run struct {
	id         string
	file       string
	group      string
	result     *importrun.ImportResult
	normalizer *customer.Normalizer
	grouper    *customer.Grouper
	dedup      *customer.Deduplicator
	remoteSeed bool
	logger     *slog.Logger
}

// Run imports every record of filePath. groupName, when not empty, puts all
// records in that group. Setup failures return a nil result. Cancelling ctx
// stops the run between records and returns the partial result with ctx.Err().
func (j *ImportJob) Run(ctx context.Context, filePath, groupName string) (*importrun.ImportResult, error) {
	startTime := j.now()
	opts := spreadsheet.Options{TimestampColumn: j.cfg.TimestampColumn}

	total, err := spreadsheet.Scan(filePath, opts)
	if err != nil {
		j.logger.ErrorContext(ctx, "Input file rejected, nothing imported", slog.String("file", filePath), slog.Any("error", err))
		j.metrics.RunFinished(string(importrun.StatusAborted))
		return nil, err
	}
	reader, err := spreadsheet.Open(filePath, opts)
	if err != nil {
		j.metrics.RunFinished(string(importrun.StatusAborted))
		return nil, err
	}
	defer reader.Close()

	r := j.newRun(filePath, groupName)
	r.result.Total = total
	r.logger.InfoContext(ctx, "Starting customer import",
		slog.Int("records", total), slog.Int("batchSize", j.cfg.BatchSize), slog.String("group", groupName))

	journalRun := &importrun.Run{ID: r.id, File: r.file, GroupName: groupName, Status: importrun.StatusRunning, StartedAt: startTime, Result: r.result}
	j.journalCall(ctx, "start", func() error { return j.journal.StartRun(ctx, journalRun) })

	runErr := j.process(ctx, reader, r, total)

	status := importrun.StatusCompleted
	switch {
	case runErr != nil && ctx.Err() != nil:
		status = importrun.StatusCancelled
	case runErr != nil:
		status = importrun.StatusAborted
	}
	j.finish(ctx, r, journalRun, status, startTime)
	return r.result, runErr
}

func (j *ImportJob) newRun(filePath, groupName string) *run {
	id := j.newRunID()
	logger := j.logger.With(slog.String("runID", id), slog.String("file", filepath.Base(filePath)))

	var remote customer.Directory
	if j.cfg.RemoteDedup {
		remote = j.directory
	}
	fallback := j.cfg.UngroupedGroupName

	return &run{
		id:         id,
		file:       filePath,
		group:      groupName,
		result:     importrun.NewImportResult(id),
		normalizer: customer.NewNormalizer(j.cfg.DefaultCountryCode, logger),
		grouper:    customer.NewGrouper(j.directory, groupName, fallback, logger),
		dedup:      customer.NewDeduplicator(remote, logger),
		remoteSeed: j.cfg.RemoteDedup,
		logger:     logger,
	}
}

func (j *ImportJob) process(ctx context.Context, reader *spreadsheet.Reader, r *run, total int) error {
	size := j.cfg.BatchSize
	snap := progress.Snapshot{Total: total, Batches: (total + size - 1) / size}

	for {
		if err := ctx.Err(); err != nil {
			r.logger.WarnContext(ctx, "Import cancelled", slog.Int("processed", snap.Processed), slog.Int("total", total))
			return err
		}

		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			r.logger.ErrorContext(ctx, "Reading input failed mid-run, stopping", slog.Any("error", err))
			return err
		}

		if snap.BatchProcessed == 0 {
			snap.Batch++
			snap.BatchSize = max(1, min(size, total-snap.Processed))
			r.logger.DebugContext(ctx, "Starting batch", slog.Int("batch", snap.Batch), slog.Int("batches", snap.Batches))
		}

		outcome := j.processRecord(ctx, r, row)
		j.metrics.RecordOutcome(outcome)

		snap.Processed++
		snap.BatchProcessed++
		fillCounts(&snap, r.result)
		j.reporter.Update(ctx, snap)

		if snap.BatchProcessed >= snap.BatchSize {
			j.reporter.BatchDone(ctx, snap)
			snap.BatchProcessed = 0
			if snap.Processed < total {
				if err := j.pause(ctx); err != nil {
					return err
				}
			}
		}
	}
}

func (j *ImportJob) pause(ctx context.Context) error {
	if j.cfg.BatchPause <= 0 {
		return nil
	}
	timer := time.NewTimer(j.cfg.BatchPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (j *ImportJob) processRecord(ctx context.Context, r *run, row customer.RawRow) string {
	logCtx := r.logger.With(slog.Int("line", row.Line), slog.String("name", row.Name))

	rec, skip, err := r.normalizer.Normalize(row)
	if err != nil {
		return j.fail(ctx, r, row, "", importrun.StageNormalize, err)
	}
	if skip != nil {
		logCtx.InfoContext(ctx, "Skipping record without contact information")
		r.result.AddNoContact()
		return OutcomeNoContact
	}
	logCtx = logCtx.With(slog.String("email", rec.Email), slog.String("phone", rec.Phone))

	group, err := r.grouper.Assign(rec)
	if err != nil {
		return j.fail(ctx, r, row, "", importrun.StageGroup, err)
	}
	bucket := customer.Bucket(group)

	if key, dup := r.dedup.SeenBefore(rec, bucket); dup {
		logCtx.InfoContext(ctx, "Skipping duplicate record", slog.String("key", key), slog.String("bucket", bucket))
		r.result.AddDuplicate(group.Name)
		return OutcomeDuplicate
	}

	groupID, created, err := r.grouper.Resolve(ctx, group.Name)
	if err != nil {
		return j.fail(ctx, r, row, group.Name, importrun.StageGroup, err)
	}
	r.result.SetGroupID(group.Name, groupID)

	if r.remoteSeed {
		if created {
			r.dedup.TrackNewGroup(groupID)
		}
		r.dedup.SeedFromGroup(ctx, bucket, groupID)
		if key, dup := r.dedup.SeenBefore(rec, bucket); dup {
			logCtx.InfoContext(ctx, "Skipping customer already in remote group", slog.String("key", key), slog.String("group", group.Name))
			r.result.AddDuplicate(group.Name)
			return OutcomeDuplicate
		}
	}
	r.dedup.Remember(rec, bucket)

	customerID, err := j.directory.CreateCustomer(ctx, rec)
	if err != nil {
		return j.fail(ctx, r, row, group.Name, importrun.StageCreate, err)
	}
	if err := j.directory.AddCustomerToGroup(ctx, customerID, groupID); err != nil {
		return j.fail(ctx, r, row, group.Name, importrun.StageAddToGroup, fmt.Errorf("customer %s created but not grouped: %w", customerID, err))
	}

	r.result.AddSuccess(group.Name)
	logCtx.InfoContext(ctx, "Customer imported", slog.String("customerID", customerID), slog.String("group", group.Name))

	if err := j.publisher.PublishCustomerImported(ctx, event.CustomerImportedEvent{
		RunID:      r.id,
		CustomerID: customerID,
		GroupID:    groupID,
		GroupName:  group.Name,
		Line:       row.Line,
		Email:      rec.Email,
		Phone:      rec.Phone,
		Timestamp:  j.now(),
	}); err != nil {
		logCtx.WarnContext(ctx, "Failed to publish customer imported event", slog.Any("error", err))
	}
	return OutcomeSucceeded
}

func (j *ImportJob) fail(ctx context.Context, r *run, row customer.RawRow, group string, stage importrun.Stage, err error) string {
	failure := importrun.RecordFailure{
		Line:      row.Line,
		Name:      row.Name,
		Email:     row.Email,
		Phone:     row.Phone,
		Timestamp: row.Timestamp,
		Group:     group,
		Stage:     stage,
		Reason:    err.Error(),
	}
	r.result.AddFailure(failure)

	attrs := []any{
		slog.Int("line", row.Line),
		slog.String("name", row.Name),
		slog.String("email", row.Email),
		slog.String("phone", row.Phone),
		slog.String("stage", string(stage)),
		slog.Any("error", err),
	}
	if kind := apperrors.RemoteKind(err); kind != "" {
		attrs = append(attrs, slog.String("kind", string(kind)))
	}
	r.logger.ErrorContext(ctx, "Record failed", attrs...)

	j.journalCall(ctx, "record failure", func() error { return j.journal.RecordFailure(ctx, r.id, failure) })
	return OutcomeFailed
}

func (j *ImportJob) finish(ctx context.Context, r *run, journalRun *importrun.Run, status importrun.Status, startTime time.Time) {
	finishedAt := j.now()
	res := r.result

	// Side effects below must still run after cancellation.
	sideCtx := context.WithoutCancel(ctx)

	if j.failureReport != nil && len(res.Failures) > 0 {
		path, err := j.failureReport.Write(r.id, res.Failures, startTime)
		if err != nil {
			r.logger.WarnContext(ctx, "Could not write failure report", slog.Any("error", err))
		} else {
			res.FailureReport = path
			r.logger.InfoContext(ctx, "Wrote failure report", slog.String("path", path), slog.Int("rows", len(res.Failures)))
		}
	}

	journalRun.Status = status
	journalRun.FinishedAt = &finishedAt
	j.journalCall(sideCtx, "finish", func() error { return j.journal.FinishRun(sideCtx, journalRun) })

	if err := j.publisher.PublishImportCompleted(sideCtx, event.ImportCompletedEvent{
		RunID:      r.id,
		File:       filepath.Base(r.file),
		Total:      res.Total,
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
		Duplicates: res.DuplicatesSkipped,
		NoContact:  res.NoContactSkipped,
		Cancelled:  status == importrun.StatusCancelled,
		StartedAt:  startTime,
		FinishedAt: finishedAt,
	}); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish import completed event", slog.Any("error", err))
	}

	j.metrics.RunFinished(string(status))
	snap := progress.Snapshot{Processed: res.Processed(), Total: res.Total}
	fillCounts(&snap, res)
	j.reporter.Finish(sideCtx, snap)

	for _, name := range res.GroupNames() {
		stats := res.Groups[name]
		r.logger.InfoContext(ctx, "Group summary",
			slog.String("group", name),
			slog.String("groupID", stats.GroupID),
			slog.Int("total", stats.Total),
			slog.Int("succeeded", stats.Succeeded),
			slog.Int("failed", stats.Failed),
			slog.Int("duplicates", stats.Duplicates))
	}

	summaryLog := r.logger.With(
		slog.String("status", string(status)),
		slog.Duration("duration", finishedAt.Sub(startTime)),
		slog.Int("total", res.Total),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed),
		slog.Int("duplicates", res.DuplicatesSkipped),
		slog.Int("noContact", res.NoContactSkipped),
		slog.Int("groups", len(res.Groups)),
	)
	if res.Failed > 0 || status != importrun.StatusCompleted {
		summaryLog.WarnContext(ctx, "Customer import finished with problems.")
	} else {
		summaryLog.InfoContext(ctx, "Customer import finished successfully.")
	}
}

func fillCounts(snap *progress.Snapshot, res *importrun.ImportResult) {
	snap.Succeeded = res.Succeeded
	snap.Failed = res.Failed
	snap.Duplicates = res.DuplicatesSkipped
	snap.NoContact = res.NoContactSkipped
}

func (j *ImportJob) journalCall(ctx context.Context, step string, call func() error) {
	if j.journal == nil {
		return
	}
	if err := call(); err != nil {
		wrapped := apperrors.WrapJournalError(err, "run journal "+step+" failed")
		j.logger.WarnContext(ctx, "Run journal unavailable, continuing", slog.Any("error", wrapped))
	}
}

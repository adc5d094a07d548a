package batch_test

import (
	"context"
	"customer-import/internal/batch"
	"customer-import/internal/config"
	"customer-import/internal/domain/customer"
	"customer-import/internal/domain/importrun"
	"customer-import/internal/event"
	"customer-import/internal/pkg/apperrors"
	"customer-import/internal/progress"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

const header = "Customer name,Customer email,Customer phone number,Pick-up time (local)\n"

type fakeDirectory struct {
	groups           map[string]string
	members          map[string][]customer.Contact
	failCreate       map[string]error
	failAdd          error
	onCreate         func(rec *customer.Record)
	created          []*customer.Record
	byID             map[string]*customer.Record
	added            map[string]string
	createGroupCalls int
	listMemberCalls  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		groups:     map[string]string{},
		members:    map[string][]customer.Contact{},
		failCreate: map[string]error{},
		byID:       map[string]*customer.Record{},
		added:      map[string]string{},
	}
}

func (d *fakeDirectory) CreateCustomer(ctx context.Context, rec *customer.Record) (string, error) {
	if d.onCreate != nil {
		d.onCreate(rec)
	}
	if err, ok := d.failCreate[rec.Email]; ok {
		return "", err
	}
	d.created = append(d.created, rec)
	id := fmt.Sprintf("C%d", len(d.created))
	d.byID[id] = rec
	return id, nil
}

func (d *fakeDirectory) AddCustomerToGroup(ctx context.Context, customerID, groupID string) error {
	if d.failAdd != nil {
		return d.failAdd
	}
	d.added[customerID] = groupID
	if rec, ok := d.byID[customerID]; ok {
		d.members[groupID] = append(d.members[groupID], customer.Contact{ID: customerID, Email: rec.Email, Phone: rec.Phone})
	}
	return nil
}

func (d *fakeDirectory) FindGroupByName(ctx context.Context, name string) (string, error) {
	return d.groups[name], nil
}

func (d *fakeDirectory) CreateGroup(ctx context.Context, name string) (string, error) {
	d.createGroupCalls++
	id := fmt.Sprintf("G%d", len(d.groups)+1)
	d.groups[name] = id
	return id, nil
}

func (d *fakeDirectory) ListGroupMembers(ctx context.Context, groupID string) ([]customer.Contact, error) {
	d.listMemberCalls++
	return d.members[groupID], nil
}

var _ customer.Directory = (*fakeDirectory)(nil)

type MockJournal struct {
	mock.Mock
}

func (m *MockJournal) StartRun(ctx context.Context, run *importrun.Run) error {
	return m.Called(ctx, run).Error(0)
}

func (m *MockJournal) RecordFailure(ctx context.Context, runID string, f importrun.RecordFailure) error {
	return m.Called(ctx, runID, f).Error(0)
}

func (m *MockJournal) FinishRun(ctx context.Context, run *importrun.Run) error {
	return m.Called(ctx, run).Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishCustomerImported(ctx context.Context, e event.CustomerImportedEvent) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockPublisher) PublishImportCompleted(ctx context.Context, e event.ImportCompletedEvent) error {
	return m.Called(ctx, e).Error(0)
}

type fakeMetrics struct {
	outcomes map[string]int
	statuses []string
}

func (m *fakeMetrics) RecordOutcome(outcome string) {
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func (m *fakeMetrics) RunFinished(status string) {
	m.statuses = append(m.statuses, status)
}

type recordingReporter struct {
	updates []progress.Snapshot
	batches []progress.Snapshot
	final   *progress.Snapshot
}

func (r *recordingReporter) Update(_ context.Context, s progress.Snapshot) {
	r.updates = append(r.updates, s)
}

func (r *recordingReporter) BatchDone(_ context.Context, s progress.Snapshot) {
	r.batches = append(r.batches, s)
}

func (r *recordingReporter) Finish(_ context.Context, s progress.Snapshot) {
	r.final = &s
}

func importConfig() config.ImportConfig {
	return config.ImportConfig{
		BatchSize:       100,
		TimestampColumn: "Pick-up time (local)",
		RemoteDedup:     true,
	}
}

func writeInput(t *testing.T, rows ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "customers.csv")
	require.NoError(t, os.WriteFile(path, []byte(header+strings.Join(rows, "\n")+"\n"), 0o644))
	return path
}

func TestImportJob_EndToEnd(t *testing.T) {
	path := writeInput(t,
		"Ada Lovelace,ada@example.com,+1 555 010 0000,2024-01-01 10:00:00",
		"Bob Nobody,,,2024-01-02 10:00:00",
		"Ada L,,+1 (555) 010-0000,2024-01-03 10:00:00",
	)
	dir := newFakeDirectory()
	job := batch.NewImportJob(importConfig(), dir, logger)

	result, err := job.Run(context.Background(), path, "")
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, result.DuplicatesSkipped)
	assert.Equal(t, 1, result.NoContactSkipped)
	assert.Empty(t, result.Failures)

	require.Len(t, dir.created, 1)
	assert.Equal(t, "Ada", dir.created[0].GivenName)
	assert.Equal(t, "Lovelace", dir.created[0].FamilyName)
	assert.Equal(t, "+15550100000", dir.created[0].Phone)
	assert.Equal(t, map[string]string{"C1": "G1"}, dir.added)
	assert.Equal(t, 1, dir.createGroupCalls)
	assert.Zero(t, dir.listMemberCalls, "a freshly created group has no members to load")

	stats := result.Groups["2024年第1周_客户组"]
	require.NotNil(t, stats)
	assert.Equal(t, importrun.GroupStats{GroupID: "G1", Total: 2, Succeeded: 1, Duplicates: 1}, *stats)
}

func TestImportJob_DifferentWeeksAreNotDuplicates(t *testing.T) {
	path := writeInput(t,
		"Ada Lovelace,,+15550100000,2024-01-01 10:00:00",
		"Ada Lovelace,,+15550100000,2024-01-08 10:00:00",
	)
	dir := newFakeDirectory()

	result, err := batch.NewImportJob(importConfig(), dir, logger).Run(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)
	assert.Zero(t, result.DuplicatesSkipped)
	assert.Equal(t, 2, dir.createGroupCalls)
	assert.ElementsMatch(t, []string{"2024年第1周_客户组", "2024年第2周_客户组"}, result.GroupNames())
}

func TestImportJob_ExplicitGroup(t *testing.T) {
	path := writeInput(t,
		"Ada Lovelace,ada@example.com,,2024-01-01 10:00:00",
		"Grace Hopper,grace@example.com,,",
		"Alan Turing,alan@example.com,,2024-03-01 10:00:00",
	)
	dir := newFakeDirectory()

	result, err := batch.NewImportJob(importConfig(), dir, logger).Run(context.Background(), path, "VIP")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Succeeded)
	assert.Equal(t, 1, dir.createGroupCalls)
	assert.Equal(t, []string{"VIP"}, result.GroupNames())
}

func TestImportJob_ExplicitGroupAcrossWeeks(t *testing.T) {
	path := writeInput(t,
		"Ada Lovelace,,+15550100000,2024-01-01 10:00:00",
		"Ada Lovelace,,+15550100000,2024-01-08 10:00:00",
		"Grace Hopper,,+15550100001,2024-01-15 10:00:00",
	)

	t.Run("existing group", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.groups["VIP"] = "G-vip"
		dir.members["G-vip"] = []customer.Contact{{ID: "old", Phone: "+1 555 010 0001"}}

		result, err := batch.NewImportJob(importConfig(), dir, logger).Run(context.Background(), path, "VIP")
		require.NoError(t, err)
		assert.Equal(t, 2, result.Succeeded)
		assert.Equal(t, 1, result.DuplicatesSkipped)
		assert.Equal(t, 1, dir.listMemberCalls)
		require.Len(t, dir.created, 2)
		assert.Equal(t, "+15550100000", dir.created[1].Phone)
	})

	t.Run("group created by the run", func(t *testing.T) {
		dir := newFakeDirectory()

		result, err := batch.NewImportJob(importConfig(), dir, logger).Run(context.Background(), path, "VIP")
		require.NoError(t, err)
		assert.Equal(t, 3, result.Succeeded)
		assert.Zero(t, result.DuplicatesSkipped)
		assert.Zero(t, dir.listMemberCalls)
		assert.Len(t, dir.members["G1"], 3)
	})
}

func TestImportJob_RemoteDuplicates(t *testing.T) {
	path := writeInput(t,
		"Ada Lovelace,ada@example.com,,2024-01-01 10:00:00",
		"Grace Hopper,grace@example.com,,2024-01-02 10:00:00",
	)

	t.Run("existing group members are skipped", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.groups["2024年第1周_客户组"] = "G-existing"
		dir.members["G-existing"] = []customer.Contact{{ID: "old", Email: "ADA@example.com"}}

		result, err := batch.NewImportJob(importConfig(), dir, logger).Run(context.Background(), path, "")
		require.NoError(t, err)
		assert.Equal(t, 1, result.Succeeded)
		assert.Equal(t, 1, result.DuplicatesSkipped)
		assert.Equal(t, 1, dir.listMemberCalls)
		assert.Zero(t, dir.createGroupCalls)
		require.Len(t, dir.created, 1)
		assert.Equal(t, "grace@example.com", dir.created[0].Email)
	})

	t.Run("remote lookup can be disabled", func(t *testing.T) {
		dir := newFakeDirectory()
		dir.groups["2024年第1周_客户组"] = "G-existing"
		dir.members["G-existing"] = []customer.Contact{{ID: "old", Email: "ada@example.com"}}
		cfg := importConfig()
		cfg.RemoteDedup = false

		result, err := batch.NewImportJob(cfg, dir, logger).Run(context.Background(), path, "")
		require.NoError(t, err)
		assert.Equal(t, 2, result.Succeeded)
		assert.Zero(t, dir.listMemberCalls)
	})
}

func TestImportJob_PerRecordFailures(t *testing.T) {
	path := writeInput(t,
		"Bad Email,not-an-email,,2024-01-01 10:00:00",
		"No Time,notime@example.com,,",
		"Server Down,down@example.com,,2024-01-01 11:00:00",
		"Ada Lovelace,ada@example.com,,2024-01-01 12:00:00",
	)
	dir := newFakeDirectory()
	dir.failCreate["down@example.com"] = &apperrors.RemoteError{Kind: apperrors.FailureServer, Operation: "create customer", StatusCode: 503}

	reportDir := t.TempDir()
	metrics := &fakeMetrics{}
	job := batch.NewImportJob(importConfig(), dir, logger,
		batch.WithMetrics(metrics),
		batch.WithFailureReport(batch.NewFailureReport(reportDir, "Pick-up time (local)")))

	result, err := job.Run(context.Background(), path, "")
	require.NoError(t, err)

	assert.Equal(t, 4, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 3, result.Failed)
	require.Len(t, result.Failures, 3)

	assert.Equal(t, 1, result.Failures[0].Line)
	assert.Equal(t, importrun.StageNormalize, result.Failures[0].Stage)
	assert.Equal(t, importrun.StageGroup, result.Failures[1].Stage)
	assert.Contains(t, result.Failures[1].Reason, apperrors.ErrGrouping.Error())
	assert.Equal(t, importrun.StageCreate, result.Failures[2].Stage)
	assert.Equal(t, "2024年第1周_客户组", result.Failures[2].Group)
	assert.Equal(t, "2024-01-01 11:00:00", result.Failures[2].Timestamp)

	assert.Equal(t, map[string]int{batch.OutcomeFailed: 3, batch.OutcomeSucceeded: 1}, metrics.outcomes)
	assert.Equal(t, []string{"completed"}, metrics.statuses)

	require.NotEmpty(t, result.FailureReport)
	f, err := os.Open(result.FailureReport)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "\ufeffCustomer name", rows[0][0])
	assert.Equal(t, []string{"Server Down", "down@example.com", "", "2024-01-01 11:00:00", "3", "2024年第1周_客户组", "create_customer"}, rows[3][:7])
}

func TestImportJob_UngroupedFallback(t *testing.T) {
	path := writeInput(t, "No Time,notime@example.com,,")
	dir := newFakeDirectory()
	cfg := importConfig()
	cfg.UngroupedGroupName = "未知周数_客户组"

	result, err := batch.NewImportJob(cfg, dir, logger).Run(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Contains(t, dir.groups, "未知周数_客户组")
}

func TestImportJob_AddToGroupFailureCountsAsFailed(t *testing.T) {
	path := writeInput(t, "Ada Lovelace,ada@example.com,,2024-01-01 10:00:00")
	dir := newFakeDirectory()
	dir.failAdd = &apperrors.RemoteError{Kind: apperrors.FailureNotFound, Operation: "add customer to group", StatusCode: 404}

	result, err := batch.NewImportJob(importConfig(), dir, logger).Run(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, importrun.StageAddToGroup, result.Failures[0].Stage)
	assert.Contains(t, result.Failures[0].Reason, "customer C1 created but not grouped")
}

func TestImportJob_BatchSizeDoesNotChangeCounts(t *testing.T) {
	var rows []string
	for i := 0; i < 250; i++ {
		week := 1 + i%3
		ts := fmt.Sprintf("2024-01-%02d 10:00:00", 1+(week-1)*7)
		phone := fmt.Sprintf("+1555%07d", i%120)
		email := ""
		if i%17 == 0 {
			email = "broken@"
		}
		if i%23 == 0 {
			phone = ""
		}
		rows = append(rows, fmt.Sprintf("Customer %d,%s,%s,%s", i, email, phone, ts))
	}
	path := writeInput(t, rows...)

	run := func(size int) *importrun.ImportResult {
		cfg := importConfig()
		cfg.BatchSize = size
		result, err := batch.NewImportJob(cfg, newFakeDirectory(), logger).Run(context.Background(), path, "")
		require.NoError(t, err)
		return result
	}

	small, large, single := run(100), run(1000), run(1)
	for _, other := range []*importrun.ImportResult{large, single} {
		assert.Equal(t, small.Total, other.Total)
		assert.Equal(t, small.Succeeded, other.Succeeded)
		assert.Equal(t, small.Failed, other.Failed)
		assert.Equal(t, small.DuplicatesSkipped, other.DuplicatesSkipped)
		assert.Equal(t, small.NoContactSkipped, other.NoContactSkipped)
	}
	assert.Equal(t, 250, small.Total)
	assert.Equal(t, small.Total, small.Processed())
	assert.Positive(t, small.DuplicatesSkipped)
}

func TestImportJob_Progress(t *testing.T) {
	path := writeInput(t,
		"A One,a1@example.com,,2024-01-01 10:00:00",
		"A Two,a2@example.com,,2024-01-01 10:00:00",
		"A Three,a3@example.com,,2024-01-01 10:00:00",
		"A Four,a4@example.com,,2024-01-01 10:00:00",
		"A Five,a5@example.com,,2024-01-01 10:00:00",
	)
	cfg := importConfig()
	cfg.BatchSize = 2
	reporter := &recordingReporter{}

	_, err := batch.NewImportJob(cfg, newFakeDirectory(), logger, batch.WithReporter(reporter)).Run(context.Background(), path, "")
	require.NoError(t, err)

	require.Len(t, reporter.updates, 5)
	require.Len(t, reporter.batches, 3)
	assert.Equal(t, progress.Snapshot{Processed: 2, Total: 5, Batch: 1, Batches: 3, BatchProcessed: 2, BatchSize: 2, Succeeded: 2}, reporter.batches[0])
	last := reporter.batches[2]
	assert.Equal(t, 3, last.Batch)
	assert.Equal(t, 1, last.BatchSize)
	assert.Equal(t, float64(100), last.OverallPercent())
	require.NotNil(t, reporter.final)
	assert.Equal(t, 5, reporter.final.Succeeded)
}

func TestImportJob_SetupFailures(t *testing.T) {
	t.Run("missing required column", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "customers.csv")
		require.NoError(t, os.WriteFile(path, []byte("Customer name,Customer phone number\nAda,+15550100000\n"), 0o644))
		dir := newFakeDirectory()
		metrics := &fakeMetrics{}

		result, err := batch.NewImportJob(importConfig(), dir, logger, batch.WithMetrics(metrics)).Run(context.Background(), path, "")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, apperrors.ErrMissingColumn)
		assert.Empty(t, dir.created)
		assert.Zero(t, dir.createGroupCalls)
		assert.Equal(t, []string{"aborted"}, metrics.statuses)
	})

	t.Run("unsupported file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "customers.json")
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

		result, err := batch.NewImportJob(importConfig(), newFakeDirectory(), logger).Run(context.Background(), path, "")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, apperrors.ErrFileFormat)
	})
}

func TestImportJob_Cancellation(t *testing.T) {
	path := writeInput(t,
		"A One,a1@example.com,,2024-01-01 10:00:00",
		"A Two,a2@example.com,,2024-01-01 10:00:00",
		"A Three,a3@example.com,,2024-01-01 10:00:00",
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := newFakeDirectory()
	dir.onCreate = func(rec *customer.Record) {
		if rec.Email == "a1@example.com" {
			cancel()
		}
	}
	publisher := new(MockPublisher)
	publisher.On("PublishCustomerImported", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishImportCompleted", mock.Anything, mock.MatchedBy(func(e event.ImportCompletedEvent) bool {
		return e.Cancelled && e.Succeeded == 1
	})).Return(nil).Once()

	result, err := batch.NewImportJob(importConfig(), dir, logger, batch.WithPublisher(publisher)).Run(ctx, path, "")
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Processed())
	publisher.AssertExpectations(t)
}

func TestImportJob_JournalAndEvents(t *testing.T) {
	path := writeInput(t,
		"Ada Lovelace,ada@example.com,,2024-01-01 10:00:00",
		"Bad Email,not-an-email,,2024-01-01 10:00:00",
	)

	journal := new(MockJournal)
	journal.On("StartRun", mock.Anything, mock.MatchedBy(func(r *importrun.Run) bool {
		return r.Status == importrun.StatusRunning && r.File == path
	})).Return(nil).Once()
	journal.On("RecordFailure", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(f importrun.RecordFailure) bool {
		return f.Line == 2 && f.Stage == importrun.StageNormalize
	})).Return(errors.New("db down")).Once()
	journal.On("FinishRun", mock.Anything, mock.MatchedBy(func(r *importrun.Run) bool {
		return r.Status == importrun.StatusCompleted && r.FinishedAt != nil && r.Result.Failed == 1
	})).Return(nil).Once()

	publisher := new(MockPublisher)
	publisher.On("PublishCustomerImported", mock.Anything, mock.MatchedBy(func(e event.CustomerImportedEvent) bool {
		return e.CustomerID == "C1" && e.GroupID == "G1" && e.Line == 1
	})).Return(errors.New("broker down")).Once()
	publisher.On("PublishImportCompleted", mock.Anything, mock.MatchedBy(func(e event.ImportCompletedEvent) bool {
		return e.Total == 2 && e.Succeeded == 1 && e.Failed == 1 && !e.Cancelled
	})).Return(nil).Once()

	job := batch.NewImportJob(importConfig(), newFakeDirectory(), logger, batch.WithJournal(journal), batch.WithPublisher(publisher))
	result, err := job.Run(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded, "side effect failures do not change counts")
	assert.Equal(t, 1, result.Failed)

	journal.AssertExpectations(t)
	publisher.AssertExpectations(t)
}

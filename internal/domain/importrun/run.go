package importrun

import (
	"context"
	"time"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusAborted   Status = "aborted"
)

type Run struct {
	ID         string
	File       string
	GroupName  string
	Status     Status
	StartedAt  time.Time
	FinishedAt *time.Time
	Result     *ImportResult
}

// Journal persists the history of import runs.
type Journal interface {
	StartRun(ctx context.Context, run *Run) error
	RecordFailure(ctx context.Context, runID string, failure RecordFailure) error
	FinishRun(ctx context.Context, run *Run) error
}

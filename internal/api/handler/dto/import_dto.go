package dto

import (
	"customer-import/internal/domain/importrun"
	"time"
)

type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type TokenRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	APIKey   string `json:"apiKey" validate:"required"`
}

type GroupSummary struct {
	Name       string `json:"name"`
	GroupID    string `json:"groupId,omitempty"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Duplicates int    `json:"duplicates"`
}

type ImportResponse struct {
	RunID             string                    `json:"runId"`
	Status            string                    `json:"status"`
	Total             int                       `json:"total"`
	Succeeded         int                       `json:"succeeded"`
	Failed            int                       `json:"failed"`
	DuplicatesSkipped int                       `json:"duplicatesSkipped"`
	NoContactSkipped  int                       `json:"noContactSkipped"`
	Groups            []GroupSummary            `json:"groups"`
	Failures          []importrun.RecordFailure `json:"failures"`
}

func NewImportResponse(res *importrun.ImportResult, status importrun.Status) ImportResponse {
	if res == nil {
		return ImportResponse{Status: string(status)}
	}
	failures := res.Failures
	if failures == nil {
		failures = []importrun.RecordFailure{}
	}
	return ImportResponse{
		RunID:             res.RunID,
		Status:            string(status),
		Total:             res.Total,
		Succeeded:         res.Succeeded,
		Failed:            res.Failed,
		DuplicatesSkipped: res.DuplicatesSkipped,
		NoContactSkipped:  res.NoContactSkipped,
		Groups:            groupSummaries(res),
		Failures:          failures,
	}
}

func groupSummaries(res *importrun.ImportResult) []GroupSummary {
	out := make([]GroupSummary, 0, len(res.Groups))
	for _, name := range res.GroupNames() {
		stats := res.Groups[name]
		out = append(out, GroupSummary{
			Name:       name,
			GroupID:    stats.GroupID,
			Total:      stats.Total,
			Succeeded:  stats.Succeeded,
			Failed:     stats.Failed,
			Duplicates: stats.Duplicates,
		})
	}
	return out
}

type RunResponse struct {
	RunID      string     `json:"runId"`
	File       string     `json:"file"`
	GroupName  string     `json:"groupName,omitempty"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Duplicates int        `json:"duplicatesSkipped"`
	NoContact  int        `json:"noContactSkipped"`
}

func NewRunResponse(run *importrun.Run) RunResponse {
	if run == nil {
		return RunResponse{}
	}
	resp := RunResponse{
		RunID:      run.ID,
		File:       run.File,
		GroupName:  run.GroupName,
		Status:     string(run.Status),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.Result != nil {
		resp.Total = run.Result.Total
		resp.Succeeded = run.Result.Succeeded
		resp.Failed = run.Result.Failed
		resp.Duplicates = run.Result.DuplicatesSkipped
		resp.NoContact = run.Result.NoContactSkipped
	}
	return resp
}

package importrun

import (
	"sort"
)

type Stage string

const (
	StageRead       Stage = "read"
	StageNormalize  Stage = "normalize"
	StageGroup      Stage = "group"
	StageCreate     Stage = "create_customer"
	StageAddToGroup Stage = "add_to_group"
)

// RecordFailure carries enough of the input row to re-process it later.
type RecordFailure struct {
	Line      int    `json:"line"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Group     string `json:"group,omitempty"`
	Stage     Stage  `json:"stage"`
	Reason    string `json:"reason"`
}

type GroupStats struct {
	GroupID    string `json:"groupId,omitempty"`
	Total      int    `json:"total"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	Duplicates int    `json:"duplicates"`
}

// ImportResult holds the counters of one run. Skipped records never count as failed.
type ImportResult struct {
	RunID             string                 `json:"runId"`
	Total             int                    `json:"total"`
	Succeeded         int                    `json:"succeeded"`
	Failed            int                    `json:"failed"`
	DuplicatesSkipped int                    `json:"duplicatesSkipped"`
	NoContactSkipped  int                    `json:"noContactSkipped"`
	Failures          []RecordFailure        `json:"failures"`
	Groups            map[string]*GroupStats `json:"groups"`
	FailureReport     string                 `json:"failureReport,omitempty"`
}

func NewImportResult(runID string) *ImportResult {
	return &ImportResult{
		RunID:    runID,
		Failures: []RecordFailure{},
		Groups:   make(map[string]*GroupStats),
	}
}

// Processed is the number of records that reached a final outcome.
func (r *ImportResult) Processed() int {
	return r.Succeeded + r.Failed + r.DuplicatesSkipped + r.NoContactSkipped
}

func (r *ImportResult) group(name string) *GroupStats {
	if name == "" {
		return nil
	}
	stats, ok := r.Groups[name]
	if !ok {
		stats = &GroupStats{}
		r.Groups[name] = stats
	}
	return stats
}

// SetGroupID remembers the remote id resolved for a group name.
func (r *ImportResult) SetGroupID(name, id string) {
	if stats := r.group(name); stats != nil {
		stats.GroupID = id
	}
}

func (r *ImportResult) AddSuccess(group string) {
	r.Succeeded++
	if stats := r.group(group); stats != nil {
		stats.Total++
		stats.Succeeded++
	}
}

// AddFailure counts a failed record. group is empty when the failure happened
// before a group was assigned.
func (r *ImportResult) AddFailure(f RecordFailure) {
	r.Failed++
	r.Failures = append(r.Failures, f)
	if stats := r.group(f.Group); stats != nil {
		stats.Total++
		stats.Failed++
	}
}

func (r *ImportResult) AddDuplicate(group string) {
	r.DuplicatesSkipped++
	if stats := r.group(group); stats != nil {
		stats.Total++
		stats.Duplicates++
	}
}

func (r *ImportResult) AddNoContact() {
	r.NoContactSkipped++
}

// GroupNames returns the group names sorted.
func (r *ImportResult) GroupNames() []string {
	names := make([]string, 0, len(r.Groups))
	for name := range r.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

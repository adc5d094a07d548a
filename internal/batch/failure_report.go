package batch

import (
	"customer-import/internal/domain/importrun"
	"customer-import/internal/infrastructure/spreadsheet"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// FailureReport writes failed rows as a CSV in the input column layout so the
// file can be fixed and imported again.
type FailureReport struct {
	dir             string
	timestampColumn string
}

func NewFailureReport(dir, timestampColumn string) *FailureReport {
	if timestampColumn == "" {
		timestampColumn = spreadsheet.DefaultTimestampColumn
	}
	return &FailureReport{dir: dir, timestampColumn: timestampColumn}
}

func (r *FailureReport) Write(runID string, failures []importrun.RecordFailure, startedAt time.Time) (string, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating failure report directory %s: %w", r.dir, err)
	}

	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	path := filepath.Join(r.dir, fmt.Sprintf("failed_rows_%s_%s.csv", startedAt.Format("20060102_150405"), short))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating failure report %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString("\ufeff"); err != nil {
		return "", fmt.Errorf("writing failure report %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	header := []string{
		spreadsheet.ColumnName,
		spreadsheet.ColumnEmail,
		spreadsheet.ColumnPhone,
		r.timestampColumn,
		"Source line",
		"Group",
		"Stage",
		"Reason",
	}
	if err := w.Write(header); err != nil {
		return "", fmt.Errorf("writing failure report %s: %w", path, err)
	}
	for _, fl := range failures {
		row := []string{fl.Name, fl.Email, fl.Phone, fl.Timestamp, strconv.Itoa(fl.Line), fl.Group, string(fl.Stage), fl.Reason}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("writing failure report %s: %w", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flushing failure report %s: %w", path, err)
	}
	return path, nil
}

package customer

import (
	"fmt"
	"strings"
	"time"
)

const TimestampLayout = "2006-01-02 15:04:05"

var fallbackLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// WeekKey is an ISO-8601 week-year and week number.
type WeekKey struct {
	Year int `json:"year"`
	Week int `json:"week"`
}

func WeekOf(t time.Time) WeekKey {
	year, week := t.ISOWeek()
	return WeekKey{Year: year, Week: week}
}

func (w WeekKey) String() string {
	return fmt.Sprintf("%04d-W%02d", w.Year, w.Week)
}

// GroupName renders the weekly group name, e.g. 2024年第1周_客户组.
func (w WeekKey) GroupName() string {
	return fmt.Sprintf("%d年第%d周_客户组", w.Year, w.Week)
}

func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	t, err := time.ParseInLocation(TimestampLayout, value, time.Local)
	if err == nil {
		return t, nil
	}
	for _, layout := range fallbackLayouts {
		if t, ferr := time.ParseInLocation(layout, value, time.Local); ferr == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q does not match %s", value, TimestampLayout)
}

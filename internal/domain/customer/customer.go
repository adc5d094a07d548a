package customer

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// RawRow is one spreadsheet data row after the header has been validated.
type RawRow struct {
	Line      int
	Name      string
	Email     string
	Phone     string
	Timestamp string
}

func (r RawRow) IsBlank() bool {
	return strings.TrimSpace(r.Name) == "" &&
		strings.TrimSpace(r.Email) == "" &&
		strings.TrimSpace(r.Phone) == "" &&
		strings.TrimSpace(r.Timestamp) == ""
}

type Record struct {
	Line       int        `json:"line"`
	GivenName  string     `json:"givenName"`
	FamilyName string     `json:"familyName"`
	Email      string     `json:"email,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

func (r *Record) HasContact() bool {
	return r.Email != "" || r.Phone != ""
}

func (r *Record) FullName() string {
	return strings.TrimSpace(r.GivenName + " " + r.FamilyName)
}

// ContactKeys returns the identities used for duplicate detection.
func (r *Record) ContactKeys() []string {
	keys := make([]string, 0, 2)
	if r.Phone != "" {
		keys = append(keys, "phone:"+r.Phone)
	}
	if r.Email != "" {
		keys = append(keys, "email:"+strings.ToLower(r.Email))
	}
	return keys
}

type Group struct {
	Name string   `json:"name"`
	Week *WeekKey `json:"week,omitempty"`
}

// Contact is the subset of a remote customer used to seed duplicate detection.
type Contact struct {
	ID    string
	Email string
	Phone string
}

// Keys canonicalises remote values so they compare equal to normalized records.
func (c Contact) Keys() []string {
	r := Record{Email: strings.TrimSpace(c.Email), Phone: canonicalPhone(c.Phone)}
	return r.ContactKeys()
}

func canonicalPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return ""
	}
	return "+" + digits
}

type SkipReason string

const (
	SkipNoContactInfo SkipReason = "no_contact_info"
	SkipDuplicate     SkipReason = "duplicate"
)

type Skip struct {
	Reason SkipReason
	Detail string
}

func (s *Skip) String() string {
	if s.Detail == "" {
		return string(s.Reason)
	}
	return string(s.Reason) + ": " + s.Detail
}

func componentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return logger.With(slog.String("component", component))
}

package customer

import (
	"customer-import/internal/pkg/apperrors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
)

const minPhoneDigits = 6

type Normalizer struct {
	countryCode string
	validate    *validator.Validate
	logger      *slog.Logger
}

func NewNormalizer(defaultCountryCode string, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		countryCode: strings.TrimLeft(strings.TrimSpace(defaultCountryCode), "+"),
		validate:    validator.New(),
		logger:      componentLogger(logger, "Normalizer"),
	}
}

// Normalize turns a raw row into a Record. A row without any contact field
// yields a Skip instead of an error.
func (n *Normalizer) Normalize(row RawRow) (*Record, *Skip, error) {
	given, family := SplitName(row.Name)

	email, err := n.normalizeEmail(row.Email)
	if err != nil {
		return nil, nil, err
	}
	phone, err := n.NormalizePhone(row.Phone)
	if err != nil {
		return nil, nil, err
	}

	rec := &Record{
		Line:       row.Line,
		GivenName:  given,
		FamilyName: family,
		Email:      email,
		Phone:      phone,
	}
	if !rec.HasContact() {
		return nil, &Skip{Reason: SkipNoContactInfo, Detail: "row has neither email nor phone"}, nil
	}

	if ts := strings.TrimSpace(row.Timestamp); ts != "" {
		parsed, perr := ParseTimestamp(ts)
		if perr != nil {
			n.logger.Warn("Unparseable timestamp, treating as missing", slog.Int("line", row.Line), slog.String("value", ts))
		} else {
			rec.Timestamp = &parsed
		}
	}
	return rec, nil, nil
}

// SplitName splits "Family/Given" on the first slash; otherwise the last
// whitespace-separated token is the family name.
func SplitName(name string) (given, family string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ""
	}
	if before, after, found := strings.Cut(name, "/"); found {
		return strings.TrimSpace(after), strings.TrimSpace(before)
	}
	parts := strings.Fields(name)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return strings.Join(parts[:len(parts)-1], " "), parts[len(parts)-1]
}

func (n *Normalizer) NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	international := strings.HasPrefix(raw, "+")
	digits := strings.TrimPrefix(canonicalPhone(raw), "+")
	if !international && strings.HasPrefix(digits, "00") {
		international = true
		digits = digits[2:]
	}
	if digits == "" {
		return "", apperrors.NewValidationError("phone", "no digits in "+raw)
	}

	if !international && n.countryCode != "" {
		digits = n.countryCode + strings.TrimPrefix(digits, "0")
	}
	if len(digits) < minPhoneDigits {
		return "", apperrors.NewValidationError("phone", "too few digits in "+raw)
	}
	return "+" + digits, nil
}

func (n *Normalizer) normalizeEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", nil
	}
	if err := n.validate.Var(email, "required,email"); err != nil {
		return "", apperrors.NewValidationError("email", "malformed address "+email)
	}
	_, domain, _ := strings.Cut(email, "@")
	if !strings.Contains(domain, ".") {
		return "", apperrors.NewValidationError("email", "domain without dot in "+email)
	}
	return email, nil
}

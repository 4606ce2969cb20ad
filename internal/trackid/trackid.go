// Package trackid parses and formats public tracking identifiers of the form
// PREFIX-YYYY-SEQ.
package trackid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned for input that is not PREFIX-YYYY-SEQ.
var ErrInvalidFormat = errors.New("invalid tracking identifier")

// Family is the kind of record an identifier points at.
type Family string

const (
	Application     Family = "APP"
	FirstConnection Family = "WNC"
	Grievance       Family = "GRV"
)

// Families lists the known identifier families in prefix order.
var Families = []Family{Application, FirstConnection, Grievance}

// Prefix returns the textual prefix of the family.
func (f Family) Prefix() string { return string(f) }

// Valid reports whether f is a known family.
func (f Family) Valid() bool {
	switch f {
	case Application, FirstConnection, Grievance:
		return true
	}
	return false
}

// Label returns a human readable name.
func (f Family) Label() string {
	switch f {
	case Application:
		return "Application"
	case FirstConnection:
		return "First Connection"
	case Grievance:
		return "Grievance"
	}
	return string(f)
}

// FamilyFromPrefix maps a prefix (any case) to its family.
func FamilyFromPrefix(prefix string) (Family, bool) {
	f := Family(strings.ToUpper(strings.TrimSpace(prefix)))
	return f, f.Valid()
}

// ID is a parsed tracking identifier.
type ID struct {
	Family Family
	Year   int
	Seq    string
}

// String returns the canonical upper-case form.
func (id ID) String() string {
	return Format(id.Family, id.Year, id.Seq)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.Family == "" && id.Year == 0 && id.Seq == ""
}

// Format renders an identifier without validating it.
func Format(f Family, year int, seq string) string {
	return fmt.Sprintf("%s-%04d-%s", f.Prefix(), year, strings.ToUpper(seq))
}

// Pad zero-pads an issued sequence number to width digits.
func Pad(n int64, width int) string {
	if width <= 0 {
		return strconv.FormatInt(n, 10)
	}
	return fmt.Sprintf("%0*d", width, n)
}

// Parse normalises raw (trim, upper-case) and validates the three segments.
func Parse(raw string) (ID, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	if norm == "" {
		return ID{}, fmt.Errorf("%w: empty", ErrInvalidFormat)
	}
	parts := strings.Split(norm, "-")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("%w: %q must have three segments", ErrInvalidFormat, norm)
	}
	fam, ok := FamilyFromPrefix(parts[0])
	if !ok {
		return ID{}, fmt.Errorf("%w: unknown prefix %q", ErrInvalidFormat, parts[0])
	}
	if len(parts[1]) != 4 || !allDigits(parts[1]) {
		return ID{}, fmt.Errorf("%w: year %q must be four digits", ErrInvalidFormat, parts[1])
	}
	year, _ := strconv.Atoi(parts[1])
	if parts[2] == "" || !alphanumeric(parts[2]) {
		return ID{}, fmt.Errorf("%w: sequence %q must be alphanumeric", ErrInvalidFormat, parts[2])
	}
	return ID{Family: fam, Year: year, Seq: parts[2]}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func alphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return false
	}
	return true
}

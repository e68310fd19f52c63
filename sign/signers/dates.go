package signers

import (
	"fmt"
	"strings"
	"time"
)

// FormatPDFDate renders t as a PDF date string, D:YYYYMMDDHHmmSS with
// the zone offset appended as +HH'mm'.
func FormatPDFDate(t time.Time) string {
	_, offset := t.Zone()
	offsetHours := offset / 3600
	offsetMinutes := (offset % 3600) / 60

	sign := "+"
	if offset < 0 {
		sign = "-"
		offsetHours = -offsetHours
		offsetMinutes = -offsetMinutes
	}

	return fmt.Sprintf("D:%04d%02d%02d%02d%02d%02d%s%02d'%02d'",
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(),
		sign, offsetHours, offsetMinutes)
}

var pdfDateLayouts = []string{
	"20060102150405Z0700",
	"20060102150405-0700",
	"20060102150405",
	"200601021504",
	"2006010215",
	"20060102",
}

// ParsePDFDate parses a PDF date string. Fields absent from the input
// default to their zero values, matching how viewers treat truncated
// dates.
func ParsePDFDate(s string) (time.Time, error) {
	if len(s) < 2 || s[:2] != "D:" {
		return time.Time{}, fmt.Errorf("invalid PDF date: %q", s)
	}
	v := strings.ReplaceAll(s[2:], "'", "")

	for _, layout := range pdfDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable PDF date: %q", s)
}

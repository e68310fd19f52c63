package signers

import (
	"testing"
	"time"
)

func TestFormatPDFDate(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{
			"utc",
			time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
			"D:20260102150405+00'00'",
		},
		{
			"positive offset",
			time.Date(2026, 1, 2, 15, 4, 5, 0, time.FixedZone("IST", 5*3600+1800)),
			"D:20260102150405+05'30'",
		},
		{
			"negative offset",
			time.Date(2026, 1, 2, 15, 4, 5, 0, time.FixedZone("PDT", -7*3600)),
			"D:20260102150405-07'00'",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatPDFDate(tt.in); got != tt.want {
				t.Errorf("FormatPDFDate = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePDFDate(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{
			"full with offset",
			"D:20260102150405+05'30'",
			time.Date(2026, 1, 2, 15, 4, 5, 0, time.FixedZone("", 5*3600+1800)),
			false,
		},
		{
			"zulu",
			"D:20260102150405Z",
			time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
			false,
		},
		{
			"seconds without zone",
			"D:20260102150405",
			time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
			false,
		},
		{
			"date only",
			"D:20260102",
			time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			false,
		},
		{"missing prefix", "20260102150405", time.Time{}, true},
		{"garbage", "D:notadate", time.Time{}, true},
		{"empty", "", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePDFDate(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePDFDate failed: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParsePDFDate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	in := time.Date(2026, 8, 23, 9, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	out, err := ParsePDFDate(FormatPDFDate(in))
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("round trip: %v != %v", out, in)
	}
}

package utils

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	cases := []string{
		"2025-03-10T08:30:00Z",
		"2025-03-10T10:30:00+02:00",
		"2025-03-10T08:30:00",
		"2025-03-10 08:30:00",
		"Mon, 10 Mar 2025 08:30:00 GMT",
	}
	for _, in := range cases {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("parse %q: expected %v, got %v", in, want, got)
		}
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	if _, err := ParseTimestamp(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

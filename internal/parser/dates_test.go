package parser

import (
	"testing"
	"time"
)

func TestParseDate_CommonFormats(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "RFC1123Z", raw: "Mon, 09 Jun 2025 21:00:00 +0900"},
		{name: "RFC1123", raw: "Mon, 09 Jun 2025 21:00:00 JST"},
		{name: "RFC3339", raw: "2025-06-09T21:00:00+09:00"},
		{name: "日なし0埋めなし", raw: "Mon, 9 Jun 2025 21:00:00 +0900"},
		{name: "日付のみ", raw: "2025-06-09"},
		{name: "前後空白", raw: "  2025-06-09T21:00:00Z  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseDate(tt.raw)
			if got == nil {
				t.Fatalf("parseDate(%q) = nil, パースできるべき", tt.raw)
			}
			if got.Year() != 2025 || got.Month() != time.June {
				t.Errorf("parseDate(%q) = %v, 2025年6月であるべき", tt.raw, got)
			}
		})
	}
}

func TestParseDate_Invalid(t *testing.T) {
	for _, raw := range []string{"", "来週月曜", "06/09/2025 9pm"} {
		if got := parseDate(raw); got != nil {
			t.Errorf("parseDate(%q) = %v, nilを返すべき", raw, got)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{raw: "3600", want: 3600},
		{raw: "1:02:30", want: 3750},
		{raw: "02:30", want: 150},
		{raw: "0:00", want: 0},
		{raw: "", want: 0},
		{raw: "abc", want: 0},
		{raw: "-5", want: 0},
		{raw: "1:2:3:4", want: 0},
	}

	for _, tt := range tests {
		if got := parseDuration(tt.raw); got != tt.want {
			t.Errorf("parseDuration(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

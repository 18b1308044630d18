package utils

import (
	"strings"
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"500ms", 500 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{" 5s ", 5 * time.Second},
		{"", 0},
		{"abc", 0},
	}

	for _, test := range tests {
		result := ParseStringTime(test.timeString)
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestGenID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenID()
		if id == "" || seen[id] {
			t.Fatalf("GenID返回了重复或空的ID: %q", id)
		}
		seen[id] = true
	}

	prefixed := GenIDWith("client-")
	if !strings.HasPrefix(prefixed, "client-") || len(prefixed) <= len("client-") {
		t.Errorf("GenIDWith: unexpected id %q", prefixed)
	}
}

package worker

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 2 * time.Second},
		{0, 2 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tc := range tests {
		if got := DefaultBackoff.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
	if got := (Backoff{}).Delay(1); got != 0 {
		t.Errorf("empty schedule should not wait, got %s", got)
	}
}

func TestSanitizeError(t *testing.T) {
	msg := `request failed: Authorization: Bearer abc.DEF-123 key sk-proj_ABCDEFGHijkl url=https://x/?api_key=zzz&q=1`
	got := SanitizeError(msg, 500)
	for _, secret := range []string{"abc.DEF-123", "sk-proj_ABCDEFGHijkl", "zzz"} {
		if strings.Contains(got, secret) {
			t.Errorf("secret %q leaked: %s", secret, got)
		}
	}
	if !strings.Contains(got, "api_key=[REDACTED]") {
		t.Errorf("expected key name kept: %s", got)
	}

	long := strings.Repeat("ü", 600)
	if n := utf8.RuneCountInString(SanitizeError(long, 500)); n != 500 {
		t.Errorf("expected 500 runes, got %d", n)
	}
	if got := SanitizeError("short", 500); got != "short" {
		t.Errorf("unexpected change: %q", got)
	}
}

package model

import (
	"regexp"
	"testing"
	"time"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusKilled, true},
		{StatusPending, StatusTimedOut, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusTimedOut, StatusCompleted, false},
		{"bogus", StatusRunning, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusTimedOut, StatusKilled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusPending, StatusRunning} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestTaskDescribe(t *testing.T) {
	named := &Task{ID: "01ABC", Name: "build", Kind: "command"}
	if got, want := named.Describe(), `"build" (01ABC)`; got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}

	unnamed := &Task{ID: "01ABC", Kind: "sleep"}
	if got, want := unnamed.Describe(), "sleep 01ABC"; got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}

func TestTaskTimeout(t *testing.T) {
	var task Task
	if got := task.Timeout(); got != 0 {
		t.Errorf("Timeout() with nil override = %v, want 0", got)
	}

	zero := int64(0)
	task.TimeoutMS = &zero
	if got := task.Timeout(); got != 0 {
		t.Errorf("Timeout() with zero override = %v, want 0", got)
	}

	ms := int64(1500)
	task.TimeoutMS = &ms
	if got := task.Timeout(); got != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v, want 1.5s", got)
	}
}

package backoff

import (
	"testing"
	"time"
)

func TestDelayDoublesPerAttempt(t *testing.T) {
	p := Policy{Base: time.Second, Cap: time.Minute}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestDelayIsCapped(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 10 * time.Second}
	if got := p.Delay(30); got != 10*time.Second {
		t.Fatalf("cap not applied: %v", got)
	}
}

func TestDelayIsDeterministic(t *testing.T) {
	p := Default
	for attempt := 1; attempt < 10; attempt++ {
		a, b := p.Delay(attempt), p.Delay(attempt)
		if a != b {
			t.Fatalf("attempt %d: nondeterministic delay %v vs %v", attempt, a, b)
		}
	}
}

func TestDelayClampsLowAttempts(t *testing.T) {
	p := Policy{Base: time.Second}
	if p.Delay(0) != time.Second || p.Delay(-3) != time.Second {
		t.Fatalf("attempts below 1 should behave as attempt 1")
	}
}

func TestDelayZeroBaseUsesDefault(t *testing.T) {
	var p Policy
	if p.Delay(1) != time.Second {
		t.Fatalf("zero base should default to 1s, got %v", p.Delay(1))
	}
}

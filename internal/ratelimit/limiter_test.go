package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	l := NewLimiter()
	defer l.Close()

	limits := Limits{PerSecond: 3}
	for i := 0; i < 3; i++ {
		r := l.Allow("user-1", limits)
		if !r.Allowed {
			t.Fatalf("request %d should be allowed, got denied", i+1)
		}
	}

	r := l.Allow("user-1", limits)
	if r.Allowed {
		t.Fatal("4th request should be denied")
	}
	if r.ExceededWindow != WindowSecond {
		t.Errorf("expected exceeded window 'second', got %q", r.ExceededWindow)
	}
	if r.RetryAfter <= 0 {
		t.Error("expected positive retry-after")
	}
}

func TestLimiter_DeniedRequestDoesNotConsumeQuota(t *testing.T) {
	l := NewLimiter()
	defer l.Close()

	limits := Limits{PerMinute: 1}
	l.Allow("user-2", limits)
	for i := 0; i < 5; i++ {
		r := l.Allow("user-2", limits)
		if r.Allowed {
			t.Fatalf("request should remain denied once over quota, attempt %d allowed", i)
		}
	}
}

func TestLimiter_IndependentKeys(t *testing.T) {
	l := NewLimiter()
	defer l.Close()

	limits := Limits{PerSecond: 1}
	l.Allow("a", limits)
	r := l.Allow("b", limits)
	if !r.Allowed {
		t.Fatal("a separate key should have its own quota")
	}
}

func TestLimiter_MultipleWindowsMostRestrictiveWins(t *testing.T) {
	l := NewLimiter()
	defer l.Close()

	limits := Limits{PerSecond: 100, PerMinute: 1}
	r1 := l.Allow("user-3", limits)
	if !r1.Allowed {
		t.Fatal("first request should be allowed")
	}
	r2 := l.Allow("user-3", limits)
	if r2.Allowed {
		t.Fatal("second request should be denied by the minute window")
	}
	if r2.ExceededWindow != WindowMinute {
		t.Errorf("expected exceeded window 'minute', got %q", r2.ExceededWindow)
	}
}

func TestLimiter_ZeroLimitMeansUnlimited(t *testing.T) {
	l := NewLimiter()
	defer l.Close()

	limits := Limits{}
	for i := 0; i < 50; i++ {
		r := l.Allow("user-4", limits)
		if !r.Allowed {
			t.Fatalf("request %d should be allowed when no limits configured", i)
		}
	}
}

func TestLimiter_Reset(t *testing.T) {
	l := NewLimiter()
	defer l.Close()

	limits := Limits{PerSecond: 1}
	l.Allow("user-5", limits)
	if r := l.Allow("user-5", limits); r.Allowed {
		t.Fatal("expected second request to be denied before reset")
	}

	l.Reset("user-5")
	if r := l.Allow("user-5", limits); !r.Allowed {
		t.Fatal("expected request to be allowed after reset")
	}
}

func TestLimiter_WindowRollsOver(t *testing.T) {
	l := NewLimiter()
	defer l.Close()

	limits := Limits{PerSecond: 1}
	l.Allow("user-6", limits)
	time.Sleep(1100 * time.Millisecond)
	if r := l.Allow("user-6", limits); !r.Allowed {
		t.Fatal("expected request to be allowed once the second window rolls over")
	}
}

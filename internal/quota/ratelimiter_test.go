package quota

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(rpm int) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := NewRateLimiter(rpm)
	rl.now = clock.now
	return rl, clock
}

func TestAllowBurstThenLimit(t *testing.T) {
	rl, _ := newLimiter(3)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d rejected within burst", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("4th request allowed, want limited")
	}
	// One token every 20s.
	if got := rl.RetryAfter("10.0.0.1"); got < 20 || got > 21 {
		t.Errorf("RetryAfter = %d, want about 20", got)
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("other client limited")
	}
}

func TestAllowRefills(t *testing.T) {
	rl, clock := newLimiter(60)

	for i := 0; i < 60; i++ {
		rl.Allow("k")
	}
	if rl.Allow("k") {
		t.Fatal("bucket should be empty")
	}
	clock.advance(time.Second)
	if !rl.Allow("k") {
		t.Error("token not refilled after one second")
	}
}

func TestUnlimited(t *testing.T) {
	rl, _ := newLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("k") {
			t.Fatal("unlimited limiter rejected a request")
		}
	}
	if rl.RetryAfter("k") != 0 || rl.Len() != 0 {
		t.Error("unlimited limiter should not track clients")
	}
}

func TestCleanup(t *testing.T) {
	rl, clock := newLimiter(10)
	rl.Allow("old")
	clock.advance(10 * time.Minute)
	rl.Allow("new")

	rl.Cleanup(5 * time.Minute)
	if rl.Len() != 1 {
		t.Errorf("Len = %d after cleanup, want 1", rl.Len())
	}
}

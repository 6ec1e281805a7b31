package listen

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUntilMax(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(3, 2, time.Hour)
	now := time.Unix(1000, 0)

	// Same-second connections pile up ticks without decay; the threshold
	// only trips once the count exceeds the maximum.
	for i := 0; i < 4; i++ {
		if !l.Allow("1.2.3.4", now) {
			t.Fatalf("connection %d should be allowed", i+1)
		}
	}
	if l.Allow("1.2.3.4", now) {
		t.Fatal("connection above the maximum should be refused")
	}
}

func TestRateLimiterDecays(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(3, 2, time.Hour)
	now := time.Unix(1000, 0)

	for i := 0; i < 4; i++ {
		l.Allow("1.2.3.4", now)
	}
	if l.Allow("1.2.3.4", now) {
		t.Fatal("should be refused at the threshold")
	}

	// Two ticks decay per second; after three seconds the count is back
	// under the limit.
	if !l.Allow("1.2.3.4", now.Add(3*time.Second)) {
		t.Fatal("should be allowed again after decay")
	}
}

func TestRateLimiterRefusalDoesNotCharge(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(1, 1, time.Hour)
	now := time.Unix(1000, 0)

	l.Allow("1.2.3.4", now)
	l.Allow("1.2.3.4", now)
	if l.Allow("1.2.3.4", now) {
		t.Fatal("third same-second connection should be refused")
	}
	if l.Allow("1.2.3.4", now) {
		t.Fatal("repeat knocking in the same second stays refused")
	}

	// Refusals do not add ticks, so the count decays back under the limit
	// on schedule.
	if !l.Allow("1.2.3.4", now.Add(2*time.Second)) {
		t.Fatal("should be allowed once the ticks decayed away")
	}
}

func TestRateLimiterTracksIPsIndependently(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(1, 1, time.Hour)
	now := time.Unix(1000, 0)

	l.Allow("1.2.3.4", now)
	l.Allow("1.2.3.4", now)
	if l.Allow("1.2.3.4", now) {
		t.Fatal("first IP should be refused")
	}
	if !l.Allow("5.6.7.8", now) {
		t.Fatal("second IP should be unaffected")
	}
}

func TestRateLimiterPrune(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(10, 1, time.Minute)
	now := time.Unix(1000, 0)

	l.Allow("1.2.3.4", now)
	l.Allow("5.6.7.8", now.Add(2*time.Minute))
	if l.Len() != 2 {
		t.Fatalf("tracked = %d, want 2", l.Len())
	}

	l.Prune(now.Add(2 * time.Minute))
	if l.Len() != 1 {
		t.Fatalf("tracked after prune = %d, want 1", l.Len())
	}
}

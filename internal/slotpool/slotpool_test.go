package slotpool

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(2, 1, 1)

	if !p.Acquire(Normal) {
		t.Fatal("expected first normal acquire to succeed")
	}
	if !p.Acquire(Normal) {
		t.Fatal("expected second normal acquire to succeed")
	}
	if p.Acquire(Normal) {
		t.Fatal("expected third normal acquire to fail (max 2)")
	}

	p.Release(Normal)
	if p.Current(Normal) != 1 {
		t.Fatalf("expected current=1 after release, got %d", p.Current(Normal))
	}

	if !p.Acquire(Normal) {
		t.Fatal("expected acquire to succeed again after release")
	}

	p.Release(Normal)
	p.Release(Normal)
	// release beyond zero is a no-op
	p.Release(Normal)
	if p.Current(Normal) != 0 {
		t.Fatalf("expected current=0, got %d", p.Current(Normal))
	}
}

func TestPromoteSucceedsWithHeadroom(t *testing.T) {
	p := New(5, 5, 5)
	p.Acquire(Normal)

	if !p.Promote(Normal, Large) {
		t.Fatal("expected promote to succeed")
	}
	if p.Current(Normal) != 0 {
		t.Fatalf("expected normal count to drop to 0, got %d", p.Current(Normal))
	}
	if p.Current(Large) != 1 {
		t.Fatalf("expected large count to rise to 1, got %d", p.Current(Large))
	}
}

func TestPromoteFailureLeavesFromUntouched(t *testing.T) {
	p := New(5, 0, 5)
	p.Acquire(Normal)

	if p.Promote(Normal, Large) {
		t.Fatal("expected promote to fail, large tier has max=0")
	}
	if p.Current(Normal) != 1 {
		t.Fatalf("expected normal count to remain 1 on failed promote, got %d", p.Current(Normal))
	}
	if p.Current(Large) != 0 {
		t.Fatalf("expected large count to remain 0 on failed promote, got %d", p.Current(Large))
	}
}

func TestPromoteThenDemoteRejectedLeavesStateUnchanged(t *testing.T) {
	p := New(5, 5, 5)
	p.Acquire(Normal)

	if !p.Promote(Normal, Large) {
		t.Fatal("expected promote normal->large to succeed")
	}

	// demoting large->normal through Promote is a call with reversed tiers
	// and must be rejected, leaving the counters as they were. Demotion
	// goes through Release+Acquire instead.
	if p.Promote(Large, Normal) {
		t.Fatal("expected promote large->normal to be rejected")
	}
	if p.Current(Large) != 1 || p.Current(Normal) != 0 {
		t.Fatalf("unexpected state after rejected demotion: normal=%d large=%d",
			p.Current(Normal), p.Current(Large))
	}

	p.Release(Large)
	if !p.Acquire(Normal) {
		t.Fatal("expected re-acquiring normal after releasing large to succeed")
	}
	if p.Current(Large) != 0 || p.Current(Normal) != 1 {
		t.Fatalf("unexpected state after release+acquire demotion: normal=%d large=%d",
			p.Current(Normal), p.Current(Large))
	}
}

func TestTierFor(t *testing.T) {
	cases := []struct {
		n        int
		large    int
		huge     int
		expected Tier
	}{
		{0, 1024, 8192, Normal},
		{1023, 1024, 8192, Normal},
		{1024, 1024, 8192, Large},
		{8191, 1024, 8192, Large},
		{8192, 1024, 8192, Huge},
	}
	for _, c := range cases {
		got := TierFor(c.n, c.large, c.huge)
		if got != c.expected {
			t.Errorf("TierFor(%d, %d, %d) = %v, want %v", c.n, c.large, c.huge, got, c.expected)
		}
	}
}

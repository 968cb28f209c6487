package ratelimit

import (
	"sync"
	"testing"
	"time"

	"cardroom/railbird/pkg/api/railbird"
	"cardroom/railbird/pkg/auth"
)

type sinkCall struct {
	principalID string
	channel     string
	tableID     string
	blocked     uint64
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) RateLimitExceeded(principalID, channel, tableID string, blocked uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{principalID, channel, tableID, blocked})
}

func newTestLimiter(maxTokens int, window time.Duration, sink AuditSink) (*Limiter, *time.Time) {
	l := NewLimiter(map[string]Config{
		railbird.ChannelChat: {MaxTokens: maxTokens, Window: window},
	}, sink, nil)
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAllowConsumesTokens(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute, nil)

	for i, wantRemaining := range []int{2, 1, 0} {
		d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1")
		if !d.Allowed {
			t.Fatalf("call %d: denied, want allowed", i+1)
		}
		if d.Remaining != wantRemaining {
			t.Errorf("call %d: Remaining = %d, want %d", i+1, d.Remaining, wantRemaining)
		}
	}

	d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1")
	if d.Allowed {
		t.Fatal("fourth call allowed, want denied")
	}
	// One token accrues every 20s at 3 per minute.
	if d.RetryAfter < 19*time.Second || d.RetryAfter > 21*time.Second {
		t.Errorf("RetryAfter = %v, want about 20s", d.RetryAfter)
	}
}

func TestProportionalRefill(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute, nil)

	for i := 0; i < 2; i++ {
		if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1"); !d.Allowed {
			t.Fatalf("warmup call %d denied", i+1)
		}
	}
	if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1"); d.Allowed {
		t.Fatal("bucket empty but call allowed")
	}

	// Half a window and change restores one token at 2 per minute.
	*now = now.Add(31 * time.Second)
	if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1"); !d.Allowed {
		t.Fatal("call after partial refill denied")
	}
	if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1"); d.Allowed {
		t.Fatal("second call after partial refill allowed, want denied")
	}

	// Refill never exceeds capacity.
	*now = now.Add(time.Hour)
	seen := 0
	for i := 0; i < 5; i++ {
		if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1"); d.Allowed {
			seen++
		}
	}
	if seen != 2 {
		t.Errorf("allowed %d calls after long idle, want capacity of 2", seen)
	}
}

func TestAdminBypassesBuckets(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute, nil)

	for i := 0; i < 50; i++ {
		if d := l.Allow("admin-1", auth.RoleAdmin, railbird.ChannelChat, "t1"); !d.Allowed {
			t.Fatalf("admin call %d denied", i+1)
		}
	}
	if n := l.BucketCount(); n != 0 {
		t.Errorf("BucketCount() = %d after admin traffic, want 0", n)
	}
}

func TestUnlimitedChannelsPassThrough(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute, nil)

	for i := 0; i < 20; i++ {
		if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelLobby, ""); !d.Allowed {
			t.Fatalf("call %d on unlimited channel denied", i+1)
		}
	}
	if n := l.BucketCount(); n != 0 {
		t.Errorf("BucketCount() = %d for unlimited channel, want 0", n)
	}
}

func TestBucketsAreScopedByPrincipalAndTable(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute, nil)

	if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1"); !d.Allowed {
		t.Fatal("first p1/t1 call denied")
	}
	if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1"); d.Allowed {
		t.Fatal("second p1/t1 call allowed, want denied")
	}
	if d := l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t2"); !d.Allowed {
		t.Error("p1/t2 call denied, other tables must have their own bucket")
	}
	if d := l.Allow("p2", auth.RolePlayer, railbird.ChannelChat, "t1"); !d.Allowed {
		t.Error("p2/t1 call denied, other principals must have their own bucket")
	}
	if n := l.BucketCount(); n != 3 {
		t.Errorf("BucketCount() = %d, want 3", n)
	}
}

func TestBlockedCountersReachSink(t *testing.T) {
	sink := &recordingSink{}
	l, _ := newTestLimiter(1, time.Minute, sink)

	l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1")
	l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1")
	l.Allow("p1", auth.RolePlayer, railbird.ChannelChat, "t1")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.calls) != 2 {
		t.Fatalf("sink received %d calls, want 2", len(sink.calls))
	}
	last := sink.calls[1]
	if last.principalID != "p1" || last.channel != railbird.ChannelChat || last.tableID != "t1" {
		t.Errorf("sink call key = %+v", last)
	}
	if last.blocked != 2 {
		t.Errorf("blocked counter = %d, want 2", last.blocked)
	}
}

func TestCollectIdleDropsStaleBuckets(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute, nil)

	l.Allow("stale", auth.RolePlayer, railbird.ChannelChat, "t1")
	*now = now.Add(3 * time.Minute)
	l.Allow("fresh", auth.RolePlayer, railbird.ChannelChat, "t1")

	if removed := l.CollectIdle(); removed != 1 {
		t.Fatalf("CollectIdle() = %d, want 1", removed)
	}
	if n := l.BucketCount(); n != 1 {
		t.Errorf("BucketCount() = %d after collection, want 1", n)
	}

	// The surviving bucket goes once it ages past twice the window.
	*now = now.Add(2*time.Minute + time.Second)
	if removed := l.CollectIdle(); removed != 1 {
		t.Errorf("second CollectIdle() = %d, want 1", removed)
	}
}

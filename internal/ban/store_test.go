package ban

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and flushes
// all ban and report keys before returning.  Tests that call this helper
// require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	// Clean up any leftover test keys (both ban: and reports: prefixes).
	for _, prefix := range []string{BanPrefix + "test_*", ReportsPrefix + "test_*"} {
		iter := client.Scan(ctx, 0, prefix, 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	t.Cleanup(func() {
		for _, prefix := range []string{BanPrefix + "test_*", ReportsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
		client.Close()
	})
	return NewStore(client)
}

func TestIsBanned_NotBanned(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	banned, remaining, reason, err := store.IsBanned(ctx, "test_no_ban")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Errorf("expected not banned, got banned (remaining=%d reason=%q)", remaining, reason)
	}
}

func TestBanAndCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_ban_check"

	if err := store.Ban(ctx, uid, 30*time.Second, "protocol_abuse"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	banned, remaining, reason, err := store.IsBanned(ctx, uid)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true")
	}
	if reason != "protocol_abuse" {
		t.Errorf("expected reason=%q, got %q", "protocol_abuse", reason)
	}
	if remaining <= 0 || remaining > 30 {
		t.Errorf("expected remaining in (0,30], got %d", remaining)
	}
}

func TestUnban(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_unban"

	if err := store.Ban(ctx, uid, time.Minute, "test"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}

	// Verify banned.
	banned, _, _, _ := store.IsBanned(ctx, uid)
	if !banned {
		t.Fatal("expected banned=true after Ban()")
	}

	// Unban and verify.
	if err := store.Unban(ctx, uid); err != nil {
		t.Fatalf("Unban() error: %v", err)
	}
	banned, _, _, err := store.IsBanned(ctx, uid)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if banned {
		t.Error("expected not banned after Unban()")
	}
}

func TestEscalationDuration(t *testing.T) {
	cases := []struct {
		count    int
		expected time.Duration
	}{
		{1, Ban15Min},
		{2, Ban15Min},
		{3, Ban15Min},
		{4, Ban1Hour},
		{5, Ban24Hour},
		{10, Ban24Hour},
	}
	for _, tc := range cases {
		got := escalationDuration(tc.count)
		if got != tc.expected {
			t.Errorf("escalationDuration(%d) = %v, want %v", tc.count, got, tc.expected)
		}
	}
}

func TestReportCount_NoReports(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	count, err := store.ReportCount(ctx, "test_no_reports")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 reports, got %d", count)
	}
}

func TestReportAndCheck_BelowThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_below"

	// First report, below threshold.
	banned, duration, err := store.ReportAndCheck(ctx, uid)
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if banned {
		t.Error("expected banned=false after 1 report")
	}
	if duration != 0 {
		t.Errorf("expected duration=0, got %v", duration)
	}

	// Second report, still below.
	banned, _, err = store.ReportAndCheck(ctx, uid)
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if banned {
		t.Error("expected banned=false after 2 reports")
	}

	// Should not be banned yet.
	isBanned, _, _, _ := store.IsBanned(ctx, uid)
	if isBanned {
		t.Error("user should not be banned with only 2 reports")
	}
}

func TestReportAndCheck_AutoBanAt3Reports(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_autoban"

	// 1st and 2nd reports, no ban.
	store.ReportAndCheck(ctx, uid)
	store.ReportAndCheck(ctx, uid)

	// 3rd report triggers the first auto-ban tier.
	banned, duration, err := store.ReportAndCheck(ctx, uid)
	if err != nil {
		t.Fatalf("ReportAndCheck() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true after 3 reports")
	}
	if duration != Ban15Min {
		t.Errorf("expected ban duration %v, got %v", Ban15Min, duration)
	}

	// Verify the ban is in Redis with reason "multiple_reports".
	isBanned, _, reason, _ := store.IsBanned(ctx, uid)
	if !isBanned {
		t.Fatal("expected IsBanned=true after auto-ban")
	}
	if reason != "multiple_reports" {
		t.Errorf("expected reason=%q, got %q", "multiple_reports", reason)
	}
}

func TestReportAndCheck_EscalatesOnFurtherReports(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_escalate"

	// Reach the threshold.
	store.ReportAndCheck(ctx, uid)
	store.ReportAndCheck(ctx, uid)
	store.ReportAndCheck(ctx, uid)

	// 4th report escalates to 1 hour.
	banned, duration, err := store.ReportAndCheck(ctx, uid)
	if err != nil {
		t.Fatalf("4th ReportAndCheck() error: %v", err)
	}
	if !banned {
		t.Fatal("expected banned=true for 4th report")
	}
	if duration != Ban1Hour {
		t.Errorf("4th report: expected %v, got %v", Ban1Hour, duration)
	}

	// 5th report caps at 24 hours.
	_, duration, err = store.ReportAndCheck(ctx, uid)
	if err != nil {
		t.Fatalf("5th ReportAndCheck() error: %v", err)
	}
	if duration != Ban24Hour {
		t.Errorf("5th report: expected %v (capped), got %v", Ban24Hour, duration)
	}

	count, err := store.ReportCount(ctx, uid)
	if err != nil {
		t.Fatalf("ReportCount() error: %v", err)
	}
	if count != 5 {
		t.Errorf("expected count=5, got %d", count)
	}
}

func TestReportCounterTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	uid := "test_report_ttl"

	// File a report to create the counter.
	store.ReportAndCheck(ctx, uid)

	// Verify the counter has a TTL set (should be close to 24h).
	key := ReportsPrefix + uid
	ttl, err := store.client.TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	// TTL should be positive and close to 24h (86400s). Allow 10s slack.
	if ttl < 86390*time.Second || ttl > 86400*time.Second {
		t.Errorf("expected TTL ~24h, got %v", ttl)
	}
}

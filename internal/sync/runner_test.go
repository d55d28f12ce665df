package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/jarcoal/httpmock"
	"github.com/lildude/trainload/internal/cache"
	"github.com/lildude/trainload/internal/faults"
	"github.com/lildude/trainload/internal/lock"
	"github.com/lildude/trainload/internal/model"
)

type runnerHarness struct {
	*harness
	runner *Runner
	sleeps []time.Duration
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	t.Helper()
	h := newHarness(t)
	conn := redis.NewClient(&redis.Options{Addr: h.redis.Addr()})
	rh := &runnerHarness{harness: h}
	rh.runner = NewRunner(h.db, h.eng, cache.NewRedisCacheFromClient(conn), quietLog())
	rh.runner.now = func() time.Time { return h.now }
	rh.runner.sleep = func(_ context.Context, d time.Duration) error {
		rh.sleeps = append(rh.sleeps, d)
		return nil
	}
	return rh
}

func wantSleeps(t *testing.T, got, want []time.Duration) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d sleeps %v, got %d %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestRunSuccessBookkeeping(t *testing.T) {
	rh := newRunnerHarness(t)
	acct := rh.seedAccount(t, 1)
	if err := rh.db.Model(acct).Update("last_error", "previous failure").Error; err != nil {
		t.Fatal(err)
	}

	err := rh.runner.run(context.Background(), 1, "sync", func(context.Context) (bool, error) {
		return true, nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %q", err)
	}

	got := rh.account(t, 1)
	if got.SuccessCount != 1 {
		t.Errorf("expected success count 1, got %d", got.SuccessCount)
	}
	if got.LastError != "" {
		t.Errorf("expected last error cleared, got %q", got.LastError)
	}
	if got.LastSyncAt == nil {
		t.Error("expected last sync time set")
	}
	if len(rh.sleeps) != 0 {
		t.Errorf("expected no sleeps, got %v", rh.sleeps)
	}
}

// TestRunSkippedPassNotCounted confirms a cycle skipped because the lock was
// held leaves the bookkeeping alone; otherwise a busy account's next real
// attempt would slip a full scheduling tier.
func TestRunSkippedPassNotCounted(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)

	if err := rh.redis.Set(lock.Key(1), "other-holder"); err != nil {
		t.Fatal(err)
	}

	if err := rh.runner.RunSync(context.Background(), 1); err != nil {
		t.Fatalf("expected nil error on skip, got %q", err)
	}
	if err := rh.runner.RunBackfill(context.Background(), 1); err != nil {
		t.Fatalf("expected nil error on skip, got %q", err)
	}

	got := rh.account(t, 1)
	if got.SuccessCount != 0 {
		t.Errorf("expected success count 0 after skipped cycles, got %d", got.SuccessCount)
	}
	if got.LastSyncAt != nil {
		t.Errorf("expected no sync timestamp, got %v", got.LastSyncAt)
	}
}

func TestRunCredentialFailureNoRetry(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)

	attempts := 0
	cause := faults.Errorf(faults.KindInvalidCredential, "token.exchange", "401 from token endpoint")
	err := rh.runner.run(context.Background(), 1, "sync", func(context.Context) (bool, error) {
		attempts++
		return false, cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected the credential fault, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}

	got := rh.account(t, 1)
	if !got.NeedsReauth {
		t.Error("expected needs_reauth set")
	}
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", got.FailureCount)
	}
	if got.LastError == "" {
		t.Error("expected last error recorded")
	}
}

func TestRunCursorInvariantFatal(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)

	attempts := 0
	err := rh.runner.run(context.Background(), 1, "backfill", func(context.Context) (bool, error) {
		attempts++
		return false, faults.Errorf(faults.KindCursorInvariant, "sync.Backfill", "cursor would not decrease")
	})
	if faults.KindOf(err) != faults.KindCursorInvariant {
		t.Fatalf("expected cursor_invariant, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single attempt, got %d", attempts)
	}

	got := rh.account(t, 1)
	if got.NeedsReauth {
		t.Error("expected needs_reauth untouched for a cursor fault")
	}
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", got.FailureCount)
	}
}

func TestRunTransientRetriesThenSucceeds(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)

	attempts := 0
	err := rh.runner.run(context.Background(), 1, "sync", func(context.Context) (bool, error) {
		attempts++
		if attempts <= 2 {
			return false, faults.Errorf(faults.KindTransientFetch, "strava.ListPage", "502")
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("expected recovery, got %q", err)
	}
	wantSleeps(t, rh.sleeps, []time.Duration{5 * time.Second, 10 * time.Second})

	got := rh.account(t, 1)
	if got.SuccessCount != 1 || got.FailureCount != 0 {
		t.Errorf("expected 1 success / 0 failures, got %d/%d", got.SuccessCount, got.FailureCount)
	}
}

func TestRunTransientExhaustsRetries(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)

	attempts := 0
	err := rh.runner.run(context.Background(), 1, "sync", func(context.Context) (bool, error) {
		attempts++
		return false, faults.Errorf(faults.KindTransientCommit, "sync.persistBatch", "connection reset")
	})
	if faults.KindOf(err) != faults.KindTransientCommit {
		t.Fatalf("expected transient_commit, got %v", err)
	}
	if attempts != maxRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxRetries+1, attempts)
	}
	wantSleeps(t, rh.sleeps, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second})

	got := rh.account(t, 1)
	if got.FailureCount != 1 {
		t.Errorf("expected failure count 1, got %d", got.FailureCount)
	}
	if ok, _ := rh.runner.cache.Exists(context.Background(), cooldownKey(1)); ok {
		t.Error("expected no cooldown for transient failures")
	}
}

func TestRunRateLimitStartsCooldown(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)

	attempts := 0
	err := rh.runner.run(context.Background(), 1, "sync", func(context.Context) (bool, error) {
		attempts++
		return false, faults.Errorf(faults.KindRateLimited, "strava.ListPage", "429")
	})
	if faults.KindOf(err) != faults.KindRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
	if attempts != maxRetries+1 {
		t.Errorf("expected %d attempts, got %d", maxRetries+1, attempts)
	}
	wantSleeps(t, rh.sleeps, []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute})

	// Exhausted rate limits park the account without branding it broken.
	got := rh.account(t, 1)
	if got.FailureCount != 0 {
		t.Errorf("expected no failure mark, got %d", got.FailureCount)
	}
	if !rh.runner.inCooldown(context.Background(), 1) {
		t.Error("expected cooldown key set")
	}
	if ttl := rh.redis.TTL(cooldownKey(1)); ttl != rateLimitCooldown {
		t.Errorf("expected cooldown TTL %v, got %v", rateLimitCooldown, ttl)
	}
}

func TestCooldownExpires(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.runner.startCooldown(context.Background(), 1)

	if !rh.runner.inCooldown(context.Background(), 1) {
		t.Fatal("expected cooldown active")
	}
	rh.redis.FastForward(rateLimitCooldown + time.Minute)
	if rh.runner.inCooldown(context.Background(), 1) {
		t.Error("expected cooldown expired")
	}
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		t := now.Add(-d)
		return &t
	}

	tests := []struct {
		name string
		acct model.Account
		want bool
	}{
		{"never synced", model.Account{}, true},
		{"needs reauth", model.Account{NeedsReauth: true}, false},
		{"stale beyond six hours", model.Account{LastSyncAt: ago(7 * time.Hour)}, true},
		{"active user at two hours", model.Account{LastSyncAt: ago(2 * time.Hour), LastActivityAt: ago(24 * time.Hour)}, true},
		{"active user inside two hours", model.Account{LastSyncAt: ago(time.Hour), LastActivityAt: ago(24 * time.Hour)}, false},
		{"idle user at four hours", model.Account{LastSyncAt: ago(4 * time.Hour), LastActivityAt: ago(10 * 24 * time.Hour)}, true},
		{"idle user inside four hours", model.Account{LastSyncAt: ago(3 * time.Hour), LastActivityAt: ago(10 * 24 * time.Hour)}, false},
		{"idle user with no activity history", model.Account{LastSyncAt: ago(3 * time.Hour)}, false},
	}

	r := &Runner{}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := r.Due(&tc.acct, now); got != tc.want {
				t.Errorf("expected due=%v, got %v", tc.want, got)
			}
		})
	}
}

func TestTickRunsDueAccounts(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)

	// A parked account never reaches the remote.
	parked := &model.Account{UserID: 2, Provider: model.ProviderStrava, NeedsReauth: true}
	if err := rh.db.Create(parked).Error; err != nil {
		t.Fatal(err)
	}

	httpmock.RegisterResponder("GET", activitiesURL, respondWithWindow())

	rh.runner.Tick(context.Background())

	one := rh.account(t, 1)
	if one.SuccessCount == 0 {
		t.Error("expected the due account to run")
	}
	if !one.HistoryComplete {
		t.Error("expected backfill to mark empty history complete")
	}

	var two model.Account
	if err := rh.db.Where("user_id = ?", 2).First(&two).Error; err != nil {
		t.Fatal(err)
	}
	if two.SuccessCount != 0 {
		t.Error("expected the parked account untouched")
	}
}

func TestTickSkipsCooldown(t *testing.T) {
	rh := newRunnerHarness(t)
	rh.seedAccount(t, 1)
	rh.runner.startCooldown(context.Background(), 1)

	httpmock.RegisterResponder("GET", activitiesURL, respondWithWindow())

	rh.runner.Tick(context.Background())

	if httpmock.GetTotalCallCount() != 0 {
		t.Error("expected no remote calls during cooldown")
	}
	if got := rh.account(t, 1); got.SuccessCount != 0 {
		t.Errorf("expected no runs, got %d", got.SuccessCount)
	}
}

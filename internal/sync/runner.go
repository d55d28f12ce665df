package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lildude/trainload/internal/cache"
	"github.com/lildude/trainload/internal/faults"
	"github.com/lildude/trainload/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// maxRetries bounds each failure class per job invocation.
	maxRetries = 3
	// rateLimitCooldown keeps an account off the schedule after its
	// rate-limit retries are exhausted.
	rateLimitCooldown = 30 * time.Minute

	// Scheduler tiering: never-synced accounts always run, everyone runs at
	// six hours, recently active users every two hours, the rest every four.
	alwaysAfter  = 6 * time.Hour
	activeWindow = 7 * 24 * time.Hour
	activeEvery  = 2 * time.Hour
	idleEvery    = 4 * time.Hour
)

// Runner wraps the sync and backfill jobs with failure classification,
// backoff and account bookkeeping, and decides which accounts each cycle
// should attempt.
type Runner struct {
	db    *gorm.DB
	eng   *Engine
	cache cache.Cache
	log   logrus.FieldLogger
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(db *gorm.DB, eng *Engine, c cache.Cache, log logrus.FieldLogger) *Runner {
	return &Runner{
		db:    db,
		eng:   eng,
		cache: c,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newBackOff builds a deterministic doubling policy: initial, 2·initial,
// 4·initial, …
func newBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 64 * initial
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RunSync runs one sync pass under the retry policy.
func (r *Runner) RunSync(ctx context.Context, userID int64) error {
	return r.run(ctx, userID, "sync", func(ctx context.Context) (bool, error) {
		res, err := r.eng.Sync(ctx, userID)
		return res != nil, err
	})
}

// RunBackfill runs one backfill page under the retry policy.
func (r *Runner) RunBackfill(ctx context.Context, userID int64) error {
	return r.run(ctx, userID, "backfill", func(ctx context.Context) (bool, error) {
		res, err := r.eng.Backfill(ctx, userID)
		return res != nil, err
	})
}

// run drives fn under the retry policy. fn reports whether a pass actually
// ran; a skipped cycle (lock held, nothing to do) must not count as a
// success, or a busy account's next real attempt would slip a full tier.
func (r *Runner) run(ctx context.Context, userID int64, job string, fn func(ctx context.Context) (bool, error)) error {
	rateBO := newBackOff(time.Minute)
	transBO := newBackOff(5 * time.Second)
	rateTries, transTries := 0, 0

	for {
		ran, err := fn(ctx)
		if err == nil {
			if ran {
				r.markSuccess(ctx, userID)
			}
			return nil
		}

		log := r.log.WithError(err).WithFields(logrus.Fields{"user": userID, "job": job})
		switch faults.KindOf(err) {
		case faults.KindCredentialUnavailable, faults.KindInvalidCredential:
			log.Error("credentials unusable, user must re-authorize")
			r.markFailure(ctx, userID, err, true)
			return err

		case faults.KindCursorInvariant:
			log.Error("cursor invariant violated, halting job")
			r.markFailure(ctx, userID, err, false)
			return err

		case faults.KindRateLimited:
			rateTries++
			if rateTries > maxRetries {
				log.Warn("rate limited, giving up until cooldown expires")
				r.startCooldown(ctx, userID)
				return err
			}
			if serr := r.sleep(ctx, rateBO.NextBackOff()); serr != nil {
				return serr
			}

		default:
			transTries++
			if transTries > maxRetries {
				log.Error("transient failures exhausted retries")
				r.markFailure(ctx, userID, err, false)
				return err
			}
			if serr := r.sleep(ctx, transBO.NextBackOff()); serr != nil {
				return serr
			}
		}
	}
}

func (r *Runner) markSuccess(ctx context.Context, userID int64) {
	now := r.now().UTC()
	err := r.db.WithContext(ctx).Model(&model.Account{}).
		Where("user_id = ? AND provider = ?", userID, model.ProviderStrava).
		Updates(map[string]any{
			"success_count": gorm.Expr("success_count + 1"),
			"last_error":    "",
			"last_sync_at":  &now,
		}).Error
	if err != nil {
		r.log.WithError(err).WithField("user", userID).Warn("recording job success")
	}
}

func (r *Runner) markFailure(ctx context.Context, userID int64, cause error, needsReauth bool) {
	err := r.db.WithContext(ctx).Model(&model.Account{}).
		Where("user_id = ? AND provider = ?", userID, model.ProviderStrava).
		Updates(map[string]any{
			"failure_count": gorm.Expr("failure_count + 1"),
			"last_error":    cause.Error(),
			"needs_reauth":  needsReauth,
		}).Error
	if err != nil {
		r.log.WithError(err).WithField("user", userID).Warn("recording job failure")
	}
}

func cooldownKey(userID int64) string {
	return fmt.Sprintf("ratelimit:%d", userID)
}

func (r *Runner) startCooldown(ctx context.Context, userID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetTTL(ctx, cooldownKey(userID), "1", rateLimitCooldown); err != nil {
		r.log.WithError(err).WithField("user", userID).Warn("starting rate-limit cooldown")
	}
}

func (r *Runner) inCooldown(ctx context.Context, userID int64) bool {
	if r.cache == nil {
		return false
	}
	ok, err := r.cache.Exists(ctx, cooldownKey(userID))
	if err != nil {
		r.log.WithError(err).WithField("user", userID).Warn("checking rate-limit cooldown")
		return false
	}
	return ok
}

// Due applies the tiered recency rule that bounds remote API call volume
// while keeping active users fresh.
func (r *Runner) Due(a *model.Account, now time.Time) bool {
	if a.NeedsReauth {
		return false
	}
	if a.LastSyncAt == nil {
		return true
	}
	sinceSync := now.Sub(*a.LastSyncAt)
	if sinceSync >= alwaysAfter {
		return true
	}
	if a.LastActivityAt != nil && now.Sub(*a.LastActivityAt) <= activeWindow {
		return sinceSync >= activeEvery
	}
	return sinceSync >= idleEvery
}

// Tick runs one scheduler cycle: every due account gets a sync pass and,
// while its history is incomplete, one backfill page. Accounts run
// concurrently; the per-account lock keeps each account's jobs serialized.
func (r *Runner) Tick(ctx context.Context) {
	var accounts []model.Account
	if err := r.db.WithContext(ctx).Find(&accounts).Error; err != nil {
		r.log.WithError(err).Error("loading accounts for scheduler tick")
		return
	}

	now := r.now()
	var wg stdsync.WaitGroup
	for i := range accounts {
		acct := accounts[i]
		if !r.Due(&acct, now) || r.inCooldown(ctx, acct.UserID) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			// One account's failure never blocks the others; errors are
			// already recorded on the account row.
			if err := r.RunSync(ctx, acct.UserID); err != nil {
				return
			}
			if !acct.HistoryComplete {
				r.RunBackfill(ctx, acct.UserID) //nolint:errcheck // recorded on the account
			}
			if err := r.eng.RefineLoadScores(ctx, acct.UserID); err != nil {
				r.log.WithError(err).WithField("user", acct.UserID).Warn("refining load scores")
			}
		}()
	}
	wg.Wait()
}

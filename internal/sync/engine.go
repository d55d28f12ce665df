// Package sync keeps the local activity store in step with the remote
// provider: incremental forward sync, backward historical backfill, and the
// retry orchestration around both.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/lildude/trainload/internal/lock"
	"github.com/lildude/trainload/internal/model"
	"github.com/lildude/trainload/internal/strava"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// defaultPerPage caps memory per batch; each page is committed on its own.
	defaultPerPage = 50
	// firstSyncLookback is the window fetched for an account that has never
	// synced. Anything older belongs to backfill.
	firstSyncLookback = 90 * 24 * time.Hour
)

// CredentialSource yields a valid access token for an account.
// *token.Refresher satisfies it.
type CredentialSource interface {
	AccessToken(ctx context.Context, acct *model.Account) (string, error)
}

// Recomputer is the metrics engine as seen from sync. *metrics.Engine
// satisfies it.
type Recomputer interface {
	Recompute(ctx context.Context, userID int64, since time.Time) error
}

// Config holds the collaborators for NewEngine.
type Config struct {
	DB            *gorm.DB
	Locker        *lock.Locker
	Tokens        CredentialSource
	Recompute     Recomputer
	Log           logrus.FieldLogger
	PerPage       int
	BackfillFloor *time.Time
}

type Engine struct {
	db            *gorm.DB
	locker        *lock.Locker
	tokens        CredentialSource
	recompute     Recomputer
	log           logrus.FieldLogger
	perPage       int
	backfillFloor *time.Time
	now           func() time.Time
}

func NewEngine(cfg Config) *Engine {
	perPage := cfg.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	return &Engine{
		db:            cfg.DB,
		locker:        cfg.Locker,
		tokens:        cfg.Tokens,
		recompute:     cfg.Recompute,
		log:           cfg.Log,
		perPage:       perPage,
		backfillFloor: cfg.BackfillFloor,
		now:           time.Now,
	}
}

// Result summarizes one sync pass.
type Result struct {
	Fetched  int
	Imported int
	Skipped  int
}

// Sync fetches activities newer than the account's forward cursor,
// deduplicates, persists, and advances the cursor. A nil Result with nil
// error means the per-account lock was held and this cycle was skipped.
func (e *Engine) Sync(ctx context.Context, userID int64) (*Result, error) {
	acct, err := e.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	release, acquired, err := e.locker.TryAcquire(ctx, lock.Key(userID))
	if err != nil {
		return nil, err
	}
	if !acquired {
		e.log.WithField("user", userID).Info("sync already running, skipping cycle")
		return nil, nil
	}
	defer release()

	now := e.now().UTC()
	start := now.Add(-firstSyncLookback)
	if acct.ForwardCursor != nil {
		start = acct.ForwardCursor.Add(time.Second)
	}

	accessToken, err := e.tokens.AccessToken(ctx, acct)
	if err != nil {
		return nil, err
	}
	api := strava.NewAPIClient(ctx, accessToken, nil)

	res := &Result{}
	var newestStart time.Time
	var oldestImported time.Time

	pager := api.ListActivities(&start, &now, e.perPage)
	for {
		batch, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		res.Fetched += len(batch)

		imported, skipped, firstImported, err := e.persistBatch(ctx, acct, batch)
		if err != nil {
			return nil, err
		}
		res.Imported += imported
		res.Skipped += skipped
		if imported > 0 && (oldestImported.IsZero() || firstImported.Before(oldestImported)) {
			oldestImported = firstImported
		}
		for _, a := range batch {
			if a.StartDate.After(newestStart) {
				newestStart = a.StartDate
			}
		}
	}

	// The cursor advances to the newest observed start time, never to
	// wall-clock now and never backwards. Activities whose start time lags
	// fetch time stay inside the next window; already-seen ones do not.
	updates := map[string]any{}
	if !newestStart.IsZero() && (acct.ForwardCursor == nil || newestStart.After(*acct.ForwardCursor)) {
		cursor := newestStart.UTC()
		updates["forward_cursor"] = &cursor
		updates["last_activity_at"] = &cursor
	}
	if len(updates) > 0 {
		if err := e.db.WithContext(ctx).Model(acct).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("advancing forward cursor for user %d: %w", userID, err)
		}
	}

	if res.Imported > 0 {
		e.triggerRecompute(userID, oldestImported)
	}

	e.log.WithFields(logrus.Fields{
		"user":     userID,
		"fetched":  res.Fetched,
		"imported": res.Imported,
		"skipped":  res.Skipped,
	}).Info("sync pass complete")
	return res, nil
}

// triggerRecompute kicks off a metrics rebuild for the days at or after
// since. It runs detached so a slow rebuild never holds the account lock.
func (e *Engine) triggerRecompute(userID int64, since time.Time) {
	if e.recompute == nil {
		return
	}
	go func() {
		rctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.recompute.Recompute(rctx, userID, since); err != nil {
			e.log.WithError(err).WithField("user", userID).Error("recomputing training load")
		}
	}()
}

func (e *Engine) account(ctx context.Context, userID int64) (*model.Account, error) {
	var a model.Account
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, model.ProviderStrava).
		First(&a).Error
	if err != nil {
		return nil, fmt.Errorf("loading account for user %d: %w", userID, err)
	}
	return &a, nil
}

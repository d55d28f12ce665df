package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/lildude/trainload/internal/faults"
	"github.com/lildude/trainload/internal/lock"
	"github.com/lildude/trainload/internal/strava"
	"github.com/sirupsen/logrus"
)

// Backfill fetches one page of activities strictly older than the account's
// backward cursor and moves the cursor down past them. It is idempotent and
// resumable: records commit before the cursor moves, so a crash in between
// simply re-fetches the same page. An empty page is the sole termination
// condition and marks history complete. A nil Result with nil error means no
// pass ran: history is already complete or the per-account lock was held.
func (e *Engine) Backfill(ctx context.Context, userID int64) (*Result, error) {
	acct, err := e.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct.HistoryComplete {
		return nil, nil
	}

	release, acquired, err := e.locker.TryAcquire(ctx, lock.Key(userID))
	if err != nil {
		return nil, err
	}
	if !acquired {
		e.log.WithField("user", userID).Info("account busy, skipping backfill cycle")
		return nil, nil
	}
	defer release()

	before := e.now().UTC()
	if acct.BackwardCursor != nil {
		before = *acct.BackwardCursor
	}

	accessToken, err := e.tokens.AccessToken(ctx, acct)
	if err != nil {
		return nil, err
	}
	api := strava.NewAPIClient(ctx, accessToken, nil)

	page, err := api.ListPage(ctx, nil, &before, 1, e.perPage)
	if err != nil {
		// Rate-limit and fetch failures leave the cursor untouched, so the
		// next attempt resumes exactly here.
		return nil, err
	}

	if len(page) == 0 {
		if err := e.db.WithContext(ctx).Model(acct).Update("history_complete", true).Error; err != nil {
			return nil, fmt.Errorf("marking history complete for user %d: %w", userID, err)
		}
		e.log.WithField("user", userID).Info("history backfill complete")
		return &Result{}, nil
	}

	imported, skipped, _, err := e.persistBatch(ctx, acct, page)
	if err != nil {
		return nil, err
	}

	oldest := page[0].StartDate
	for _, a := range page[1:] {
		if a.StartDate.Before(oldest) {
			oldest = a.StartDate
		}
	}
	oldest = oldest.UTC()

	// The backward cursor must strictly decrease; anything else means the
	// remote returned data inconsistent with its own window semantics.
	if acct.BackwardCursor != nil && !oldest.Before(*acct.BackwardCursor) {
		return nil, faults.Errorf(faults.KindCursorInvariant, "sync.Backfill",
			"backward cursor would move from %s to %s for user %d",
			acct.BackwardCursor.Format(time.RFC3339), oldest.Format(time.RFC3339), userID)
	}

	updates := map[string]any{"backward_cursor": &oldest}
	if e.backfillFloor != nil && oldest.Before(*e.backfillFloor) {
		updates["history_complete"] = true
	}
	if err := e.db.WithContext(ctx).Model(acct).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("advancing backward cursor for user %d: %w", userID, err)
	}

	// Imported history needs its DailyLoad rows materialized too.
	if imported > 0 {
		e.triggerRecompute(userID, oldest)
	}

	e.log.WithFields(logrus.Fields{
		"user":     userID,
		"imported": imported,
		"skipped":  skipped,
		"cursor":   oldest.Format(time.RFC3339),
	}).Info("backfill page complete")
	return &Result{Fetched: len(page), Imported: imported, Skipped: skipped}, nil
}

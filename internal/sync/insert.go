package sync

import (
	"context"
	"strings"
	"time"

	"github.com/lildude/trainload/internal/faults"
	"github.com/lildude/trainload/internal/model"
	"github.com/lildude/trainload/internal/strava"
	"gorm.io/gorm"
)

// persistBatch inserts the records from one remote page that are not already
// stored. The batch commits in a single transaction; when a concurrent writer
// raced us into a uniqueness violation, each record is retried individually
// with per-record duplicate rejection tolerated. That keeps the natural-key
// constraint, not the lock, as the final idempotency guarantee.
func (e *Engine) persistBatch(ctx context.Context, acct *model.Account, batch []strava.Activity) (imported, skipped int, firstImported time.Time, err error) {
	var fresh []model.Activity
	for _, ra := range batch {
		var count int64
		err = e.db.WithContext(ctx).Model(&model.Activity{}).
			Where("user_id = ? AND provider = ? AND provider_activity_id = ?", acct.UserID, acct.Provider, ra.ID).
			Count(&count).Error
		if err != nil {
			return 0, 0, time.Time{}, faults.New(faults.KindTransientCommit, "sync.persistBatch", err)
		}
		if count > 0 {
			skipped++
			continue
		}
		fresh = append(fresh, normalize(acct, ra))
	}
	if len(fresh) == 0 {
		return 0, skipped, time.Time{}, nil
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&fresh).Error
	})
	switch {
	case err == nil:
		imported = len(fresh)
	case isDuplicate(err):
		imported, err = e.insertIndividually(ctx, fresh)
		skipped += len(fresh) - imported
		if err != nil {
			return imported, skipped, time.Time{}, err
		}
	default:
		return 0, skipped, time.Time{}, faults.New(faults.KindTransientCommit, "sync.persistBatch", err)
	}

	for _, rec := range fresh {
		if firstImported.IsZero() || rec.StartDate.Before(firstImported) {
			firstImported = rec.StartDate
		}
	}
	return imported, skipped, firstImported, nil
}

func (e *Engine) insertIndividually(ctx context.Context, records []model.Activity) (imported int, err error) {
	for i := range records {
		rec := records[i]
		rec.ID = 0
		err := e.db.WithContext(ctx).Create(&rec).Error
		switch {
		case err == nil:
			imported++
		case isDuplicate(err):
			// Another runner won the race for this record; its copy is
			// identical, so losing quietly is correct.
		default:
			return imported, faults.New(faults.KindTransientCommit, "sync.insertIndividually", err)
		}
	}
	return imported, nil
}

// isDuplicate matches uniqueness-constraint violations from both the
// postgres and sqlite drivers.
func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

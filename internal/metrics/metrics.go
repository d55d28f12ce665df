// Package metrics derives exponentially-weighted training-load series from
// imported activities.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lildude/trainload/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// ChronicTimeConstant is the CTL decay in days; AcuteTimeConstant the ATL decay.
	ChronicTimeConstant = 42.0
	AcuteTimeConstant   = 7.0

	// MutableWindowDays is the trailing window inside which DailyLoad rows may
	// still be rewritten. The EWMA series is path dependent, so rewriting
	// anything older would silently corrupt every subsequent day.
	MutableWindowDays = 14

	// seriesScanDays bounds the activity scan behind SeriesQuality.
	seriesScanDays = 90
)

// Smoothing returns the EWMA smoothing factor for a time constant in days.
func Smoothing(tau float64) float64 {
	return 1 - math.Exp(-1/tau)
}

// EWMA computes the exponentially weighted moving average of values, seeded
// with the first value.
func EWMA(values []float64, tau float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	s := Smoothing(tau)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = s*values[i] + (1-s)*out[i-1]
	}
	return out
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type Engine struct {
	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

func NewEngine(db *gorm.DB, log logrus.FieldLogger) *Engine {
	return &Engine{db: db, log: log, now: time.Now}
}

// Recompute rewrites the daily chronic/acute load rows from since through
// today. The EWMA is path dependent, so the series itself always starts at
// the user's first recorded activity regardless of since; since only bounds
// which days are written back. Days with no activity contribute an explicit
// zero: rest days are meaningful input to the decay, not missing data. Safe
// to re-invoke arbitrarily often; rows older than the mutable window are
// never overwritten.
func (e *Engine) Recompute(ctx context.Context, userID int64, since time.Time) error {
	today := Day(e.now())
	writeFrom := Day(since)
	if writeFrom.After(today) {
		return nil
	}

	var first model.Activity
	err := e.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_date asc").
		First(&first).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("loading first activity for user %d: %w", userID, err)
	}

	start := Day(first.StartDate)
	if start.After(today) {
		return nil
	}
	if writeFrom.Before(start) {
		writeFrom = start
	}

	var activities []model.Activity
	err = e.db.WithContext(ctx).
		Where("user_id = ? AND start_date >= ?", userID, start).
		Order("start_date asc").
		Find(&activities).Error
	if err != nil {
		return fmt.Errorf("loading activities for user %d: %w", userID, err)
	}

	loadByDay := make(map[time.Time]float64)
	for _, a := range activities {
		d := Day(a.StartDate)
		loadByDay[d] += a.LoadScore
	}

	days := int(today.Sub(start).Hours()/24) + 1
	values := make([]float64, days)
	for i := 0; i < days; i++ {
		values[i] = loadByDay[start.AddDate(0, 0, i)]
	}

	ctl := EWMA(values, ChronicTimeConstant)
	atl := EWMA(values, AcuteTimeConstant)

	cutoff := today.AddDate(0, 0, -MutableWindowDays)
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i)
		if day.Before(writeFrom) {
			continue
		}

		var existing model.DailyLoad
		err := e.db.WithContext(ctx).
			Where("user_id = ? AND day = ?", userID, day).
			First(&existing).Error
		switch {
		case err == nil:
			if day.Before(cutoff) {
				// Outside the mutable window: immutable once written.
				continue
			}
			existing.ChronicLoad = ctl[i]
			existing.AcuteLoad = atl[i]
			existing.Balance = ctl[i] - atl[i]
			if err := e.db.WithContext(ctx).Save(&existing).Error; err != nil {
				return fmt.Errorf("updating daily load for user %d day %s: %w", userID, day.Format("2006-01-02"), err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := model.DailyLoad{
				UserID:      userID,
				Day:         day,
				ChronicLoad: ctl[i],
				AcuteLoad:   atl[i],
				Balance:     ctl[i] - atl[i],
			}
			if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
				return fmt.Errorf("inserting daily load for user %d day %s: %w", userID, day.Format("2006-01-02"), err)
			}
		default:
			return fmt.Errorf("looking up daily load for user %d: %w", userID, err)
		}
	}

	return nil
}

// SeriesQuality grades the user's daily load series for downstream
// consumers. The series runs from the first recorded activity through today,
// zero-filled; a scan window bounds the query since the grading only needs
// the total span and the most recent days.
func (e *Engine) SeriesQuality(ctx context.Context, userID int64) (Quality, error) {
	today := Day(e.now())

	var first model.Activity
	err := e.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_date asc").
		First(&first).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return QualityInsufficient, nil
	case err != nil:
		return QualityInsufficient, fmt.Errorf("loading first activity for user %d: %w", userID, err)
	}

	start := Day(first.StartDate)
	if scanFloor := today.AddDate(0, 0, -seriesScanDays); start.Before(scanFloor) {
		start = scanFloor
	}

	var activities []model.Activity
	err = e.db.WithContext(ctx).
		Where("user_id = ? AND start_date >= ?", userID, start).
		Find(&activities).Error
	if err != nil {
		return QualityInsufficient, fmt.Errorf("loading activities for user %d: %w", userID, err)
	}

	loadByDay := make(map[time.Time]float64)
	for _, a := range activities {
		loadByDay[Day(a.StartDate)] += a.LoadScore
	}

	days := int(today.Sub(start).Hours()/24) + 1
	values := make([]float64, days)
	for i := 0; i < days; i++ {
		values[i] = loadByDay[start.AddDate(0, 0, i)]
	}

	return AssessQuality(values), nil
}

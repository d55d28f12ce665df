package sync

import (
	"context"
	"math"
	"time"

	"github.com/lildude/trainload/internal/model"
	"github.com/lildude/trainload/internal/strava"
)

// refineWindow bounds how far back RefineLoadScores looks, and refineLimit
// how many detail fetches one pass may spend.
const (
	refineWindow = 14 * 24 * time.Hour
	refineLimit  = 20
)

// RefineLoadScores upgrades recent duration-heuristic load scores using the
// per-activity sample streams, when the provider has them. The natural key is
// never touched; only LoadScore changes in place. Per-activity failures are
// logged and skipped so a single bad detail fetch never blocks the pass.
func (e *Engine) RefineLoadScores(ctx context.Context, userID int64) error {
	acct, err := e.account(ctx, userID)
	if err != nil {
		return err
	}

	accessToken, err := e.tokens.AccessToken(ctx, acct)
	if err != nil {
		return err
	}
	api := strava.NewAPIClient(ctx, accessToken, nil)

	var candidates []model.Activity
	err = e.db.WithContext(ctx).
		Where("user_id = ? AND provider = ? AND average_watts = 0 AND average_heartrate = 0 AND start_date >= ?",
			userID, acct.Provider, e.now().Add(-refineWindow)).
		Order("start_date desc").
		Limit(refineLimit).
		Find(&candidates).Error
	if err != nil {
		return err
	}

	for i := range candidates {
		a := &candidates[i]
		streams, err := api.GetStreams(ctx, a.ProviderActivityID)
		if err != nil {
			e.log.WithError(err).WithField("activity", a.ProviderActivityID).Warn("fetching streams")
			continue
		}
		score := scoreFromStreams(streams)
		if score <= 0 || score == a.LoadScore {
			continue
		}
		if err := e.db.WithContext(ctx).Model(a).Update("load_score", score).Error; err != nil {
			e.log.WithError(err).WithField("activity", a.ProviderActivityID).Warn("updating load score")
		}
	}
	return nil
}

// scoreFromStreams derives a load score from per-sample series: normalized
// power when a watts stream exists, otherwise a heart-rate intensity
// integral. Returns 0 when neither stream is usable.
func scoreFromStreams(s *strava.Streams) float64 {
	duration := streamDuration(s)
	if duration <= 0 {
		return 0
	}
	hours := duration.Hours()

	if s.Watts != nil && len(s.Watts.Data) > 0 {
		var sum float64
		for _, w := range s.Watts.Data {
			sum += math.Pow(w, 4)
		}
		np := math.Pow(sum/float64(len(s.Watts.Data)), 0.25)
		intensity := np / nominalFTP
		return hours * intensity * intensity * 100
	}

	if s.Heartrate != nil && len(s.Heartrate.Data) > 0 {
		var sum float64
		for _, hr := range s.Heartrate.Data {
			i := hr / nominalThresholdHR
			sum += i * i
		}
		mean := sum / float64(len(s.Heartrate.Data))
		return hours * mean * 100
	}

	return 0
}

func streamDuration(s *strava.Streams) time.Duration {
	if s.Time != nil && len(s.Time.Data) > 0 {
		return time.Duration(s.Time.Data[len(s.Time.Data)-1]) * time.Second
	}
	if s.Watts != nil && len(s.Watts.Data) > 0 {
		return time.Duration(len(s.Watts.Data)) * time.Second
	}
	if s.Heartrate != nil && len(s.Heartrate.Data) > 0 {
		return time.Duration(len(s.Heartrate.Data)) * time.Second
	}
	return 0
}

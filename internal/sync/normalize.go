package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lildude/trainload/internal/model"
	"github.com/lildude/trainload/internal/strava"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Nominal thresholds for the load-score heuristics. Per-user thresholds are
// a profile concern outside this core; the proxy only has to be consistent,
// the EWMA does the rest.
const (
	nominalFTP         = 200.0 // watts
	nominalThresholdHR = 170.0 // bpm
)

var titleCaser = cases.Title(language.English)

// normalize converts a remote record into the canonical stored form: sport
// classification, a human-readable title, a load score from the best
// available signal, and the provider payload retained verbatim.
func normalize(acct *model.Account, ra strava.Activity) model.Activity {
	sport := classifySport(ra.Type, ra.SportType)
	name := ra.Name
	if name == "" {
		name = defaultTitle(ra.StartDateLocal, sport)
	}

	raw, _ := json.Marshal(ra)
	return model.Activity{
		UserID:             acct.UserID,
		Provider:           acct.Provider,
		ProviderActivityID: ra.ID,
		Sport:              sport,
		Name:               name,
		StartDate:          ra.StartDate.UTC(),
		ElapsedTime:        ra.ElapsedTime,
		MovingTime:         ra.MovingTime,
		Distance:           ra.Distance,
		ElevationGain:      ra.TotalElevationGain,
		AverageWatts:       ra.AverageWatts,
		AverageHeartrate:   ra.AverageHeartrate,
		LoadScore:          loadScore(ra),
		RawPayload:         model.RawJSON(raw),
	}
}

func classifySport(activityType, sportType string) string {
	t := sportType
	if t == "" {
		t = activityType
	}
	switch t {
	case "Run", "TrailRun", "VirtualRun":
		return "run"
	case "Ride", "VirtualRide", "GravelRide", "MountainBikeRide", "EBikeRide":
		return "ride"
	case "Swim", "OpenWaterSwim":
		return "swim"
	case "Walk", "Hike":
		return "walk"
	case "WeightTraining", "Workout", "Crossfit":
		return "strength"
	case "Rowing", "VirtualRow":
		return "row"
	default:
		return strings.ToLower(t)
	}
}

func defaultTitle(startLocal time.Time, sport string) string {
	var period string
	switch h := startLocal.Hour(); {
	case h < 5:
		period = "night"
	case h < 12:
		period = "morning"
	case h < 17:
		period = "afternoon"
	default:
		period = "evening"
	}
	return titleCaser.String(fmt.Sprintf("%s %s", period, sport))
}

// loadScore computes the training-stress proxy from the richest signal the
// summary record carries: power, then heart rate, then duration/distance.
func loadScore(ra strava.Activity) float64 {
	seconds := ra.MovingTime
	if seconds == 0 {
		seconds = ra.ElapsedTime
	}
	hours := float64(seconds) / 3600

	var score float64
	switch {
	case ra.AverageWatts > 0:
		intensity := ra.AverageWatts / nominalFTP
		score = hours * intensity * intensity * 100
	case ra.AverageHeartrate > 0:
		intensity := ra.AverageHeartrate / nominalThresholdHR
		score = hours * intensity * intensity * 100
	default:
		score = hours*50 + ra.Distance/1000*1.5
	}

	if score < 0 {
		return 0
	}
	return score
}

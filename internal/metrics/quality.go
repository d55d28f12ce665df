package metrics

// Quality classifies a derived daily series for downstream consumers. It is
// an access-control gate, not an informational label: coaching and display
// consumers must refuse to act on an insufficient series.
type Quality string

const (
	QualityOK           Quality = "ok"
	QualityLimited      Quality = "limited"
	QualityInsufficient Quality = "insufficient"
)

// maxGapDays is the longest run of silent days tolerated inside the recent
// window before the series is demoted to limited.
const maxGapDays = 3

// AssessQuality grades an ordered daily load series (oldest first, one value
// per day, most recent day last).
func AssessQuality(series []float64) Quality {
	if len(series) < MutableWindowDays {
		return QualityInsufficient
	}

	recent := series
	if len(recent) > MutableWindowDays {
		recent = recent[len(recent)-MutableWindowDays:]
	}

	gap := 0
	for _, v := range recent {
		if v == 0 {
			gap++
			if gap > maxGapDays {
				return QualityLimited
			}
		} else {
			gap = 0
		}
	}

	return QualityOK
}

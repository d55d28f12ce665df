package model

import (
	"time"

	"github.com/jackc/pgtype"
	"gorm.io/gorm"
)

// Provider identifies the remote activity source. Only Strava for now.
const ProviderStrava = "strava"

// Account links a user to a remote provider and carries the sync state for
// that link. Credential columns hold ciphertext; the sync jobs and the
// credential refresher are the only writers.
type Account struct {
	gorm.Model
	UserID   int64  `gorm:"uniqueIndex:idx_accounts_user_provider"`
	Provider string `gorm:"uniqueIndex:idx_accounts_user_provider;type:varchar(32)"`

	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	TokenExpiry  *time.Time

	// ForwardCursor is the start time of the newest activity already synced;
	// nil means never synced. BackwardCursor marks the oldest point reached
	// by backfill; nil means backfill has not started.
	ForwardCursor   *time.Time
	BackwardCursor  *time.Time
	HistoryComplete bool

	SuccessCount   int64
	FailureCount   int64
	LastError      string `gorm:"type:text"`
	LastSyncAt     *time.Time
	LastActivityAt *time.Time
	NeedsReauth    bool
}

// Activity is one imported workout. The (user, provider, provider activity id)
// tuple is the natural key and is never mutated; LoadScore may be recomputed
// in place when stream data becomes available later.
type Activity struct {
	gorm.Model
	UserID             int64  `gorm:"uniqueIndex:idx_activities_natural_key"`
	Provider           string `gorm:"uniqueIndex:idx_activities_natural_key;type:varchar(32)"`
	ProviderActivityID int64  `gorm:"uniqueIndex:idx_activities_natural_key"`

	Sport            string `gorm:"type:varchar(32)"`
	Name             string
	StartDate        time.Time `gorm:"index"`
	ElapsedTime      int64
	MovingTime       int64
	Distance         float64
	ElevationGain    float64
	AverageWatts     float64
	AverageHeartrate float64

	LoadScore  float64
	RawPayload pgtype.JSONB `gorm:"type:jsonb;default:'{}'"`
}

// DailyLoad holds the derived training-load metrics for one user and one UTC
// calendar day. Rows older than the mutable window are never rewritten.
type DailyLoad struct {
	gorm.Model
	UserID int64     `gorm:"uniqueIndex:idx_daily_loads_user_day"`
	Day    time.Time `gorm:"uniqueIndex:idx_daily_loads_user_day;type:date"`

	ChronicLoad float64
	AcuteLoad   float64
	Balance     float64
}

// RawJSON wraps b for storage in a JSONB column.
func RawJSON(b []byte) pgtype.JSONB {
	j := pgtype.JSONB{}
	if len(b) == 0 {
		j.Status = pgtype.Null
		return j
	}
	_ = j.Set(b)
	return j
}

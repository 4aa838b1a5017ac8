package models

import (
	"time"
)

// Job states. A job only ever moves forward through these.
const (
	StateRejected    = "rejected"
	StatePending     = "pending"
	StateValidating  = "validating"
	StateTranscoding = "transcoding"
	StateDebiting    = "debiting"
	StateCompleted   = "completed"
	StateFailed      = "failed"
)

// IsTerminal reports whether a state admits no further transition.
func IsTerminal(state string) bool {
	switch state {
	case StateRejected, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Job represents one end-to-end transcode request.
type Job struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	InputPath    string    `json:"input_path"`
	OutputPath   string    `json:"output_path,omitempty"`
	AddWatermark bool      `json:"add_watermark"`
	State        string    `json:"state"`
	Percent      float64   `json:"percent"`
	DeliveredURL string    `json:"delivered_url,omitempty"`
	ThumbPath    string    `json:"thumb_path,omitempty"`
	Error        *string   `json:"error,omitempty"`
	FailureKind  string    `json:"failure_kind,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subscription tiers.
const (
	TierFree = "free"
	TierPaid = "paid"
)

// User is one account's entitlement record.
type User struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username,omitempty"`
	Tier                string     `json:"tier"`
	VideosLeft          int        `json:"videos_left"`
	SubscriptionExpires *time.Time `json:"subscription_expires,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// HasActiveSubscription reports whether the paid tier is still in effect.
func (u User) HasActiveSubscription(now time.Time) bool {
	if u.Tier != TierPaid {
		return false
	}
	return u.SubscriptionExpires == nil || u.SubscriptionExpires.After(now)
}

package models

import "time"

// GuardType selects which window and measure a rail guard evaluates.
type GuardType string

// Guard types.
const (
	GuardDailyCost   GuardType = "daily-cost"
	GuardMonthlyCost GuardType = "monthly-cost"
	GuardRateLimit   GuardType = "rate-limit"
)

// Valid reports whether the guard type is one of the known values.
func (t GuardType) Valid() bool {
	switch t {
	case GuardDailyCost, GuardMonthlyCost, GuardRateLimit:
		return true
	}
	return false
}

// GuardAction decides what happens when a guard's limit is exceeded.
type GuardAction string

// Guard actions. Throttle blocks like Block but signals the caller to retry
// later; Warn records the violation and lets the request proceed.
const (
	ActionBlock    GuardAction = "block"
	ActionThrottle GuardAction = "throttle"
	ActionWarn     GuardAction = "warn"
)

// Valid reports whether the action is one of the known values.
func (a GuardAction) Valid() bool {
	switch a {
	case ActionBlock, ActionThrottle, ActionWarn:
		return true
	}
	return false
}

// Blocks reports whether a violated guard with this action stops dispatch.
func (a GuardAction) Blocks() bool {
	return a == ActionBlock || a == ActionThrottle
}

// Guard is a spend or rate circuit breaker gating the whole system,
// independent of any single provider or credential. Ground truth for
// evaluation is always recomputed from the request ledger; CurrentValue is
// advisory only.
type Guard struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key; guards evaluate in creation order.

	Name   string      `gorm:"type:varchar(255);not null"` // Display name.
	Type   GuardType   `gorm:"type:varchar(32);not null"`  // Evaluation window/measure.
	Action GuardAction `gorm:"type:varchar(32);not null"`  // Action on violation.

	LimitValue   float64 `gorm:"type:decimal(20,10);not null"`           // Numeric limit (dollars or requests/minute).
	CurrentValue float64 `gorm:"type:decimal(20,10);not null;default:0"` // Advisory accumulator from the last check.

	IsEnabled bool `gorm:"not null;default:true"` // Disabled guards are skipped.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

package models

import "time"

// Request is one append-only ledger entry per routing attempt. Rejected
// requests keep nil provider/credential references. After completion only
// the terminal fields (cost, latency, success, error, completed-at) are
// written; nothing is ever mutated afterwards.
type Request struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)"` // Request UUID.
	RequestedAt time.Time `gorm:"not null;index"`              // Arrival time; drives guard windows.

	ProviderID   *string `gorm:"type:varchar(64);index"` // Chosen provider; nil if rejected.
	CredentialID *string `gorm:"type:varchar(64);index"` // Chosen credential; nil if rejected.

	EstimatedCostMicros int64 `gorm:"not null;default:0"` // Caller's cost estimate in micro-dollars.
	CostMicros          int64 `gorm:"not null;default:0"` // Realized cost in micro-dollars.
	LatencyMS           int64 `gorm:"not null;default:0"` // External call latency.

	Succeeded   bool       `gorm:"not null;default:false"` // Whether the external call succeeded.
	CompletedAt *time.Time `gorm:""`                       // Completion time; nil while in flight or rejected.
	ErrorDetail string     `gorm:"type:text"`              // Rejection reason or provider error.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Row creation timestamp.
}

// CostMicrosPerDollar converts between ledger micros and dollar amounts.
const CostMicrosPerDollar = 1_000_000

// DollarsToMicros converts a dollar amount to ledger micros.
func DollarsToMicros(v float64) int64 {
	if v <= 0 {
		return 0
	}
	return int64(v*CostMicrosPerDollar + 0.5)
}

// MicrosToDollars converts ledger micros to a dollar amount.
func MicrosToDollars(v int64) float64 {
	return float64(v) / CostMicrosPerDollar
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// CredentialStatus is the lifecycle state of a credential.
type CredentialStatus string

// Credential lifecycle states.
const (
	StatusActive      CredentialStatus = "active"
	StatusRateLimited CredentialStatus = "rate-limited"
	StatusError       CredentialStatus = "error"
	StatusRevoked     CredentialStatus = "revoked"
)

// Valid reports whether the status is one of the known values.
func (s CredentialStatus) Valid() bool {
	switch s {
	case StatusActive, StatusRateLimited, StatusError, StatusRevoked:
		return true
	}
	return false
}

// allowedTransitions maps each status to the set of statuses it may move to.
// Revoked is terminal.
var allowedTransitions = map[CredentialStatus]map[CredentialStatus]struct{}{
	StatusActive: {
		StatusRateLimited: {},
		StatusError:       {},
		StatusRevoked:     {},
	},
	StatusRateLimited: {
		StatusActive:  {},
		StatusRevoked: {},
	},
	StatusError: {
		StatusRevoked: {},
	},
	StatusRevoked: {},
}

// CanTransitionTo reports whether the state machine permits moving from s to next.
func (s CredentialStatus) CanTransitionTo(next CredentialStatus) bool {
	targets, ok := allowedTransitions[s]
	if !ok {
		return false
	}
	_, ok = targets[next]
	return ok
}

// Credential binds one set of secret material to a provider, with its own
// usage counters, quota, and lifecycle status.
type Credential struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`     // Credential UUID.
	ProviderID string `gorm:"type:varchar(64);not null;index"` // Owning provider.

	Secret          string `gorm:"type:text;not null"` // Primary secret value.
	SecondarySecret string `gorm:"type:text"`          // Paired secret for composite credentials (e.g. SID+token).

	Label string         `gorm:"type:varchar(255)"` // Human label.
	Tags  datatypes.JSON `gorm:"type:jsonb"`        // Free-form tag list.

	UsageThisMonth int64   `gorm:"not null;default:0"`                     // Requests served this calendar month.
	CostThisMonth  float64 `gorm:"type:decimal(20,10);not null;default:0"` // Dollars spent this calendar month.
	QuotaLimit     float64 `gorm:"type:decimal(20,10);not null;default:0"` // Monthly quota ceiling; 0 means unlimited.
	QuotaUsed      float64 `gorm:"type:decimal(20,10);not null;default:0"` // Quota consumed this calendar month.

	Status       CredentialStatus `gorm:"type:varchar(32);not null;index"` // Lifecycle status.
	StatusReason string           `gorm:"type:text"`                       // Reason recorded on the last transition.

	RateLimitResetAt *time.Time `gorm:""`      // Cool-down expiry; non-null while rate-limited.
	LastUsedAt       *time.Time `gorm:"index"` // Last time usage was recorded.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp; oldest wins routing ties.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}

// RemainingQuota returns the quota still available, or -1 when unlimited.
func (c *Credential) RemainingQuota() float64 {
	if c.QuotaLimit <= 0 {
		return -1
	}
	left := c.QuotaLimit - c.QuotaUsed
	if left < 0 {
		return 0
	}
	return left
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// ProviderCategory classifies a provider's primary capability.
type ProviderCategory string

// Known provider categories.
const (
	CategorySMS     ProviderCategory = "sms"
	CategoryEmail   ProviderCategory = "email"
	CategoryAI      ProviderCategory = "ai"
	CategorySocial  ProviderCategory = "social"
	CategoryStorage ProviderCategory = "storage"
	CategoryOther   ProviderCategory = "other"
)

// Valid reports whether the category is one of the known values.
func (c ProviderCategory) Valid() bool {
	switch c {
	case CategorySMS, CategoryEmail, CategoryAI, CategorySocial, CategoryStorage, CategoryOther:
		return true
	}
	return false
}

// Provider describes a third-party API vendor known to the keeper.
// Identity fields never change after creation; health fields are refreshed
// by upserts and scheduler ticks.
type Provider struct {
	ID   string `gorm:"primaryKey;type:varchar(64)"` // Stable provider identifier.
	Name string `gorm:"type:varchar(255);not null"`  // Display name.

	Category ProviderCategory `gorm:"type:varchar(32);not null;index"` // Capability category.
	Features datatypes.JSON   `gorm:"type:jsonb"`                      // Feature name list.

	FreeTierRequests int64   `gorm:"not null;default:0"`                    // Monthly free-tier request allowance.
	PricePerRequest  float64 `gorm:"type:decimal(20,10);not null;default:0"` // Pay-per-use rate in dollars.

	Reliability float64 `gorm:"type:decimal(10,4);not null;default:0"` // Reliability score, 0..1.
	Quality     float64 `gorm:"type:decimal(10,4);not null;default:0"` // Quality score, 0..1.
	LatencyMS   int64   `gorm:"not null;default:0"`                    // Typical latency in milliseconds.

	DiscoveredAt  time.Time `gorm:"not null"` // When the provider entered the registry.
	LastCheckedAt time.Time `gorm:"not null"` // Last health refresh.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

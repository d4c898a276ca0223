package models

import "time"

// Setting keys used by the keeper.
const (
	SettingLastTickAt = "scheduler.last_tick_at"
)

// Setting is a simple key/value row for keeper bookkeeping.
type Setting struct {
	Key   string `gorm:"primaryKey;type:varchar(128)"` // Setting key.
	Value string `gorm:"type:text"`                    // Setting value.

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

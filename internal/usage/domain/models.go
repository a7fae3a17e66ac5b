// Package domain contains the period-scoped usage counters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PeriodLayout formats usage periods as calendar months.
const PeriodLayout = "2006-01"

// UsageRecord counts consumption of one feature by one subscription during one period.
type UsageRecord struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_usage_records_key" json:"subscription_id"`
	FeatureKey     string       `gorm:"not null;size:100;uniqueIndex:ux_usage_records_key" json:"feature_key"`
	Period         string       `gorm:"not null;size:7;uniqueIndex:ux_usage_records_key" json:"period"`
	Usage          int64        `gorm:"column:usage_count;not null;default:0" json:"usage"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// Period returns the usage period containing t, in UTC.
func Period(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// ValidPeriod reports whether value is a well-formed period identifier.
func ValidPeriod(value string) bool {
	_, err := time.Parse(PeriodLayout, value)
	return err == nil
}

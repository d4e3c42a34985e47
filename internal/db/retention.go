package db

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// PurgeExpiredEvents performs a single pass of retention cleanup,
// deleting any events whose ExpiresAt is in the past.
func PurgeExpiredEvents(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).Delete(&Event{})
	return res.RowsAffected, res.Error
}

// EventExpiry computes the ExpiresAt stamp for an event ingested under a
// project with the given retention. Non-positive retention means no expiry.
func EventExpiry(occurredAt time.Time, retentionDays int) *time.Time {
	if retentionDays <= 0 {
		return nil
	}
	t := occurredAt.UTC().Add(time.Duration(retentionDays) * 24 * time.Hour)
	return &t
}

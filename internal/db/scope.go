package db

import (
	"gorm.io/gorm"

	"apmingest/internal/tenant"
)

// Scoped restricts q to rows owned by the tenant. Every tenant-owned table
// carries both account_id and project_id.
func Scoped(q *gorm.DB, tc tenant.Context) *gorm.DB {
	return q.Where("account_id = ? AND project_id = ?", tc.AccountID, tc.ProjectID)
}


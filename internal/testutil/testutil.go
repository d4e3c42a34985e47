// Package testutil provides shared test helpers.
package testutil

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"apmingest/internal/db"
	"apmingest/internal/tenant"
)

// Logger returns a logger that writes through t.Log at warn level and above.
func Logger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t, zaptest.Level(zap.WarnLevel))
}

// DB creates a migrated SQLite database in the test's temp dir.
func DB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "apm-test.db")
	gdb, err := db.Open("sqlite://" + path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// Project creates an account/project pair and returns the project, its raw
// token and tenant scope.
func Project(t *testing.T, gdb *gorm.DB, account, name string) (*db.Project, string, tenant.Context) {
	t.Helper()

	p, token, err := db.CreateProject(gdb, account, name, 30)
	if err != nil {
		t.Fatalf("creating project: %v", err)
	}
	return p, token, p.Tenant()
}

package db

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"apmingest/internal/config"
)

// Connect opens the database named by APP_DATABASE_URL and migrates it.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required")
	}
	db, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Open opens a postgres:// or sqlite:// (file:) database without migrating.
func Open(dsn string) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	switch config.DatabaseDriver(dsn) {
	case "postgres":
		// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
		// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
		gcfg.PrepareStmt = true
		db, err := gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, errors.Wrap(err, "opening postgres")
		}
		return db, nil
	case "sqlite":
		path := strings.TrimPrefix(dsn, "sqlite://")
		if !strings.Contains(path, "?") {
			path += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
		}
		db, err := gorm.Open(sqlite.Open(path), gcfg)
		if err != nil {
			return nil, errors.Wrap(err, "opening sqlite")
		}
		// SQLite has a single writer; one connection keeps transactions serialized.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
	return nil, errors.Errorf("unsupported database url %q", dsn)
}

// Migrate auto-migrates every table the pipeline uses.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&User{},
		&Account{},
		&Project{},
		&Issue{},
		&Event{},
		&Release{},
		&PerfRollup{},
		&SqlFingerprint{},
		&PerformanceIncident{},
		&PerfBaseline{},
		&AlertRule{},
		&AlertCooldown{},
		&AlertNotification{},
	)
	return errors.Wrap(err, "auto-migrating schema")
}

// EnsureBootstrapAdmin makes sure there is at least one admin user
// corresponding to the bootstrap credentials in config. If a user with
// that username already exists, it is left as-is.
func EnsureBootstrapAdmin(db *gorm.DB, cfg *config.Config) error {
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil
	}

	var count int64
	if err := db.Model(&User{}).Where("username = ?", cfg.AdminUser).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	admin := &User{
		Username:     cfg.AdminUser,
		PasswordHash: string(hash),
		IsAdmin:      true,
	}

	return db.Create(admin).Error
}

// AuthenticateAdmin returns the admin user matching the credentials.
func AuthenticateAdmin(db *gorm.DB, username, password string) (*User, error) {
	var user User
	if err := db.Where("username = ? AND is_admin = ?", username, true).First(&user).Error; err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, err
	}
	return &user, nil
}

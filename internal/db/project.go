package db

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apmingest/internal/tenant"
)

// Account is the tenant: the isolation boundary for all data access.
type Account struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Name string `gorm:"uniqueIndex;size:128;not null"`
}

// Project is an application reporting into an account. Clients
// authenticate with the project's opaque token; only its hash is stored.
type Project struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time
	UpdatedAt time.Time

	AccountID uint    `gorm:"index;not null"`
	Account   Account `gorm:"foreignKey:AccountID"`

	Name string `gorm:"size:128;not null"`

	// TokenHash is the hex SHA-256 of the bearer token.
	TokenHash string `gorm:"uniqueIndex;size:64;not null"`
	// TokenPrefix keeps the first characters of the token for display.
	TokenPrefix string `gorm:"size:16;not null"`

	Active bool `gorm:"not null"`

	// RetentionDays is how long events are kept. 0 means the global default.
	RetentionDays int `gorm:"not null;default:0"`
}

// Tenant returns the scope for work done on behalf of this project.
func (p *Project) Tenant() tenant.Context {
	return tenant.New(p.AccountID, p.ID)
}

// HashToken returns the stored form of a project token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "apm_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// FindProjectByToken looks a project up by its raw token. Returns
// gorm.ErrRecordNotFound when no project matches.
func FindProjectByToken(db *gorm.DB, token string) (*Project, error) {
	var p Project
	if err := db.Where("token_hash = ?", HashToken(token)).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject creates (or reuses) the named account, creates a project
// in it with a fresh token and seeds the default alert rules. The raw token
// is returned once and never stored.
func CreateProject(db *gorm.DB, accountName, projectName string, retentionDays int) (*Project, string, error) {
	if accountName == "" || projectName == "" {
		return nil, "", errors.New("account and project name are required")
	}
	token, err := generateToken()
	if err != nil {
		return nil, "", errors.Wrap(err, "generating project token")
	}

	var project Project
	err = db.Transaction(func(tx *gorm.DB) error {
		account := Account{Name: accountName}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&account).Error; err != nil {
			return err
		}
		if err := tx.Where("name = ?", accountName).First(&account).Error; err != nil {
			return err
		}

		project = Project{
			AccountID:     account.ID,
			Name:          projectName,
			TokenHash:     HashToken(token),
			TokenPrefix:   token[:12],
			Active:        true,
			RetentionDays: retentionDays,
		}
		if err := tx.Create(&project).Error; err != nil {
			return err
		}
		rules := DefaultAlertRules(project.Tenant())
		return tx.Create(&rules).Error
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "creating project")
	}
	return &project, token, nil
}

// DefaultAlertRules are seeded into every new project.
func DefaultAlertRules(tc tenant.Context) []AlertRule {
	base := AlertRule{AccountID: tc.AccountID, ProjectID: tc.ProjectID, Enabled: true, Channel: "log"}

	newIssue := base
	newIssue.Name = "New issue"
	newIssue.RuleType = RuleNewIssue
	newIssue.CooldownMinutes = 0

	frequency := base
	frequency.Name = "Error spike"
	frequency.RuleType = RuleErrorFrequency
	frequency.ThresholdValue = 100
	frequency.TimeWindowMinutes = 60
	frequency.CooldownMinutes = 60

	regression := base
	regression.Name = "Performance regression"
	regression.RuleType = RulePerformanceRegression
	regression.CooldownMinutes = 30

	nplusone := base
	nplusone.Name = "N+1 query"
	nplusone.RuleType = RuleNPlusOne
	nplusone.ThresholdValue = 3
	nplusone.CooldownMinutes = 24 * 60

	return []AlertRule{newIssue, frequency, regression, nplusone}
}

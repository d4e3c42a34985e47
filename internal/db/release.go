package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"apmingest/internal/tenant"
)

// ErrReleaseExists is returned when the (version, environment) pair is
// already registered for the project.
var ErrReleaseExists = errors.New("release already exists")

// CreateRelease registers a deploy. Registration is idempotent on
// (project, version, environment): a repeat returns ErrReleaseExists.
func CreateRelease(ctx context.Context, db *gorm.DB, tc tenant.Context, version, environment, commitSHA string, releasedAt time.Time) (*Release, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	rel := &Release{
		AccountID:   tc.AccountID,
		ProjectID:   tc.ProjectID,
		Version:     version,
		Environment: environment,
		CommitSHA:   commitSHA,
		ReleasedAt:  releasedAt.UTC(),
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rel)
	if res.Error != nil {
		return nil, errors.Wrap(res.Error, "creating release")
	}
	if res.RowsAffected == 0 {
		return nil, ErrReleaseExists
	}
	return rel, nil
}

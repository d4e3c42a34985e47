// Package tenant carries the explicit account/project scope that every
// aggregation and query call receives. It is never stored in globals.
package tenant

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrMissing is returned when a unit of work has no tenant scope.
var ErrMissing = errors.New("tenant context missing")

// Context identifies the tenant (account) and project a unit of work acts on.
type Context struct {
	AccountID uint `json:"account_id"`
	ProjectID uint `json:"project_id"`
}

// New builds a Context.
func New(accountID, projectID uint) Context {
	return Context{AccountID: accountID, ProjectID: projectID}
}

// Validate reports ErrMissing when either id is unset.
func (c Context) Validate() error {
	if c.AccountID == 0 || c.ProjectID == 0 {
		return ErrMissing
	}
	return nil
}

func (c Context) String() string {
	return fmt.Sprintf("account=%d project=%d", c.AccountID, c.ProjectID)
}

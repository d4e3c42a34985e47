package ctx

import (
	"github.com/valyala/fasthttp"

	dbpkg "apmingest/internal/db"
	"apmingest/internal/tenant"
)

const (
	ProjectKey = "project"
	TenantKey  = "tenant"
	UserKey    = "user"
)

// SetProject stores the authenticated project and its tenant scope.
func SetProject(ctx *fasthttp.RequestCtx, project *dbpkg.Project) {
	ctx.SetUserValue(ProjectKey, project)
	ctx.SetUserValue(TenantKey, project.Tenant())
}

func ProjectFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.Project, bool) {
	v := ctx.UserValue(ProjectKey)
	if v == nil {
		return nil, false
	}
	p, ok := v.(*dbpkg.Project)
	return p, ok && p != nil
}

// TenantFromCtx returns the request's tenant scope. It is only present
// behind the project auth middleware.
func TenantFromCtx(ctx *fasthttp.RequestCtx) (tenant.Context, bool) {
	v := ctx.UserValue(TenantKey)
	if v == nil {
		return tenant.Context{}, false
	}
	tc, ok := v.(tenant.Context)
	return tc, ok && tc.Validate() == nil
}

func SetUser(ctx *fasthttp.RequestCtx, user *dbpkg.User) {
	ctx.SetUserValue(UserKey, user)
}

func UserFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.User, bool) {
	v := ctx.UserValue(UserKey)
	if v == nil {
		return nil, false
	}
	u, ok := v.(*dbpkg.User)
	return u, ok && u != nil
}

package handlers

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	dbpkg "apmingest/internal/db"
	"apmingest/internal/http/apierr"
)

// CreateAdmin adds an operator allowed to call the admin API.
func CreateAdmin(db *gorm.DB) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		raw, ok := parseObject(ctx)
		if !ok {
			return
		}
		username := strings.TrimSpace(stringField(raw, "username"))
		password := stringField(raw, "password")
		if username == "" || len(password) < 8 {
			apierr.Write(ctx, fasthttp.StatusUnprocessableEntity, apierr.ValidationFailed,
				"username and a password of at least 8 characters required", nil)
			return
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to hash password", nil)
			return
		}
		user := &dbpkg.User{Username: username, PasswordHash: string(hash), IsAdmin: true}
		if err := db.WithContext(ctx).Create(user).Error; err != nil {
			apierr.Write(ctx, fasthttp.StatusConflict, apierr.Conflict, "username may already exist", nil)
			return
		}
		jsonResponse(ctx, fasthttp.StatusCreated, map[string]any{"id": user.ID, "username": user.Username})
	}
}

// DeleteAdmin removes an operator. The bootstrap admin cannot be removed.
func DeleteAdmin(db *gorm.DB, bootstrapUser string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id, ok := parseID(ctx, "id")
		if !ok {
			return
		}
		var user dbpkg.User
		if err := db.WithContext(ctx).First(&user, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				apierr.Write(ctx, fasthttp.StatusNotFound, apierr.NotFound, "user not found", nil)
				return
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "database error", nil)
			return
		}
		if user.Username == bootstrapUser {
			apierr.Write(ctx, fasthttp.StatusForbidden, apierr.Forbidden, "cannot delete bootstrap admin user", nil)
			return
		}
		if err := db.WithContext(ctx).Delete(&user).Error; err != nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError, apierr.ProcessingError, "failed to delete user", nil)
			return
		}
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/infergate/gateway/internal/config"
	"github.com/infergate/gateway/internal/database"
)

// EnsureDefaultAdmin creates the configured admin account when absent. The
// admin user must exist at boot and can never be deleted; a seeding failure is
// logged but does not abort startup.
func EnsureDefaultAdmin(ctx context.Context, users *database.UserRepo, admin config.DefaultAdmin) {
	_, err := users.GetByUsername(ctx, admin.Username)
	if err == nil {
		return
	}
	if !errors.Is(err, database.ErrNotFound) {
		slog.Error("auth: admin lookup failed, skipping seed", "error", err)
		return
	}

	hash, err := HashPassword(admin.Password)
	if err != nil {
		slog.Error("auth: cannot hash default admin password", "error", err)
		return
	}
	_, err = users.Create(ctx, &database.User{
		Username:     admin.Username,
		PasswordHash: hash,
		Scopes:       []string{ScopeAdmin},
	})
	if err != nil {
		slog.Error("auth: default admin seed failed", "error", err)
		return
	}
	slog.Info("auth: seeded default admin", "username", admin.Username)
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openinfer/modelfront/internal/config"
	"github.com/openinfer/modelfront/internal/service"
)

// EnsureDefaultAdmin creates the seeded admin account when it does not exist
// yet. An existing row is left untouched so operator password changes
// survive restarts.
func EnsureDefaultAdmin(ctx context.Context, users service.UserStorer, admin config.DefaultAdmin) error {
	if admin.Username == "" {
		admin.Username = "admin"
	}

	if _, err := users.GetUser(ctx, admin.Username); err == nil {
		return nil
	} else if !errors.Is(err, service.ErrNotFound) {
		return fmt.Errorf("check default admin: %w", err)
	}

	if admin.Password == "" {
		return fmt.Errorf("default admin password is not configured")
	}

	hash, err := HashPassword(admin.Password)
	if err != nil {
		return err
	}

	scopes := ValidScopes(admin.Scopes)
	if len(scopes) == 0 {
		scopes = []string{ScopeAdmin}
	}

	if _, err := users.CreateUser(ctx, service.User{
		Username:     admin.Username,
		Email:        admin.Email,
		PasswordHash: hash,
		Scopes:       scopes,
	}); err != nil {
		return fmt.Errorf("create default admin: %w", err)
	}

	slog.Info("seeded default admin user", "username", admin.Username)

	return nil
}

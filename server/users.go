package server

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// UserStore authenticates resource-owner credentials.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*User, bool, error)
}

// UserRegistry is a configuration-backed UserStore.
type UserRegistry struct {
	users map[string]*User
}

// NewUserRegistry builds the registry from configuration.
func NewUserRegistry(cfgs []UserConfig) (*UserRegistry, error) {
	users := make(map[string]*User, len(cfgs))
	for _, cfg := range cfgs {
		if cfg.Username == "" {
			return nil, errors.New("username required")
		}
		users[cfg.Username] = &User{
			ID:           cfg.ID,
			Username:     cfg.Username,
			PasswordHash: cfg.PasswordHash,
			Disabled:     cfg.Disabled,
		}
	}
	return &UserRegistry{users: users}, nil
}

// GetUser retrieves a user by username.
func (ur *UserRegistry) GetUser(_ context.Context, username string) (*User, bool, error) {
	user, ok := ur.users[username]
	return user, ok, nil
}

// AuthenticateUser verifies resource-owner credentials against the
// store. Failures are reported as access_denied: at the consent step a
// bad password is a recoverable authorization outcome, not a fault.
func AuthenticateUser(ctx context.Context, store UserStore, username, password string) (*User, error) {
	user, ok, err := store.GetUser(ctx, username)
	if err != nil {
		return nil, oauthErr(ErrServerError, "user lookup failed")
	}
	if !ok || user.Disabled {
		return nil, oauthErr(ErrAccessDenied, "resource owner authentication failed")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, oauthErr(ErrAccessDenied, "resource owner authentication failed")
	}
	return user, nil
}

// Package auth resolves the caller of a backend request to a user.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MattCruikshank/sokoni/internal/models"
)

// DefaultCookieName is the session cookie the development backend reads.
const DefaultCookieName = "sokoni_session"

// ErrNoIdentity is returned when a request carries no usable credential.
var ErrNoIdentity = errors.New("request carries no identity")

// contextKey is a custom type for context keys.
type contextKey string

const userContextKey contextKey = "user"

// Authenticator extracts the calling user from an HTTP request.
type Authenticator interface {
	GetUser(ctx context.Context, r *http.Request) (*models.User, error)
}

// UserLookup finds a known user by ID. A nil user means there is none.
type UserLookup interface {
	GetUser(id string) (*models.User, error)
}

// CookieAuthenticator trusts a session cookie whose value is a user ID. It is
// meant for local development, where the marketplace login is not available.
type CookieAuthenticator struct {
	name  string
	users UserLookup
}

// NewCookieAuthenticator reads cookie name, or DefaultCookieName when empty.
func NewCookieAuthenticator(name string, users UserLookup) *CookieAuthenticator {
	if name == "" {
		name = DefaultCookieName
	}
	return &CookieAuthenticator{name: name, users: users}
}

// GetUser resolves the session cookie to a stored user.
func (a *CookieAuthenticator) GetUser(ctx context.Context, r *http.Request) (*models.User, error) {
	cookie, err := r.Cookie(a.name)
	if err != nil || cookie.Value == "" {
		return nil, ErrNoIdentity
	}
	user, err := a.users.GetUser(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("unknown user %q: %w", cookie.Value, ErrNoIdentity)
	}
	return user, nil
}

// Middleware wraps an HTTP handler and adds the user to the context.
func Middleware(a Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.GetUser(r.Context(), r)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

// WithUser returns a context carrying user.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the user from the request context.
func UserFromContext(ctx context.Context) *models.User {
	user, ok := ctx.Value(userContextKey).(*models.User)
	if !ok {
		return nil
	}
	return user
}

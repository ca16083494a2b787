package auth

import (
	"context"
	"fmt"
	"net/http"

	"tailscale.com/client/tailscale"
	"tailscale.com/client/tailscale/apitype"

	"github.com/MattCruikshank/sokoni/internal/models"
)

// UserStore records users seen on the tailnet.
type UserStore interface {
	UpsertUser(u *models.User) error
}

// WhoIsClient resolves a remote address to a tailnet identity.
type WhoIsClient interface {
	WhoIs(ctx context.Context, remoteAddr string) (*apitype.WhoIsResponse, error)
}

var _ WhoIsClient = (*tailscale.LocalClient)(nil)

// TailscaleAuthenticator identifies callers by their tailnet identity.
type TailscaleAuthenticator struct {
	lc    WhoIsClient
	users UserStore
}

// NewTailscaleAuthenticator creates an authenticator backed by lc. When users
// is not nil every identified caller is recorded so conversations can refer
// to them.
func NewTailscaleAuthenticator(lc WhoIsClient, users UserStore) *TailscaleAuthenticator {
	return &TailscaleAuthenticator{lc: lc, users: users}
}

// GetUser extracts the Tailscale user from an HTTP request.
func (a *TailscaleAuthenticator) GetUser(ctx context.Context, r *http.Request) (*models.User, error) {
	who, err := a.lc.WhoIs(ctx, r.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to get caller identity: %w", err)
	}

	if who == nil || who.UserProfile == nil {
		return nil, fmt.Errorf("no user profile for caller: %w", ErrNoIdentity)
	}

	user := &models.User{
		ID:          fmt.Sprintf("%d", who.UserProfile.ID),
		LoginName:   who.UserProfile.LoginName,
		DisplayName: who.UserProfile.DisplayName,
		ProfilePic:  who.UserProfile.ProfilePicURL,
	}
	if a.users != nil {
		if err := a.users.UpsertUser(user); err != nil {
			return nil, fmt.Errorf("failed to record user: %w", err)
		}
	}
	return user, nil
}

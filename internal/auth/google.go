package auth

import (
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderGoogle   = "google"
	googleAPIBaseURL = "https://www.googleapis.com"
)

// Google logs users in with their Google account.
type Google struct {
	base
}

// NewGoogle builds the Google provider.
func NewGoogle(clientID, clientSecret, redirectURL string, opts ...Option) *Google {
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"https://www.googleapis.com/auth/userinfo.email",
			"https://www.googleapis.com/auth/userinfo.profile",
		},
		Endpoint: endpoints.Google,
	}
	return &Google{base: newBase(ProviderGoogle, config, googleAPIBaseURL, opts)}
}

type googleUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Exchange completes the login. Unverified Google emails are refused.
func (g *Google) Exchange(ctx context.Context, code string) (*Identity, error) {
	token, client, err := g.exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	var user googleUser
	if err := g.getJSON(ctx, client, "/oauth2/v2/userinfo", &user); err != nil {
		return nil, err
	}
	if user.Email == "" || !user.VerifiedEmail {
		return nil, ErrNoVerifiedEmail
	}

	return &Identity{
		Provider:      ProviderGoogle,
		AccountID:     user.ID,
		Email:         user.Email,
		EmailVerified: true,
		Name:          user.Name,
		AvatarURL:     user.Picture,
		AccessToken:   token.AccessToken,
		Scope:         tokenScope(token),
	}, nil
}

package auth

import (
	"context"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderGitHub   = "github"
	githubAPIBaseURL = "https://api.github.com"
)

// GitHub logs users in with their GitHub account.
type GitHub struct {
	base
}

// NewGitHub builds the GitHub provider.
func NewGitHub(clientID, clientSecret, redirectURL string, opts ...Option) *GitHub {
	config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"read:user", "user:email"},
		Endpoint:     endpoints.GitHub,
	}
	return &GitHub{base: newBase(ProviderGitHub, config, githubAPIBaseURL, opts)}
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Exchange completes the login. GitHub only shows a public email on /user, so
// /user/emails is consulted for the primary verified address when it is empty.
func (g *GitHub) Exchange(ctx context.Context, code string) (*Identity, error) {
	token, client, err := g.exchange(ctx, code)
	if err != nil {
		return nil, err
	}

	var user githubUser
	if err := g.getJSON(ctx, client, "/user", &user); err != nil {
		return nil, err
	}

	email, verified := user.Email, user.Email != ""
	if email == "" {
		var emails []githubEmail
		if err := g.getJSON(ctx, client, "/user/emails", &emails); err != nil {
			return nil, err
		}
		email = pickGitHubEmail(emails)
		verified = email != ""
	}
	if email == "" {
		return nil, ErrNoVerifiedEmail
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}

	return &Identity{
		Provider:      ProviderGitHub,
		AccountID:     strconv.FormatInt(user.ID, 10),
		Email:         email,
		EmailVerified: verified,
		Name:          name,
		AvatarURL:     user.AvatarURL,
		AccessToken:   token.AccessToken,
		Scope:         tokenScope(token),
	}, nil
}

func pickGitHubEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email
		}
	}
	return ""
}

package models

import "time"

// Theme is the colour scheme a user prefers.
type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

// Valid reports whether t is one of the supported themes.
func (t Theme) Valid() bool {
	switch t {
	case ThemeLight, ThemeDark, ThemeSystem:
		return true
	}
	return false
}

// User is an account created on the first successful social login.
type User struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	Name              *string   `json:"name,omitempty"`
	AvatarURL         *string   `json:"avatar_url,omitempty"`
	Provider          *string   `json:"provider,omitempty"`
	ProviderAccountID *string   `json:"provider_account_id,omitempty"`
	StripeCustomerID  *string   `json:"stripe_customer_id,omitempty"`
	Theme             Theme     `json:"theme"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewUser carries the fields accepted when creating a user. Provider and
// ProviderAccountID must be supplied together.
type NewUser struct {
	Email             string
	Name              *string
	AvatarURL         *string
	Provider          *string
	ProviderAccountID *string
	StripeCustomerID  *string
}

// UserUpdate is a partial update. Nil fields are left unchanged.
type UserUpdate struct {
	Email            *string
	Name             *string
	AvatarURL        *string
	StripeCustomerID *string
	Theme            *Theme
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.Email == nil && u.Name == nil && u.AvatarURL == nil && u.StripeCustomerID == nil && u.Theme == nil
}

// OAuthCredential stores the provider token captured at login.
type OAuthCredential struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	Provider          string    `json:"provider"`
	ProviderAccountID string    `json:"provider_account_id"`
	AccessToken       string    `json:"-"`
	Scope             string    `json:"scope"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UserInclude selects which related records GetUserByID loads.
type UserInclude uint8

const (
	IncludeSubscription UserInclude = 1 << iota
	IncludeCredentials
)

// Has reports whether flag is set.
func (i UserInclude) Has(flag UserInclude) bool {
	return i&flag != 0
}

// UserDetail is a user plus whichever relations were requested.
type UserDetail struct {
	User
	Subscription *Subscription     `json:"subscription"`
	Credentials  []OAuthCredential `json:"credentials,omitempty"`
}

// DeletePolicy decides what happens to a user's subscription on account deletion.
type DeletePolicy string

const (
	DeletePolicyCascade DeletePolicy = "cascade"
	DeletePolicyReject  DeletePolicy = "reject"
)

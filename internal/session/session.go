// Package session keeps the signed-in user behind an opaque cookie token.
package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrStateMismatch   = errors.New("session: oauth state mismatch")
)

const stateCookiePrefix = "__oauth_state_"

// Record is what a store keeps for each token.
type Record struct {
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists session records by token.
type Store interface {
	Save(ctx context.Context, token string, rec Record, ttl time.Duration) error
	Load(ctx context.Context, token string) (Record, error)
	Delete(ctx context.Context, token string) error
	// DeleteByUser removes every session belonging to userID.
	DeleteByUser(ctx context.Context, userID int64) error
}

// Config controls the session cookie.
type Config struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

// Manager issues, resolves and revokes sessions.
type Manager struct {
	store  Store
	config Config
	now    func() time.Time
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.CookieName == "" {
		cfg.CookieName = "__session"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	return &Manager{store: store, config: cfg, now: time.Now}
}

// Create starts a session for userID and sets the cookie on w.
func (m *Manager) Create(ctx context.Context, w http.ResponseWriter, userID int64) error {
	token, err := newToken()
	if err != nil {
		return err
	}

	now := m.now().UTC()
	rec := Record{UserID: userID, CreatedAt: now, ExpiresAt: now.Add(m.config.TTL)}
	if err := m.store.Save(ctx, token, rec, m.config.TTL); err != nil {
		return err
	}

	http.SetCookie(w, m.cookie(m.config.CookieName, token, int(m.config.TTL.Seconds())))
	return nil
}

// UserID resolves the signed-in user for r.
func (m *Manager) UserID(r *http.Request) (int64, error) {
	c, err := r.Cookie(m.config.CookieName)
	if err != nil || c.Value == "" {
		return 0, ErrSessionNotFound
	}

	rec, err := m.store.Load(r.Context(), c.Value)
	if err != nil {
		return 0, err
	}
	if rec.Expired(m.now()) {
		_ = m.store.Delete(r.Context(), c.Value)
		return 0, ErrSessionNotFound
	}
	return rec.UserID, nil
}

// Destroy revokes the session carried by r, if any, and clears the cookie.
// It is safe to call without a session, and the cookie is cleared even when
// the store delete fails.
func (m *Manager) Destroy(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	http.SetCookie(w, m.cookie(m.config.CookieName, "", -1))
	if c, err := r.Cookie(m.config.CookieName); err == nil && c.Value != "" {
		return m.store.Delete(ctx, c.Value)
	}
	return nil
}

// DestroyUser revokes every session of userID, on every device, and clears
// the cookie on w.
func (m *Manager) DestroyUser(ctx context.Context, w http.ResponseWriter, userID int64) error {
	http.SetCookie(w, m.cookie(m.config.CookieName, "", -1))
	return m.store.DeleteByUser(ctx, userID)
}

// SetState remembers the OAuth state for provider in a short-lived cookie.
func (m *Manager) SetState(w http.ResponseWriter, provider, state string) {
	http.SetCookie(w, m.cookie(stateCookiePrefix+provider, state, int((10*time.Minute).Seconds())))
}

// ConsumeState checks state against the cookie written by SetState and clears it.
func (m *Manager) ConsumeState(w http.ResponseWriter, r *http.Request, provider, state string) error {
	name := stateCookiePrefix + provider
	c, err := r.Cookie(name)
	http.SetCookie(w, m.cookie(name, "", -1))
	if err != nil || c.Value == "" || state == "" {
		return ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(c.Value), []byte(state)) != 1 {
		return ErrStateMismatch
	}
	return nil
}

func (m *Manager) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

type userIDKey struct{}

// WithUserID stores the signed-in user on ctx.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// UserIDFromContext returns the user stored by WithUserID.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey{}).(int64)
	return id, ok && id > 0
}

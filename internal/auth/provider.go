// Package auth implements the social login providers. Each provider turns an
// OAuth authorization code into an Identity.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var (
	ErrUnknownProvider = errors.New("auth: unknown provider")
	ErrInvalidCode     = errors.New("auth: invalid authorization code")
	ErrNoVerifiedEmail = errors.New("auth: provider account has no verified email")
)

// Identity is the account a provider vouches for.
type Identity struct {
	Provider      string
	AccountID     string
	Email         string
	EmailVerified bool
	Name          string
	AvatarURL     string
	AccessToken   string
	Scope         string
}

// Provider is a social login provider.
type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// Registry looks providers up by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry returns a registry holding providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider or ErrUnknownProvider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GenerateState returns a random, URL-safe OAuth state value.
func GenerateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// base holds what GitHub and Google share.
type base struct {
	name       string
	config     *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

// Option customises a provider.
type Option func(*base)

// WithEndpoint overrides the OAuth2 authorize and token URLs.
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(b *base) {
		b.config.Endpoint = endpoint
	}
}

// WithAPIBaseURL overrides where profile data is fetched from.
func WithAPIBaseURL(apiBaseURL string) Option {
	return func(b *base) {
		b.apiBaseURL = strings.TrimRight(apiBaseURL, "/")
	}
}

// WithHTTPClient replaces the HTTP client used for token exchange and profile calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(b *base) {
		b.httpClient = hc
	}
}

func newBase(name string, config *oauth2.Config, apiBaseURL string, opts []Option) base {
	b := base{
		name:       name,
		config:     config,
		apiBaseURL: apiBaseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

func (b *base) Name() string {
	return b.name
}

func (b *base) AuthCodeURL(state string) string {
	return b.config.AuthCodeURL(state)
}

// exchange trades the code for a token and returns a client authorised with it.
func (b *base) exchange(ctx context.Context, code string) (*oauth2.Token, *http.Client, error) {
	if code == "" {
		return nil, nil, ErrInvalidCode
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.httpClient)
	token, err := b.config.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return token, b.config.Client(ctx, token), nil
}

func (b *base) getJSON(ctx context.Context, client *http.Client, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.apiBaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s api: %w", b.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s api returned status %d", b.name, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s api: decode %s: %w", b.name, path, err)
	}
	return nil
}

func tokenScope(token *oauth2.Token) string {
	if scope, ok := token.Extra("scope").(string); ok {
		return scope
	}
	return ""
}

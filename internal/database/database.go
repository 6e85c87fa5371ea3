// Package database owns the process-wide Postgres handle. The handle is opened
// lazily exactly once and handed to every store explicitly.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	defaultDriver      = "postgres"
	defaultPingTimeout = 5 * time.Second
)

// OpenFunc matches sql.Open.
type OpenFunc func(driverName, dataSourceName string) (*sql.DB, error)

// Provider lazily constructs the shared *sql.DB. Every call to Get, including
// concurrent ones, observes the same handle (or the same connect error).
type Provider struct {
	driver      string
	dsn         string
	open        OpenFunc
	pingTimeout time.Duration

	once sync.Once
	db   *sql.DB
	err  error
}

// Option customises a Provider.
type Option func(*Provider)

// WithDriver overrides the database/sql driver name. Defaults to "postgres".
func WithDriver(name string) Option {
	return func(p *Provider) {
		p.driver = name
	}
}

// WithOpener replaces sql.Open, mainly for tests.
func WithOpener(fn OpenFunc) Option {
	return func(p *Provider) {
		p.open = fn
	}
}

// WithPingTimeout bounds the initial connectivity check.
func WithPingTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.pingTimeout = d
	}
}

// NewProvider returns a Provider for dsn. No connection is made until Get.
func NewProvider(dsn string, opts ...Option) *Provider {
	p := &Provider{
		driver:      defaultDriver,
		dsn:         dsn,
		open:        sql.Open,
		pingTimeout: defaultPingTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the shared handle, connecting on first use.
func (p *Provider) Get(ctx context.Context) (*sql.DB, error) {
	p.once.Do(func() {
		p.db, p.err = p.connect(ctx)
	})
	return p.db, p.err
}

// Close closes the handle if one was opened.
func (p *Provider) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Provider) connect(ctx context.Context) (*sql.DB, error) {
	if strings.TrimSpace(p.dsn) == "" {
		return nil, errors.New("database: dsn cannot be empty")
	}

	db, err := p.open(p.driver, p.dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}
	configure(db)

	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	return db, nil
}

func configure(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

// LogTarget logs which database a handle points at without leaking credentials:
// only the hostname and database path are emitted.
func LogTarget(logger *zap.Logger, name, dsn string) {
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info("db configured", zap.String("name", name), zap.NamedError("dsn_parse_error", err))
		return
	}
	logger.Info("db configured",
		zap.String("name", name),
		zap.String("host", u.Hostname()),
		zap.String("db", strings.TrimPrefix(u.Path, "/")),
	)
}

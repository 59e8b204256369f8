// Package connection owns the authenticated handle to the remote CRM. The
// handle is created lazily, shared by every mapping in a run and dropped
// when the remote reports that the session is no longer valid.
package connection

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/crmsync/pkg/credentials"
	"github.com/ajitpratap0/crmsync/pkg/errors"
)

// QueryOptions bound a single query
type QueryOptions struct {
	// MaxFetch caps the number of rows delivered across all pages
	MaxFetch int
	// MaxPages caps the number of pages requested
	MaxPages int
}

// RecordFunc receives one decoded remote row. Returning an error stops the query.
type RecordFunc func(row map[string]any) error

// Connection is an authenticated remote handle
type Connection interface {
	// Query runs soql, following continuation pages until the result is
	// exhausted or a cap in opts is reached.
	Query(ctx context.Context, soql string, opts QueryOptions, fn RecordFunc) error
}

// Authenticator logs in to the remote source
type Authenticator interface {
	Login(ctx context.Context, username, password string) (Connection, error)
}

// Provider lazily logs in and caches the resulting connection. Failed
// logins are never cached.
type Provider struct {
	auth   Authenticator
	creds  *credentials.Set
	logger *zap.Logger

	mu   sync.Mutex
	conn Connection
}

// NewProvider creates a provider
func NewProvider(auth Authenticator, creds *credentials.Set, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		auth:   auth,
		creds:  creds,
		logger: logger.With(zap.String("component", "connection_provider")),
	}
}

// Get returns the cached connection or logs in. Concurrent callers share
// a single login.
func (p *Provider) Get(ctx context.Context) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}

	resolved, err := p.creds.Resolve(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "resolve credentials")
	}

	conn, err := p.auth.Login(ctx, resolved.Username, resolved.Password)
	if err != nil {
		p.logger.Warn("login failed", zap.String("username", resolved.Username), zap.Error(err))
		if errors.IsType(err, errors.ErrorTypeAuthentication) {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "login")
	}

	p.logger.Info("logged in", zap.String("username", resolved.Username))
	p.conn = conn
	return conn, nil
}

// Invalidate drops the cached connection so the next Get logs in again
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.logger.Info("connection invalidated")
	}
	p.conn = nil
}

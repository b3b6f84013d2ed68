package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/wardenlabs/hostguard/internal/store"
)

// ExtensionStore abstracts the prefix lookup for testability.
type ExtensionStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*store.Extension, error)
}

// PostgresAuthenticator validates API keys against the extensions table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the
// hostcall hot path. Auth failures always return an error — nothing is
// dispatched without valid auth.
type PostgresAuthenticator struct {
	store  ExtensionStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store.NewStore(cfg.DB),
		cache:  NewAuthCache(ttl),
		logger: cfg.Logger,
	}
}

// newPostgresAuthenticatorWithStore creates an authenticator with an injected store (for testing).
func newPostgresAuthenticatorWithStore(st ExtensionStore, cache *AuthCache, logger *zap.Logger) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  st,
		cache:  cache,
		logger: logger,
	}
}

// Authenticate validates the API key against the database.
//
// Flow:
//  1. Format check: hgk_ prefix, minimum length
//  2. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately (sub-microsecond)
//     - Stale hit: return stale extension, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*ExtensionContext, error) {
	if !ValidKeyFormat(apiKey) {
		return nil, ErrInvalidAPIKey
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		// Stale hit — kick off background refresh, return stale value immediately
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Extension, nil
	}

	// Cache miss — do full lookup synchronously
	ext, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(apiKey, ext)
	return ext, nil
}

// backgroundRefresh performs the DB + bcrypt lookup in a background goroutine.
// Errors are logged but don't affect the caller (they already got the stale value).
func (a *PostgresAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ext, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background cache refresh failed",
			zap.Error(err),
		)
		// Don't update cache — drop the entry so the next read retries the DB
		// rather than serving a key that may have been rotated or revoked.
		a.cache.Delete(apiKey)
		return
	}

	a.cache.Set(apiKey, ext)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*ExtensionContext, error) {
	// api_key_prefix is the first 8 chars (e.g. "hgk_abcd")
	prefix := apiKey[:8]

	ext, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if ext == nil {
		return nil, ErrInvalidAPIKey // no extension with this prefix — reject
	}

	if err := bcrypt.CompareHashAndPassword([]byte(ext.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &ExtensionContext{
		ExtensionID: ext.ID,
		Name:        ext.Name,
		Profile:     ext.Profile,
	}, nil
}

// handleLookupError distinguishes a bad key from an unreachable backend.
func (a *PostgresAuthenticator) handleLookupError(lookupErr error) (*ExtensionContext, error) {
	if errors.Is(lookupErr, ErrInvalidAPIKey) {
		return nil, ErrInvalidAPIKey
	}

	// DB error (timeout, connection refused, etc.) — surface as unavailable.
	a.logger.Warn("auth DB unreachable",
		zap.Error(lookupErr),
	)
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}

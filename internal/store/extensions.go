package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wardenlabs/hostguard/internal/policy"
)

// ErrExtensionNotFound is returned by lookups that require the row to exist.
var ErrExtensionNotFound = errors.New("extension not found")

// Extension represents a row in the extensions table.
type Extension struct {
	ID             string
	Name           string
	APIKeyHash     string
	APIKeyPrefix   string
	Profile        string          // "safe", "standard", or "permissive"
	PolicyOverride json.RawMessage // nullable JSONB, see policy.Override
	OnboardedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpdateExtensionParams holds optional fields for partial extension updates.
type UpdateExtensionParams struct {
	Name           *string
	Profile        *string
	PolicyOverride *json.RawMessage
}

// GenerateAPIKey creates a new hgk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "hgk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8] // "hgk_abcd"
	return fullKey, string(hashBytes), prefix, nil
}

// CreateExtension inserts a new extension with a fresh API key.
// Returns the extension and the plaintext key (shown once).
func (s *Store) CreateExtension(ctx context.Context, name, profile string) (*Extension, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateExtension: %w", err)
	}
	if profile == "" {
		profile = string(policy.ProfileStandard)
	}

	var e Extension
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO extensions (name, api_key_hash, api_key_prefix, profile)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, api_key_hash, api_key_prefix, profile,
		          COALESCE(policy_override, 'null'::jsonb), onboarded_at, created_at, updated_at`,
		name, keyHash, keyPrefix, profile,
	).Scan(&e.ID, &e.Name, &e.APIKeyHash, &e.APIKeyPrefix, &e.Profile,
		&e.PolicyOverride, &e.OnboardedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateExtension: %w", err)
	}

	return &e, fullKey, nil
}

// ListExtensions returns all extensions ordered by created_at DESC.
func (s *Store) ListExtensions(ctx context.Context) ([]*Extension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, profile,
		       COALESCE(policy_override, 'null'::jsonb), onboarded_at, created_at, updated_at
		FROM extensions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListExtensions: %w", err)
	}
	defer rows.Close()

	var extensions []*Extension
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.ID, &e.Name, &e.APIKeyHash, &e.APIKeyPrefix, &e.Profile,
			&e.PolicyOverride, &e.OnboardedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListExtensions: %w", err)
		}
		extensions = append(extensions, &e)
	}
	return extensions, rows.Err()
}

// GetExtension returns an extension by ID, or nil if not found.
func (s *Store) GetExtension(ctx context.Context, id string) (*Extension, error) {
	var e Extension
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, profile,
		       COALESCE(policy_override, 'null'::jsonb), onboarded_at, created_at, updated_at
		FROM extensions WHERE id = $1`, id,
	).Scan(&e.ID, &e.Name, &e.APIKeyHash, &e.APIKeyPrefix, &e.Profile,
		&e.PolicyOverride, &e.OnboardedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetExtension: %w", err)
	}
	return &e, nil
}

// UpdateExtension applies a partial update. Only non-nil fields are changed.
func (s *Store) UpdateExtension(ctx context.Context, id string, params UpdateExtensionParams) (*Extension, error) {
	var e Extension
	err := s.db.QueryRowContext(ctx, `
		UPDATE extensions SET
			name            = COALESCE($2, name),
			profile         = COALESCE($3, profile),
			policy_override = COALESCE($4, policy_override),
			updated_at      = now()
		WHERE id = $1
		RETURNING id, name, api_key_hash, api_key_prefix, profile,
		          COALESCE(policy_override, 'null'::jsonb), onboarded_at, created_at, updated_at`,
		id, params.Name, params.Profile, nullableJSON(params.PolicyOverride),
	).Scan(&e.ID, &e.Name, &e.APIKeyHash, &e.APIKeyPrefix, &e.Profile,
		&e.PolicyOverride, &e.OnboardedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateExtension: %w", err)
	}
	return &e, nil
}

// DeleteExtension deletes an extension by ID. The trust state cascades.
func (s *Store) DeleteExtension(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM extensions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteExtension: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RotateAPIKey generates a new API key for an extension.
// Returns the updated extension and the plaintext key (shown once).
func (s *Store) RotateAPIKey(ctx context.Context, id string) (*Extension, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	var e Extension
	err = s.db.QueryRowContext(ctx, `
		UPDATE extensions SET
			api_key_hash   = $2,
			api_key_prefix = $3,
			updated_at     = now()
		WHERE id = $1
		RETURNING id, name, api_key_hash, api_key_prefix, profile,
		          COALESCE(policy_override, 'null'::jsonb), onboarded_at, created_at, updated_at`,
		id, keyHash, keyPrefix,
	).Scan(&e.ID, &e.Name, &e.APIKeyHash, &e.APIKeyPrefix, &e.Profile,
		&e.PolicyOverride, &e.OnboardedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("RotateAPIKey: extension not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	return &e, fullKey, nil
}

// LookupByPrefix finds an extension by API key prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Extension, error) {
	var e Extension
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, profile,
		       COALESCE(policy_override, 'null'::jsonb), onboarded_at, created_at, updated_at
		FROM extensions WHERE api_key_prefix = $1`, prefix,
	).Scan(&e.ID, &e.Name, &e.APIKeyHash, &e.APIKeyPrefix, &e.Profile,
		&e.PolicyOverride, &e.OnboardedAt, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &e, nil
}

// ExtensionPolicy resolves the effective policy config and onboarding time
// for one extension. This is the dispatcher's policy source.
func (s *Store) ExtensionPolicy(ctx context.Context, extensionID string) (policy.Config, time.Time, error) {
	e, err := s.GetExtension(ctx, extensionID)
	if err != nil {
		return policy.Config{}, time.Time{}, err
	}
	if e == nil {
		return policy.Config{}, time.Time{}, ErrExtensionNotFound
	}
	return e.EffectivePolicy(), e.OnboardedAt, nil
}

// EffectivePolicy merges the extension's stored override onto its profile
// preset. An unparseable override falls back to the bare preset.
func (e *Extension) EffectivePolicy() policy.Config {
	profile := policy.Profile(e.Profile)
	if len(e.PolicyOverride) == 0 || string(e.PolicyOverride) == "null" {
		return policy.ProfileConfig(profile)
	}
	var o policy.Override
	if err := json.Unmarshal(e.PolicyOverride, &o); err != nil {
		return policy.ProfileConfig(profile)
	}
	return o.EffectiveConfig(profile)
}

// nullableJSON returns nil (SQL NULL) if the pointer is nil, otherwise the raw bytes.
func nullableJSON(v *json.RawMessage) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

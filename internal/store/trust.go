package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wardenlabs/hostguard/internal/trust"
)

// GetTrust returns the persisted trust state for an extension, or nil if
// the extension has never been seen.
func (s *Store) GetTrust(ctx context.Context, extensionID string) (*trust.State, error) {
	var st trust.State
	var demotedFrom, demotionReason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT extension_id, tier, acknowledged, source_class,
		       demoted_from, demotion_reason, updated_at
		FROM trust_states WHERE extension_id = $1`, extensionID,
	).Scan(&st.ExtensionID, &st.Tier, &st.Acknowledged, &st.SourceClass,
		&demotedFrom, &demotionReason, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetTrust: %w", err)
	}
	st.DemotedFrom = trust.Tier(demotedFrom.String)
	st.DemotionReason = demotionReason.String
	return &st, nil
}

// PutTrust upserts an extension's trust state.
func (s *Store) PutTrust(ctx context.Context, st *trust.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_states (extension_id, tier, acknowledged, source_class,
		                          demoted_from, demotion_reason, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		ON CONFLICT (extension_id) DO UPDATE SET
			tier            = EXCLUDED.tier,
			acknowledged    = EXCLUDED.acknowledged,
			source_class    = EXCLUDED.source_class,
			demoted_from    = EXCLUDED.demoted_from,
			demotion_reason = EXCLUDED.demotion_reason,
			updated_at      = EXCLUDED.updated_at`,
		st.ExtensionID, string(st.Tier), st.Acknowledged, st.SourceClass,
		string(st.DemotedFrom), st.DemotionReason, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("PutTrust: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wardenlabs/hostguard/internal/rollout"
)

// The rollout state is a single process-wide row, keyed by a fixed id.

// GetRollout returns the persisted rollout state, or nil if none was ever
// written (first boot).
func (s *Store) GetRollout(ctx context.Context) (*rollout.State, error) {
	var st rollout.State
	var phase, rolledBackFrom string
	err := s.db.QueryRowContext(ctx, `
		SELECT phase, transition_count, last_transition, phase_started_at,
		       rolled_back_from, auto_rollback
		FROM rollout_state WHERE id = 1`,
	).Scan(&phase, &st.TransitionCount, &st.LastTransition, &st.PhaseStartedAt,
		&rolledBackFrom, &st.AutoRollback)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRollout: %w", err)
	}

	st.Phase, err = rollout.ParsePhase(phase)
	if err != nil {
		return nil, fmt.Errorf("GetRollout: %w", err)
	}
	st.RolledBackFrom, err = rollout.ParsePhase(rolledBackFrom)
	if err != nil {
		return nil, fmt.Errorf("GetRollout: %w", err)
	}
	return &st, nil
}

// PutRollout upserts the rollout state row.
func (s *Store) PutRollout(ctx context.Context, st *rollout.State) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rollout_state (id, phase, transition_count, last_transition,
		                           phase_started_at, rolled_back_from, auto_rollback)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			phase            = EXCLUDED.phase,
			transition_count = EXCLUDED.transition_count,
			last_transition  = EXCLUDED.last_transition,
			phase_started_at = EXCLUDED.phase_started_at,
			rolled_back_from = EXCLUDED.rolled_back_from,
			auto_rollback    = EXCLUDED.auto_rollback`,
		st.Phase.String(), st.TransitionCount, st.LastTransition,
		st.PhaseStartedAt, st.RolledBackFrom.String(), st.AutoRollback)
	if err != nil {
		return fmt.Errorf("PutRollout: %w", err)
	}
	return nil
}

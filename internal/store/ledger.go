package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wardenlabs/hostguard/internal/ledger"
)

// AppendLedgerEntry persists one already-chained ledger entry. The entry's
// hashes are computed in memory before it reaches the database; the row is
// insert-only.
func (s *Store) AppendLedgerEntry(ctx context.Context, e *ledger.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("AppendLedgerEntry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_ledger (extension_id, seq, ledger_hash, entry)
		VALUES ($1, $2, $3, $4)`,
		e.ExtensionID, e.Seq, e.LedgerHash, body)
	if err != nil {
		return fmt.Errorf("AppendLedgerEntry: %w", err)
	}
	return nil
}

// LoadLedger rebuilds the in-memory ledger from the database. The load
// re-verifies every extension's hash chain; a break fails the whole load.
func (s *Store) LoadLedger(ctx context.Context) (*ledger.Ledger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry FROM risk_ledger ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("LoadLedger: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("LoadLedger: %w", err)
		}
		var e ledger.Entry
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("LoadLedger: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadLedger: %w", err)
	}

	led, err := ledger.Load(entries)
	if err != nil {
		return nil, fmt.Errorf("LoadLedger: %w", err)
	}
	return led, nil
}

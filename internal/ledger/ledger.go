// Package ledger keeps the hash-chained, append-only record of every
// mediated hostcall and risk decision. Entries are immutable once
// appended; each entry embeds the hash of its predecessor within the same
// extension's sequence, so any mutation or reordering is detectable by a
// linear re-scan.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wardenlabs/hostguard/internal/hashutil"
)

// ErrChainBreak wraps all chain-integrity failures.
var ErrChainBreak = errors.New("ledger chain break")

// Posterior is the behavioral-state distribution recorded with a decision.
type Posterior struct {
	SafeFast   float64 `json:"safe_fast"`
	Suspicious float64 `json:"suspicious"`
	Unsafe     float64 `json:"unsafe"`
}

// Entry is one risk-scored decision, chained to its predecessor.
type Entry struct {
	Seq            uint64             `json:"seq"`
	Timestamp      time.Time          `json:"timestamp"`
	ExtensionID    string             `json:"extension_id"`
	CallID         string             `json:"call_id"`
	Capability     string             `json:"capability"`
	CapabilityHash string             `json:"capability_hash"`
	PolicyDecision string             `json:"policy_decision"`
	PolicyReason   string             `json:"policy_reason"`
	Posterior      Posterior          `json:"posterior"`
	ExpectedLosses map[string]float64 `json:"expected_losses,omitempty"`
	SelectedAction string             `json:"selected_action"`
	RiskEnforced   bool               `json:"risk_enforced"`
	RiskWouldDeny  bool               `json:"risk_would_deny"`
	DriftDetected  bool               `json:"drift_detected,omitempty"`
	Outcome        string             `json:"outcome"` // executed | rejected | error | cancelled
	LatencyMs      float64            `json:"latency_ms"`
	DecisionMs     float64            `json:"decision_ms"`
	PrevLedgerHash string             `json:"prev_ledger_hash"`
	LedgerHash     string             `json:"ledger_hash"`
}

// hashContent computes the entry's canonical content hash. The LedgerHash
// field itself is excluded; PrevLedgerHash is included, which is what
// chains the entries.
func hashContent(e *Entry) (string, error) {
	cp := *e
	cp.LedgerHash = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return "", fmt.Errorf("hashContent: %w", err)
	}
	return hashutil.CanonicalHash(raw)
}

// Ledger is an arena of immutable entries, one chain per extension.
// Appends are strictly ordered per extension but interleave freely across
// extensions; readers never observe a partially written entry.
type Ledger struct {
	mu     sync.RWMutex
	chains map[string][]*Entry // extension id → ordered entries
	order  []*Entry            // global append order, for windowed stats
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{chains: make(map[string][]*Entry)}
}

// Append fills in Seq, Timestamp (if zero), PrevLedgerHash and LedgerHash,
// then appends the entry to its extension's chain. The returned entry is
// the stored immutable copy.
//
// Append is deliberately not cancellable: once a dispatch reaches the
// ledger write it must be recorded for audit completeness.
func (l *Ledger) Append(e Entry) (*Entry, error) {
	if e.ExtensionID == "" {
		return nil, errors.New("Append: entry missing extension id")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.chains[e.ExtensionID]
	e.Seq = uint64(len(chain))
	e.PrevLedgerHash = ""
	if len(chain) > 0 {
		e.PrevLedgerHash = chain[len(chain)-1].LedgerHash
	}

	hash, err := hashContent(&e)
	if err != nil {
		return nil, err
	}
	e.LedgerHash = hash

	stored := e
	l.chains[e.ExtensionID] = append(chain, &stored)
	l.order = append(l.order, &stored)
	return &stored, nil
}

// VerifyExtension walks one extension's chain recomputing every hash.
// It reports the exact sequence number of the first break.
func (l *Ledger) VerifyExtension(extensionID string) error {
	l.mu.RLock()
	chain := l.chains[extensionID]
	l.mu.RUnlock()
	return verifyChain(extensionID, chain)
}

// VerifyAll verifies every extension's chain.
func (l *Ledger) VerifyAll() error {
	l.mu.RLock()
	ids := make([]string, 0, len(l.chains))
	for id := range l.chains {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	for _, id := range ids {
		if err := l.VerifyExtension(id); err != nil {
			return err
		}
	}
	return nil
}

func verifyChain(extensionID string, chain []*Entry) error {
	for i, e := range chain {
		if i == 0 {
			if e.PrevLedgerHash != "" {
				return fmt.Errorf("%w: extension %s seq 0 has non-empty prev_ledger_hash", ErrChainBreak, extensionID)
			}
		} else if e.PrevLedgerHash != chain[i-1].LedgerHash {
			return fmt.Errorf("%w: extension %s seq %d prev_ledger_hash mismatch", ErrChainBreak, extensionID, e.Seq)
		}

		recomputed, err := hashContent(e)
		if err != nil {
			return fmt.Errorf("verifyChain: extension %s seq %d: %w", extensionID, e.Seq, err)
		}
		if recomputed != e.LedgerHash {
			return fmt.Errorf("%w: extension %s seq %d content hash mismatch", ErrChainBreak, extensionID, e.Seq)
		}
	}
	return nil
}

// Filter selects ledger entries for Slice.
type Filter struct {
	ExtensionID string
	Since       time.Time
	Until       time.Time
}

// Slice returns copies of entries matching the filter in global append
// order. Copies keep the arena immutable even if a caller mutates results.
func (l *Ledger) Slice(f Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.order {
		if f.ExtensionID != "" && e.ExtensionID != f.ExtensionID {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
			continue
		}
		out = append(out, *e)
	}
	return out
}

// Recent returns copies of the last n entries in global append order.
// Non-positive n returns nil.
func (l *Ledger) Recent(n int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	if n > len(l.order) {
		n = len(l.order)
	}
	out := make([]Entry, 0, n)
	for _, e := range l.order[len(l.order)-n:] {
		out = append(out, *e)
	}
	return out
}

// Len returns the total number of entries across all extensions.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Load restores chains from persisted entries (global append order). The
// chains are re-verified before the ledger accepts them; a break anywhere
// rejects the whole load.
func Load(entries []Entry) (*Ledger, error) {
	l := New()
	for i := range entries {
		e := entries[i]
		stored := e
		l.chains[e.ExtensionID] = append(l.chains[e.ExtensionID], &stored)
		l.order = append(l.order, &stored)
	}
	if err := l.VerifyAll(); err != nil {
		return nil, err
	}
	return l, nil
}

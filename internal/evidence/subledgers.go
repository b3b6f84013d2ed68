package evidence

import (
	"sync"
	"time"

	"github.com/wardenlabs/hostguard/internal/hashutil"
)

// ExecRecord is one mediated process execution. Only the command hash is
// retained; the raw command line never enters the evidence path.
type ExecRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ExtensionID string    `json:"extension_id"`
	CommandHash string    `json:"command_hash"`
}

// SecretRecord is one secret-broker redaction occurrence.
type SecretRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ExtensionID string    `json:"extension_id"`
	Field       string    `json:"field"`
	ValueHash   string    `json:"value_hash"`
}

// QuotaRecord is one quota breach event.
type QuotaRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ExtensionID string    `json:"extension_id"`
	Capability  string    `json:"capability"`
	MaxCalls    int       `json:"max_calls"`
}

// SubLedgers are the auxiliary append-only mediation logs the bundler
// consumes alongside the risk ledger.
type SubLedgers struct {
	mu      sync.RWMutex
	exec    []ExecRecord
	secrets []SecretRecord
	quotas  []QuotaRecord
}

// NewSubLedgers creates empty sub-ledgers.
func NewSubLedgers() *SubLedgers {
	return &SubLedgers{}
}

// RecordExec hashes and records a mediated command line.
func (s *SubLedgers) RecordExec(extensionID, command string) {
	rec := ExecRecord{
		Timestamp:   time.Now().UTC(),
		ExtensionID: extensionID,
		CommandHash: hashutil.HashString(command),
	}
	s.mu.Lock()
	s.exec = append(s.exec, rec)
	s.mu.Unlock()
}

// RecordSecret records that a secret value was redacted from a field.
func (s *SubLedgers) RecordSecret(extensionID, field, value string) {
	rec := SecretRecord{
		Timestamp:   time.Now().UTC(),
		ExtensionID: extensionID,
		Field:       field,
		ValueHash:   hashutil.HashString(value),
	}
	s.mu.Lock()
	s.secrets = append(s.secrets, rec)
	s.mu.Unlock()
}

// RecordQuotaBreach records a quota breach event.
func (s *SubLedgers) RecordQuotaBreach(extensionID, capability string, maxCalls int) {
	rec := QuotaRecord{
		Timestamp:   time.Now().UTC(),
		ExtensionID: extensionID,
		Capability:  capability,
		MaxCalls:    maxCalls,
	}
	s.mu.Lock()
	s.quotas = append(s.quotas, rec)
	s.mu.Unlock()
}

// snapshot returns filtered copies of all three sub-ledgers.
func (s *SubLedgers) snapshot(extensionID string, since, until time.Time) ([]ExecRecord, []SecretRecord, []QuotaRecord) {
	inScope := func(ext string, ts time.Time) bool {
		if extensionID != "" && ext != extensionID {
			return false
		}
		if !since.IsZero() && ts.Before(since) {
			return false
		}
		if !until.IsZero() && ts.After(until) {
			return false
		}
		return true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var exec []ExecRecord
	for _, r := range s.exec {
		if inScope(r.ExtensionID, r.Timestamp) {
			exec = append(exec, r)
		}
	}
	var secrets []SecretRecord
	for _, r := range s.secrets {
		if inScope(r.ExtensionID, r.Timestamp) {
			secrets = append(secrets, r)
		}
	}
	var quotas []QuotaRecord
	for _, r := range s.quotas {
		if inScope(r.ExtensionID, r.Timestamp) {
			quotas = append(quotas, r)
		}
	}
	return exec, secrets, quotas
}

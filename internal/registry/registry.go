// Package registry holds per-extension capability manifests: optional
// JSON Schemas for hostcall params and sliding-window call quotas.
package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/wardenlabs/hostguard/internal/capability"
)

// Quota is a sliding-window limit on hostcalls for one capability.
type Quota struct {
	MaxCalls      int `json:"max_calls"`
	WindowSeconds int `json:"window_seconds"`
}

// Manifest describes one registered (extension, capability) pair.
type Manifest struct {
	ExtensionID string                `json:"extension_id"`
	Capability  capability.Capability `json:"capability"`
	ParamSchema map[string]any        `json:"param_schema,omitempty"` // JSON Schema, nil = no validation
	Quota       *Quota                `json:"quota,omitempty"`
}

// Registry stores manifests and tracks quota windows. Safe for concurrent
// use.
type Registry struct {
	mu        sync.Mutex
	manifests map[string]*Manifest   // key: extID + "/" + capability
	compiled  map[string]*jsonschema.Schema
	calls     map[string][]time.Time // quota windows, same key
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		manifests: make(map[string]*Manifest),
		compiled:  make(map[string]*jsonschema.Schema),
		calls:     make(map[string][]time.Time),
	}
}

func key(extensionID string, cap capability.Capability) string {
	return extensionID + "/" + strings.ToLower(string(cap))
}

// Register adds or replaces a manifest, compiling its schema eagerly so a
// broken schema is rejected at registration rather than at dispatch.
func (r *Registry) Register(m Manifest) error {
	k := key(m.ExtensionID, m.Capability)

	var sch *jsonschema.Schema
	if m.ParamSchema != nil {
		var err error
		sch, err = compileSchema(m.ParamSchema)
		if err != nil {
			return fmt.Errorf("Register %s: %w", k, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	stored := m
	r.manifests[k] = &stored
	if sch != nil {
		r.compiled[k] = sch
	} else {
		delete(r.compiled, k)
	}
	return nil
}

// Lookup returns the manifest for an (extension, capability) pair, or nil.
func (r *Registry) Lookup(extensionID string, cap capability.Capability) *Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[key(extensionID, cap)]
	if !ok {
		return nil
	}
	cp := *m
	return &cp
}

// ValidateParams checks paramsJSON against the registered schema. A pair
// with no manifest or no schema validates trivially. Violations are
// malformed-input rejections, distinct from policy denials.
func (r *Registry) ValidateParams(extensionID string, cap capability.Capability, paramsJSON string) error {
	r.mu.Lock()
	sch := r.compiled[key(extensionID, cap)]
	r.mu.Unlock()
	if sch == nil {
		return nil
	}

	var params any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if err := sch.Validate(params); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// QuotaAllow records one call against the pair's quota window and reports
// whether the call stays within quota. Pairs without a quota always pass.
func (r *Registry) QuotaAllow(extensionID string, cap capability.Capability, now time.Time) bool {
	k := key(extensionID, cap)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.manifests[k]
	if !ok || m.Quota == nil || m.Quota.MaxCalls <= 0 {
		return true
	}

	cutoff := now.Add(-time.Duration(m.Quota.WindowSeconds) * time.Second)
	window := r.calls[k]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= m.Quota.MaxCalls {
		r.calls[k] = kept
		return false
	}
	r.calls[k] = append(kept, now)
	return true
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("invalid param_schema: %w", err)
	}
	var obj any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("schema unmarshal: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", obj); err != nil {
		return nil, fmt.Errorf("schema compile: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("schema compile: %w", err)
	}
	return sch, nil
}

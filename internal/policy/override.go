package policy

// Override is the per-extension policy override document, stored as JSONB
// in the extensions table. All pointer fields use nil to mean "use the
// server default derived from the extension's profile".
type Override struct {
	Mode        *string  `json:"mode"`         // nil = profile mode
	Profile     *string  `json:"profile"`      // nil = standard
	DefaultCaps []string `json:"default_caps"` // nil = profile defaults
	DenyCaps    []string `json:"deny_caps"`    // nil = profile deny list
}

// EffectiveConfig merges an override onto its profile's preset.
// A nil override returns the preset unchanged.
func (o *Override) EffectiveConfig(serverProfile Profile) Config {
	base := ProfileConfig(serverProfile)
	if o == nil {
		return base
	}
	if o.Profile != nil {
		base = ProfileConfig(Profile(*o.Profile))
	}
	if o.Mode != nil {
		base.Mode = Mode(*o.Mode)
	}
	if o.DefaultCaps != nil {
		base.DefaultCaps = o.DefaultCaps
	}
	if o.DenyCaps != nil {
		base.DenyCaps = o.DenyCaps
	}
	return base
}

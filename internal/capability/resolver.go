package capability

import "strings"

// verbCaps maps the fixed privileged hostcall verbs to capabilities.
// For these verbs the method itself is the capability.
var verbCaps = map[string]Capability{
	"exec":    CapExec,
	"http":    CapHTTP,
	"session": CapSession,
	"ui":      CapUI,
	"log":     CapLog,
	"env":     CapEnv,
}

// toolCaps maps well-known tool names (normalized: lowercase, trimmed) to
// the capability they require. Anything not listed here resolves to the
// generic "tool" capability.
var toolCaps = map[string]Capability{
	// read family
	"read":      CapRead,
	"read_file": CapRead,
	"cat":       CapRead,
	"glob":      CapRead,
	"grep":      CapRead,
	"ls":        CapRead,
	"search":    CapRead,

	// write family
	"write":      CapWrite,
	"write_file": CapWrite,
	"edit":       CapWrite,
	"edit_file":  CapWrite,
	"patch":      CapWrite,
	"apply_diff": CapWrite,

	// shell execution family
	"bash":       CapExec,
	"shell":      CapExec,
	"run":        CapExec,
	"exec":       CapExec,
	"spawn":      CapExec,
	"terminal":   CapExec,
	"subprocess": CapExec,

	// network family
	"fetch":    CapHTTP,
	"http":     CapHTTP,
	"download": CapHTTP,
	"web":      CapHTTP,
}

// Resolve maps a hostcall (method + optional tool name) to the capability
// it requires. Resolution never fails with an error: an unmappable call
// returns ok=false, which the dispatcher treats as malformed.
//
// Rules:
//   - a fixed privileged verb IS its capability
//   - method "tool" looks up the tool name (case-insensitive, trimmed);
//     unrecognized names map to the generic "tool" capability, a missing
//     name yields ok=false
//   - anything else yields ok=false
func Resolve(method, toolName string) (Capability, bool) {
	m := strings.ToLower(strings.TrimSpace(method))
	if cap, ok := verbCaps[m]; ok {
		return cap, true
	}
	if m != "tool" {
		return CapUnknown, false
	}

	name := strings.ToLower(strings.TrimSpace(toolName))
	if name == "" {
		return CapUnknown, false
	}
	if cap, ok := toolCaps[name]; ok {
		return cap, true
	}
	return CapTool, true
}

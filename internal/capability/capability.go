package capability

// Capability is a named class of sensitive operation an extension may
// attempt through a hostcall.
type Capability string

const (
	CapRead    Capability = "read"
	CapWrite   Capability = "write"
	CapExec    Capability = "exec"
	CapHTTP    Capability = "http"
	CapSession Capability = "session"
	CapUI      Capability = "ui"
	CapLog     Capability = "log"
	CapEnv     Capability = "env"
	CapTool    Capability = "tool" // generic bucket for unrecognized tool names
	CapUnknown Capability = "unknown"
)

// Inert reports whether the capability has no externally visible effect.
// Inert capabilities stay reachable even for demoted extensions.
func (c Capability) Inert() bool {
	return c == CapLog
}

// String returns the lowercase capability name.
func (c Capability) String() string {
	return string(c)
}

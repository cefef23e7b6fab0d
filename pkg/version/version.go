// Package version computes the logical version that tags compiled
// artifacts. The inputs are build-time strings owned by the top-level
// binary and passed in explicitly; nothing here reads build info.
package version

const (
	// RuntimeTag prefixes the wasm runtime version.
	RuntimeTag = "wazero_v"
	// NodeTag prefixes the host binary version.
	NodeTag = "_vfhost_v"
)

// Logical returns the compatibility tag for artifacts compiled by the
// given runtime version inside a node built at nodeVersion.
func Logical(runtimeVersion, nodeVersion string) string {
	return RuntimeTag + runtimeVersion + NodeTag + nodeVersion
}

// Compatible reports whether an artifact tagged stored may be used by a
// process whose logical version is current. Only exact equality counts.
func Compatible(stored, current string) bool {
	return stored == current
}

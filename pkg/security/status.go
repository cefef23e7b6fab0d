package security

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by probes on platforms without the feature.
var ErrUnsupported = errors.New("security: feature not supported on this platform")

// Status records which hardening features a worker process managed to
// enable. It is produced once per worker at startup and never modified.
type Status struct {
	// SecureValidatorMode means the operator requested strict enforcement:
	// every feature below must be available.
	SecureValidatorMode bool `cbor:"secure_validator_mode"`

	CanEnableLandlock bool `cbor:"can_enable_landlock"`
	CanEnableSeccomp  bool `cbor:"can_enable_seccomp"`

	CanUnshareUserNamespaceAndChangeRoot bool `cbor:"can_unshare_user_namespace_and_change_root"`
}

// Complete reports whether all hardening features are enabled.
func (s Status) Complete() bool {
	return s.CanEnableLandlock && s.CanEnableSeccomp && s.CanUnshareUserNamespaceAndChangeRoot
}

// Missing lists the names of features that are not enabled.
func (s Status) Missing() []string {
	var missing []string
	if !s.CanUnshareUserNamespaceAndChangeRoot {
		missing = append(missing, FeatureNamespace)
	}
	if !s.CanEnableLandlock {
		missing = append(missing, FeatureLandlock)
	}
	if !s.CanEnableSeccomp {
		missing = append(missing, FeatureSeccomp)
	}
	return missing
}

// Satisfies reports whether a worker with this status may serve a job that
// requires secure mode (requireSecure) or not.
func (s Status) Satisfies(requireSecure bool) bool {
	return !requireSecure || s.Complete()
}

func (s Status) String() string {
	return fmt.Sprintf("secure_validator_mode=%t landlock=%t seccomp=%t namespace=%t",
		s.SecureValidatorMode, s.CanEnableLandlock, s.CanEnableSeccomp, s.CanUnshareUserNamespaceAndChangeRoot)
}

// Feature names used in logs, metrics and errors.
const (
	FeatureNamespace = "namespace"
	FeatureLandlock  = "landlock"
	FeatureSeccomp   = "seccomp"
)

// RequirementsError is returned when secure validator mode was requested
// but the system cannot provide every feature.
type RequirementsError struct {
	Missing []string
	Causes  map[string]error
}

func (e *RequirementsError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, name := range e.Missing {
		if cause := e.Causes[name]; cause != nil {
			parts = append(parts, fmt.Sprintf("%s (%v)", name, cause))
		} else {
			parts = append(parts, name)
		}
	}
	return "secure validator mode requires unavailable features: " + strings.Join(parts, ", ")
}

// Prober enables individual hardening features inside the current process.
// Each method returns nil when the feature is now in effect.
type Prober interface {
	// NamespaceAndRoot confines the filesystem view to dir. It only
	// succeeds inside a fresh user namespace.
	NamespaceAndRoot(dir string) error
	Landlock() error
	Seccomp() error
}

// Detect runs every probe of p once, best effort and regardless of mode,
// and returns the resulting status with the per-feature failures. The
// namespace probe runs first because landlock and seccomp would forbid the
// calls it needs.
func Detect(p Prober, secureMode bool, dir string) (Status, map[string]error) {
	causes := make(map[string]error)
	status := Status{SecureValidatorMode: secureMode}

	if err := p.NamespaceAndRoot(dir); err != nil {
		causes[FeatureNamespace] = err
	} else {
		status.CanUnshareUserNamespaceAndChangeRoot = true
	}

	if err := p.Landlock(); err != nil {
		causes[FeatureLandlock] = err
	} else {
		status.CanEnableLandlock = true
	}

	if err := p.Seccomp(); err != nil {
		causes[FeatureSeccomp] = err
	} else {
		status.CanEnableSeccomp = true
	}

	return status, causes
}

// Enforce returns a *RequirementsError when status was produced in secure
// validator mode but is incomplete.
func Enforce(status Status, causes map[string]error) error {
	if !status.SecureValidatorMode || status.Complete() {
		return nil
	}
	return &RequirementsError{Missing: status.Missing(), Causes: causes}
}

// StaticProber reports fixed results. It applies nothing and exists for
// tests and for forcing a known status.
type StaticProber struct {
	NamespaceErr error
	LandlockErr  error
	SeccompErr   error
}

func (p StaticProber) NamespaceAndRoot(string) error { return p.NamespaceErr }
func (p StaticProber) Landlock() error              { return p.LandlockErr }
func (p StaticProber) Seccomp() error               { return p.SeccompErr }

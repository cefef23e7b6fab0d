//go:build !linux

package security

// SystemProber applies nothing: no hardening is available off Linux.
type SystemProber struct{}

// NewSystemProber returns the prober for this platform.
func NewSystemProber() Prober {
	return SystemProber{}
}

func (SystemProber) NamespaceAndRoot(string) error { return ErrUnsupported }
func (SystemProber) Landlock() error              { return ErrUnsupported }
func (SystemProber) Seccomp() error               { return ErrUnsupported }

// UserNamespacesAvailable is always false off Linux.
func UserNamespacesAvailable() bool {
	return false
}

// LandlockABI reports that landlock is unavailable.
func LandlockABI() (int, error) {
	return 0, ErrUnsupported
}

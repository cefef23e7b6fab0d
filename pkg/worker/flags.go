package worker

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/cuemby/vfhost/pkg/framing"
	"github.com/cuemby/vfhost/pkg/types"
)

// Flag names shared by the host, which builds worker command lines, and
// the worker, which parses them.
const (
	FlagLogicalVersion = "logical-version"
	FlagSecureMode     = "secure-validator-mode"
	FlagDir            = "worker-dir"
	FlagMaxFrameSize   = "max-frame-size"
	FlagMaxCodeSize    = "max-code-size"
	FlagLogLevel       = "log-level"
)

// Flags holds the startup parameters a host passes on the command line.
type Flags struct {
	LogicalVersion      string
	SecureValidatorMode bool
	Dir                 string
	MaxFrameSize        uint64
	MaxCodeSize         uint64
	LogLevel            string
}

// Register adds the worker flags to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.StringVar(&f.LogicalVersion, FlagLogicalVersion, "", "Logical version the host expects")
	fs.BoolVar(&f.SecureValidatorMode, FlagSecureMode, false, "Fail unless every hardening feature is available")
	fs.StringVar(&f.Dir, FlagDir, "", "Directory to use as the worker root")
	fs.Uint64Var(&f.MaxFrameSize, FlagMaxFrameSize, framing.DefaultMaxFrameSize, "Largest accepted frame in bytes")
	fs.Uint64Var(&f.MaxCodeSize, FlagMaxCodeSize, 16<<20, "Largest accepted code in bytes, after decompression")
	fs.StringVar(&f.LogLevel, FlagLogLevel, "info", "Log level (debug, info, warn, error)")
}

// Args renders f as command line arguments for a worker of the given pool.
func (f Flags) Args(pool types.PoolKind) []string {
	return []string{
		string(pool),
		"--" + FlagLogicalVersion, f.LogicalVersion,
		fmt.Sprintf("--%s=%t", FlagSecureMode, f.SecureValidatorMode),
		"--" + FlagDir, f.Dir,
		"--" + FlagMaxFrameSize, fmt.Sprint(f.MaxFrameSize),
		"--" + FlagMaxCodeSize, fmt.Sprint(f.MaxCodeSize),
		"--" + FlagLogLevel, f.LogLevel,
	}
}

// Config converts parsed flags into a worker Config. ownVersion is the
// logical version of the running binary.
func (f Flags) Config(pool types.PoolKind, ownVersion string) (Config, error) {
	if !pool.Valid() {
		return Config{}, fmt.Errorf("unknown pool %q", pool)
	}
	if f.LogicalVersion == "" {
		return Config{}, fmt.Errorf("--%s is required", FlagLogicalVersion)
	}
	return Config{
		Pool:                pool,
		ExpectedVersion:     f.LogicalVersion,
		Version:             ownVersion,
		SecureValidatorMode: f.SecureValidatorMode,
		Dir:                 f.Dir,
		Limits:              framing.Limits{MaxFrameSize: f.MaxFrameSize},
		MaxCodeSize:         f.MaxCodeSize,
	}, nil
}

package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// PoolKind identifies which worker pool serves a job
type PoolKind string

const (
	PoolPrepare PoolKind = "prepare"
	PoolExecute PoolKind = "execute"
)

// Valid reports whether k names a known pool
func (k PoolKind) Valid() bool {
	return k == PoolPrepare || k == PoolExecute
}

// ParsePoolKind converts a string to a PoolKind
func ParsePoolKind(s string) (PoolKind, error) {
	k := PoolKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown pool kind: %q", s)
	}
	return k, nil
}

// WorkerState is the host-side lifecycle state of a worker handle
type WorkerState string

const (
	WorkerStateSpawning    WorkerState = "spawning"
	WorkerStateHandshaking WorkerState = "handshaking"
	WorkerStateIdle        WorkerState = "idle"
	WorkerStateBusy        WorkerState = "busy"
	WorkerStateDead        WorkerState = "dead"
)

// CodeHash is the content hash of validation function source bytes
type CodeHash [32]byte

// String returns the hex encoding of the hash
func (h CodeHash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseCodeHash parses a hex-encoded code hash
func ParseCodeHash(s string) (CodeHash, error) {
	var h CodeHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("parsing code hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("code hash is %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// ArtifactHandle identifies a compiled artifact in the cache
type ArtifactHandle struct {
	CodeHash CodeHash
	Version  string
}

// Key returns the cache key string for the handle
func (a ArtifactHandle) Key() string {
	return a.CodeHash.String() + "@" + a.Version
}

func (a ArtifactHandle) String() string {
	return a.Key()
}

// Job is a unit of work submitted to the host. Exactly one of Prepare and
// Execute is set.
type Job struct {
	ID      string
	Prepare *PrepareJob
	Execute *ExecuteJob

	// RequireSecure refuses any worker whose security status is incomplete,
	// even when the host itself is not in secure validator mode.
	RequireSecure bool
}

// Kind returns the pool that serves the job
func (j *Job) Kind() PoolKind {
	if j.Execute != nil {
		return PoolExecute
	}
	return PoolPrepare
}

// Validate checks that the job is well formed
func (j *Job) Validate() error {
	switch {
	case j.Prepare != nil && j.Execute != nil:
		return fmt.Errorf("job %s sets both prepare and execute", j.ID)
	case j.Prepare == nil && j.Execute == nil:
		return fmt.Errorf("job %s sets neither prepare nor execute", j.ID)
	case j.Prepare != nil && len(j.Prepare.Code) == 0:
		return fmt.Errorf("job %s: empty code", j.ID)
	}
	return nil
}

// PrepareJob compiles untrusted source bytes into an artifact
type PrepareJob struct {
	Code []byte
}

// ExecuteJob runs a compiled artifact against an input. Code is optional;
// when present the host recompiles transparently if the artifact is stale
// or missing.
type ExecuteJob struct {
	Artifact ArtifactHandle
	Code     []byte
	Input    []byte
}

// ExecResult classifies the outcome of running untrusted code
type ExecResult string

const (
	ExecValid         ExecResult = "valid"
	ExecTrap          ExecResult = "trap"
	ExecResourceLimit ExecResult = "resource_limit"
)

// ResourceLimit names the limit an execution ran into
type ResourceLimit string

const (
	LimitTimeout ResourceLimit = "timeout"
	LimitMemory  ResourceLimit = "memory"
)

// Outcome is the caller-visible result of a job. Failures of the untrusted
// code itself are reported here, not as errors.
type Outcome struct {
	Kind    PoolKind
	Prepare *PrepareOutcome
	Execute *ExecuteOutcome
}

// PrepareOutcome describes a finished Prepare job
type PrepareOutcome struct {
	Artifact ArtifactHandle
	Size     int
	Duration time.Duration
	Cached   bool

	// CompileError is set when the code failed to compile. Artifact is
	// still filled in so the failure can be correlated with the code.
	CompileError string
}

// OK reports whether the preparation produced a usable artifact
func (p *PrepareOutcome) OK() bool {
	return p.CompileError == ""
}

// ExecuteOutcome describes a finished Execute job
type ExecuteOutcome struct {
	Artifact ArtifactHandle
	Result   ExecResult
	Output   []byte
	Message  string
	Limit    ResourceLimit
	Duration time.Duration
}

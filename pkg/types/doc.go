/*
Package types defines the data shared by the host, the workers and the
artifact cache.

Jobs and outcomes:

  - Job: a Prepare or an Execute job, plus RequireSecure
  - Outcome: PrepareOutcome or ExecuteOutcome. Misbehaving untrusted code
    is reported here (CompileError, ExecTrap, ExecResourceLimit), never
    as a Go error

Artifacts are addressed by ArtifactHandle, the blake3 hash of the code
plus the logical version that compiled it. Its Key is the cache key.

Worker handles move through

	Spawning → Handshaking → Idle ⇄ Busy
	    ↓           ↓          ↓      ↓
	   Dead        Dead       Dead   Dead

and never leave Dead.
*/
package types

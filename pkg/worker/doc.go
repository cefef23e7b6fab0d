/*
Package worker implements the process that runs untrusted validation
functions on behalf of a host.

A worker serves exactly one pool (prepare or execute) over one channel, a
socket inherited from the host as file descriptor 3. It holds no state
the host depends on: the host may kill it at any moment and start another.

# Lifecycle

	┌──────────── HOST ────────────┐         ┌────────── WORKER ──────────┐
	│                              │  spawn  │                             │
	│  pool ── startWorker ────────┼────────►│  check logical version      │
	│                              │         │  unshare + chroot           │
	│                              │         │  landlock, seccomp          │
	│  ReceiveHandshake ◄──────────┼─────────┤  SendHandshake(status)      │
	│                              │         │                             │
	│  call(request) ──────────────┼────────►│  serveOne                   │
	│                ◄─────────────┼─────────┤    engine.Prepare/Execute   │
	│                              │         │                             │
	│  kill (SIGKILL) ─────────────┼────────►│  (gone)                     │
	└──────────────────────────────┘         └─────────────────────────────┘

Startup failures never reach the channel. The worker exits instead, and
the exit code tells the host what went wrong:

  - ExitSecurityUnavailable (66): secure validator mode is on and a
    hardening feature could not be enabled
  - ExitVersionMismatch (67): the binary was built for another logical
    version than the host expects
  - ExitProtocol (68): the host sent something the worker cannot parse

# Command Line

The host builds the command line from Flags:

	vfhost worker execute --logical-version wazero_v1.9.0_vfhost_v0.4.2 \
		--secure-validator-mode=false --worker-dir /tmp/vfhost-worker-123 \
		--max-frame-size 67108864 --max-code-size 16777216 --log-level info

Logs go to stderr as zerolog JSON; the host forwards each record into its
own log with the worker ID and pid attached.

# Requests

Each request is answered by exactly one response of the matching kind.
Failures of the untrusted code (compile errors, traps, resource limits)
are part of the response. An error returned from the engine itself is
reported as Internal and the host discards the worker.
*/
package worker

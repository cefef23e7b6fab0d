/*
Package host runs untrusted validation functions in pools of worker
processes and is the only party whose answers are trusted.

# Architecture

	┌───────────────────────────── HOST ──────────────────────────────┐
	│                                                                   │
	│  Submit(job) ──► prepare ──► cache lookup ──► failure memory      │
	│       │              │                                            │
	│       │              └─► singleflight ──► run(prepare pool)       │
	│       │                                                           │
	│       └──────► execute ──► version check ──► run(execute pool)    │
	│                                                                   │
	│  run: acquire ─► attempt (timeout) ─► release                     │
	│          ▲                      │                                 │
	│          └──── retry ◄── discard (kill) ◄─┘                       │
	│                                                                   │
	│  pool: Spawning → Handshaking → Idle ⇄ Busy → Dead                │
	└───────────────────────────────────────────────────────────────────┘

Each pool has a fixed size. A job takes an idle worker, spawns a new one
while the pool has room, or waits in FIFO order. Workers released by a
job are handed straight to the oldest waiter they can serve.

# Failure Handling

The host never asks a worker to stop. Any worker that times out, dies,
sends a malformed or unexpected message, or returns an answer the host
rejects is killed with SIGKILL and the job is retried on a fresh worker,
up to MaxRetries more times. After that Submit returns a *JobError that
matches ErrRetriesExhausted and the last cause.

Configuration problems are not retried:

  - ErrSecurityRequirements: secure validator mode (or RequireSecure) and
    a worker without every hardening feature
  - ErrVersionMismatch: the worker binary serves another logical version
  - ErrClosed: the host is shutting down

Untrusted code that fails to compile, traps or runs into a limit is a
normal Outcome, not an error.

# Artifacts

Prepared artifacts are stored in the cache under their ArtifactHandle.
Concurrent prepares of the same code share one compilation; when every
caller has gone the compilation is cancelled. Compile errors are
remembered for PrepareFailureCooldown so broken code is not recompiled
on every request. Execute jobs whose artifact carries an older logical
version invalidate it and recompile when the job includes the code.

# Usage

	store, _ := cache.Open(dir, cache.Options{Compression: cache.CompressionZstd})
	h, err := host.New(host.Options{
		Config:         cfg,
		LogicalVersion: version.Logical(runtimeVersion, nodeVersion),
		Cache:          store,
		Events:         broker,
	})
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Start(ctx); err != nil {
		return err
	}
	out, err := h.Submit(ctx, &types.Job{Prepare: &types.PrepareJob{Code: code}})

The worker binary must dispatch the WorkerCommand argument to the
worker package; vfhost does this with a hidden subcommand.
*/
package host

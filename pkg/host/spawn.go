package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/cuemby/vfhost/pkg/events"
	"github.com/cuemby/vfhost/pkg/framing"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/metrics"
	"github.com/cuemby/vfhost/pkg/protocol"
	"github.com/cuemby/vfhost/pkg/types"
	"github.com/cuemby/vfhost/pkg/worker"
)

// spawnWorker implements spawner for the pools.
func (h *Host) spawnWorker(ctx context.Context, p *pool, w *workerHandle) error {
	return h.startWorker(ctx, w, func(proc *process) bool {
		return p.attach(w, proc)
	})
}

// startWorker spawns the process for w and waits for its handshake.
// attach publishes the process to the owner of w; when it returns false
// the process is killed and ErrClosed returned.
func (h *Host) startWorker(ctx context.Context, w *workerHandle, attach func(*process) bool) error {
	if h.closed.Load() {
		return ErrClosed
	}

	dir, err := os.MkdirTemp(h.cfg.WorkerDir, "vfhost-worker-")
	if err != nil {
		return fmt.Errorf("%w: failed to create worker directory: %v", ErrWorkerDied, err)
	}

	logger := log.WithWorkerID(w.id).With().Str("pool", string(w.pool)).Logger()
	spec := h.spawnSpec(w.pool, dir)

	proc, err := startProcess(spec, logger)
	if err != nil && spec.namespaces {
		h.logger.Warn().Err(err).Msg("Spawning with namespaces failed, continuing without them")
		h.namespaces.Store(false)
		spec.namespaces = false
		proc, err = startProcess(spec, logger)
	}
	if err != nil {
		_ = os.Remove(dir)
		return fmt.Errorf("%w: %v", ErrWorkerDied, err)
	}

	if !attach(proc) {
		proc.kill()
		return ErrClosed
	}

	metrics.WorkerSpawnsTotal.WithLabelValues(string(w.pool)).Inc()
	h.publish(events.EventWorkerSpawned, "worker spawned", h.workerMeta(w))
	logger.Debug().Int("pid", proc.pid).Msg("Worker spawned")

	timer := metrics.NewTimer()
	hsCtx, cancel := context.WithTimeout(ctx, h.cfg.HandshakeTimeout.Std())
	defer cancel()

	w.conn = framing.NewConn(proc.conn, framing.Limits{MaxFrameSize: h.cfg.Limits.MaxFrameSize})
	status, err := protocol.ReceiveHandshake(hsCtx, w.conn)
	if err != nil {
		err = h.handshakeFailure(ctx, hsCtx, proc, err)
		logger.Warn().Err(err).Msg("Worker handshake failed")
		return err
	}
	timer.ObserveDurationVec(metrics.HandshakeDuration, string(w.pool))

	w.status = status
	h.recordStatus(status)

	if h.cfg.SecureValidatorMode && !status.Complete() {
		return fmt.Errorf("%w: worker lacks %v", ErrSecurityRequirements, status.Missing())
	}

	h.publish(events.EventWorkerReady, status.String(), h.workerMeta(w))
	logger.Debug().Stringer("security", status).Msg("Worker ready")
	return nil
}

// handshakeFailure classifies a failed handshake. A worker that exited on
// its own is given KillGrace to report why through its exit code.
func (h *Host) handshakeFailure(ctx, hsCtx context.Context, proc *process, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, protocol.ErrUnexpectedMessage), errors.Is(err, protocol.ErrMalformed):
		return fmt.Errorf("handshake: %w", err)
	case hsCtx.Err() != nil:
		return fmt.Errorf("%w: no handshake within %s", ErrWorkerTimeout, h.cfg.HandshakeTimeout.Std())
	}

	switch code := proc.awaitExit(h.cfg.KillGrace.Std()); code {
	case worker.ExitSecurityUnavailable:
		return fmt.Errorf("%w: worker exited with code %d", ErrSecurityRequirements, code)
	case worker.ExitVersionMismatch:
		return fmt.Errorf("%w: worker binary %s does not serve %s", ErrVersionMismatch, h.workerPath, h.version)
	default:
		return fmt.Errorf("%w: before handshake, exit code %d: %v", ErrWorkerDied, code, err)
	}
}

func (h *Host) spawnSpec(kind types.PoolKind, dir string) spawnSpec {
	flags := worker.Flags{
		LogicalVersion:      h.version,
		SecureValidatorMode: h.cfg.SecureValidatorMode,
		Dir:                 dir,
		MaxFrameSize:        h.cfg.Limits.MaxFrameSize,
		MaxCodeSize:         h.cfg.Limits.MaxCodeSize,
		LogLevel:            h.cfg.Log.Level,
	}
	return spawnSpec{
		path:       h.workerPath,
		args:       append([]string{WorkerCommand}, flags.Args(kind)...),
		env:        h.cfg.WorkerEnv,
		dir:        dir,
		namespaces: h.namespaces.Load(),
	}
}

// killWorker implements spawner. It returns once the process is reaped.
func (h *Host) killWorker(w *workerHandle, reason string) {
	if w.proc == nil {
		return
	}
	w.proc.kill()

	if p, ok := h.pools[w.pool]; ok {
		p.countKill()
	}
	metrics.WorkerKillsTotal.WithLabelValues(string(w.pool), reason).Inc()

	meta := h.workerMeta(w)
	meta[events.KeyReason] = reason
	eventType := events.EventWorkerKilled
	if reason == metrics.ReasonDied {
		eventType = events.EventWorkerDied
	}
	h.publish(eventType, "worker terminated: "+reason, meta)

	logger := log.WithWorkerID(w.id)
	logger.Debug().
		Str("pool", string(w.pool)).
		Int("pid", w.pid()).
		Str("reason", reason).
		Msg("Worker terminated")
}

func (h *Host) workerMeta(w *workerHandle) map[string]string {
	return map[string]string{
		events.KeyWorkerID: w.id,
		events.KeyPID:      strconv.Itoa(w.pid()),
		events.KeyPool:     string(w.pool),
	}
}

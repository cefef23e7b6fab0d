package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/cuemby/vfhost/pkg/cache"
	"github.com/cuemby/vfhost/pkg/config"
	"github.com/cuemby/vfhost/pkg/events"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/metrics"
	"github.com/cuemby/vfhost/pkg/protocol"
	"github.com/cuemby/vfhost/pkg/security"
	"github.com/cuemby/vfhost/pkg/types"
	"github.com/cuemby/vfhost/pkg/version"
)

// WorkerCommand is the first argument of every worker command line. The
// worker binary must dispatch on it.
const WorkerCommand = "worker"

// Options configures a Host.
type Options struct {
	Config config.Config

	// LogicalVersion is computed by the top-level process from its
	// build-time versions. Workers must report the same value.
	LogicalVersion string

	// Cache is optional. Without it every Prepare compiles and every
	// Execute needs its code.
	Cache *cache.Store

	// Events is optional.
	Events *events.Broker
}

// Host owns the prepare and execute pools and is the only trusted party:
// it decides which worker runs a job, how long it may take and whether
// its answer is accepted.
type Host struct {
	cfg        config.Config
	version    string
	store      *cache.Store
	events     *events.Broker
	logger     zerolog.Logger
	workerPath string

	pools map[types.PoolKind]*pool

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	group    singleflight.Group
	flightMu sync.Mutex
	flights  map[string]*flight

	failures   *failureMemory
	namespaces atomic.Bool

	statusMu sync.RWMutex
	status   *security.Status
}

// flight is the context shared by every caller waiting on one
// deduplicated preparation. It ends when the last caller leaves.
type flight struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// compiled is the shared result of one preparation.
type compiled struct {
	outcome  *types.PrepareOutcome
	artifact []byte
}

// New creates a Host. No worker is spawned until Start or the first job.
func New(opts Options) (*Host, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.LogicalVersion == "" {
		return nil, errors.New("logical version is required")
	}

	workerPath := opts.Config.WorkerPath
	if workerPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate worker binary: %w", err)
		}
		workerPath = exe
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:        opts.Config,
		version:    opts.LogicalVersion,
		store:      opts.Cache,
		events:     opts.Events,
		logger:     log.WithComponent("host"),
		workerPath: workerPath,
		ctx:        ctx,
		cancel:     cancel,
		flights:    make(map[string]*flight),
		failures:   newFailureMemory(opts.Config.PrepareFailureCooldown.Std()),
	}
	h.namespaces.Store(opts.Config.Sandbox.Namespaces)
	h.pools = map[types.PoolKind]*pool{
		types.PoolPrepare: newPool(types.PoolPrepare, opts.Config.Prepare.Workers, opts.Config.Prepare.MaxRetries, h),
		types.PoolExecute: newPool(types.PoolExecute, opts.Config.Execute.Workers, opts.Config.Execute.MaxRetries, h),
	}
	return h, nil
}

// Version returns the logical version artifacts are tagged with.
func (h *Host) Version() string {
	return h.version
}

// Start removes stale cache entries and probes the security status with a
// throwaway worker. In secure validator mode an incomplete status is
// returned as an error wrapping ErrSecurityRequirements.
func (h *Host) Start(ctx context.Context) error {
	if h.store != nil {
		n, err := h.store.Prune(h.version)
		if err != nil {
			metrics.RegisterComponent(metrics.ComponentCache, false, err.Error())
			return fmt.Errorf("failed to prune cache: %w", err)
		}
		if n > 0 {
			h.logger.Info().Int("removed", n).Msg("Pruned stale artifacts")
		}
	}
	metrics.RegisterComponent(metrics.ComponentCache, true, "")

	status, err := h.ProbeSecurity(ctx)
	if err != nil {
		metrics.RegisterComponent(metrics.ComponentSecurity, false, err.Error())
		return err
	}
	h.logger.Info().
		Stringer("security", status).
		Str("version", h.version).
		Bool("namespaces", h.namespaces.Load()).
		Msg("Host started")

	for kind, p := range h.pools {
		metrics.RegisterComponent(metrics.PoolComponent(kind), true, strconv.Itoa(p.size)+" workers")
	}
	return nil
}

// ProbeSecurity spawns a worker only to read its handshake and kills it.
func (h *Host) ProbeSecurity(ctx context.Context) (security.Status, error) {
	if h.closed.Load() {
		return security.Status{}, ErrClosed
	}

	w := &workerHandle{
		id:    uuid.NewString(),
		pool:  types.PoolPrepare,
		state: types.WorkerStateSpawning,
	}
	err := h.startWorker(ctx, w, func(proc *process) bool {
		w.proc = proc
		return true
	})
	if w.proc != nil {
		defer w.proc.kill()
	}
	if err != nil {
		return security.Status{}, fmt.Errorf("security probe: %w", err)
	}

	h.publish(events.EventSecurityProbed, w.status.String(), map[string]string{
		events.KeyWorkerID: w.id,
		events.KeyPID:      strconv.Itoa(w.pid()),
	})
	return w.status, nil
}

// SecurityStatus returns the status from the most recent handshake.
func (h *Host) SecurityStatus() (security.Status, bool) {
	h.statusMu.RLock()
	defer h.statusMu.RUnlock()
	if h.status == nil {
		return security.Status{}, false
	}
	return *h.status, true
}

// Submit runs a job to completion. Misbehaving untrusted code is reported
// inside the Outcome; an error means the job could not be run.
func (h *Host) Submit(ctx context.Context, job *types.Job) (*types.Outcome, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	j := *job
	if j.ID == "" {
		j.ID = uuid.NewString()
	}

	kind := j.Kind()
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.JobDuration, string(kind))

	out := &types.Outcome{Kind: kind}
	var (
		result string
		err    error
	)
	switch kind {
	case types.PoolPrepare:
		out.Prepare, _, err = h.prepare(ctx, &j)
		if err == nil {
			switch {
			case !out.Prepare.OK():
				result = metrics.ResultCompileError
			case out.Prepare.Cached:
				result = metrics.ResultCached
			default:
				result = metrics.ResultPrepared
			}
		}
	case types.PoolExecute:
		out.Execute, err = h.execute(ctx, &j)
		if err == nil {
			result = string(out.Execute.Result)
		}
	}

	if err != nil {
		metrics.JobsTotal.WithLabelValues(string(kind), metrics.ResultFailed).Inc()
		return nil, err
	}
	metrics.JobsTotal.WithLabelValues(string(kind), result).Inc()
	return out, nil
}

func (h *Host) prepare(ctx context.Context, job *types.Job) (*types.PrepareOutcome, []byte, error) {
	code := job.Prepare.Code
	handle := cache.Handle(code, h.version)

	if artifact, ok := h.lookup(handle, job.RequireSecure); ok {
		return &types.PrepareOutcome{
			Artifact: handle,
			Size:     len(artifact),
			Cached:   true,
		}, artifact, nil
	}
	if reason, ok := h.failures.lookup(handle.Key()); ok {
		return &types.PrepareOutcome{
			Artifact:     handle,
			Cached:       true,
			CompileError: reason,
		}, nil, nil
	}

	key := handle.Key()
	if job.RequireSecure {
		key += "+secure"
	}

	fctx := h.joinFlight(key)
	ch := h.group.DoChan(key, func() (any, error) {
		return h.compile(fctx, job.ID, handle, code, job.RequireSecure)
	})

	select {
	case res := <-ch:
		h.leaveFlight(key)
		if res.Err != nil {
			return nil, nil, res.Err
		}
		c := res.Val.(*compiled)
		out := *c.outcome
		return &out, c.artifact, nil
	case <-ctx.Done():
		h.leaveFlight(key)
		return nil, nil, ctx.Err()
	}
}

func (h *Host) compile(ctx context.Context, jobID string, handle types.ArtifactHandle, code []byte, requireSecure bool) (*compiled, error) {
	req := protocol.PrepareRequest{Code: code, MaxCodeSize: h.cfg.Limits.MaxCodeSize}
	resp, status, err := run(h, ctx, jobID, types.PoolPrepare, requireSecure, h.cfg.Prepare.Timeout.Std(), req,
		func(r *protocol.PrepareResponse) error {
			if !version.Compatible(r.Version, h.version) {
				return fmt.Errorf("artifact tagged %q, host is %q", r.Version, h.version)
			}
			if r.Error == "" && len(r.Artifact) == 0 {
				return errors.New("empty artifact")
			}
			return nil
		})
	if err != nil {
		if h.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}

	out := &types.PrepareOutcome{Artifact: handle, Duration: resp.Duration}
	if resp.Error != "" {
		out.CompileError = resp.Error
		h.failures.remember(handle.Key(), resp.Error)
		return &compiled{outcome: out}, nil
	}

	out.Size = len(resp.Artifact)
	if h.store != nil {
		entry := cache.Artifact{Data: resp.Artifact, Hardened: status.Complete()}
		if err := h.store.PutArtifact(handle, entry); err != nil {
			h.logger.Error().Err(err).Str("artifact", handle.Key()).Msg("Failed to cache artifact")
		}
	}
	h.publish(events.EventArtifactPrepared, "artifact prepared", map[string]string{
		events.KeyJobID:    jobID,
		events.KeyArtifact: handle.Key(),
	})
	return &compiled{outcome: out, artifact: resp.Artifact}, nil
}

func (h *Host) execute(ctx context.Context, job *types.Job) (*types.ExecuteOutcome, error) {
	ej := job.Execute
	handle := ej.Artifact

	if len(ej.Code) > 0 && cache.HashCode(ej.Code) != handle.CodeHash {
		return nil, fmt.Errorf("job %s: code does not match artifact %s", job.ID, handle)
	}

	if !version.Compatible(handle.Version, h.version) {
		h.invalidate(handle, job.ID, "stale logical version")
		handle = types.ArtifactHandle{CodeHash: handle.CodeHash, Version: h.version}
	}

	artifact, ok := h.lookup(handle, job.RequireSecure)
	if !ok {
		if len(ej.Code) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrArtifactUnavailable, handle)
		}
		h.logger.Debug().Str("job_id", job.ID).Str("artifact", handle.Key()).Msg("Preparing artifact before execution")

		prep := &types.Job{ID: job.ID, Prepare: &types.PrepareJob{Code: ej.Code}, RequireSecure: job.RequireSecure}
		pout, art, err := h.prepare(ctx, prep)
		if err != nil {
			return nil, err
		}
		if !pout.OK() {
			return &types.ExecuteOutcome{
				Artifact: handle,
				Result:   types.ExecTrap,
				Message:  "compilation failed: " + pout.CompileError,
			}, nil
		}
		artifact = art
	}

	start := time.Now()
	req := protocol.ExecuteRequest{
		Artifact:    artifact,
		Input:       ej.Input,
		Timeout:     h.workerTimeout(h.cfg.Execute.Timeout.Std()),
		MemoryPages: h.cfg.Execute.MemoryPages,
	}
	resp, _, err := run(h, ctx, job.ID, types.PoolExecute, job.RequireSecure, h.cfg.Execute.Timeout.Std(), req,
		func(r *protocol.ExecuteResponse) error {
			if r.Internal != "" {
				return fmt.Errorf("worker internal error: %s", r.Internal)
			}
			switch r.Result {
			case types.ExecValid, types.ExecTrap, types.ExecResourceLimit:
				return nil
			default:
				return fmt.Errorf("unknown result %q", r.Result)
			}
		})
	if err != nil {
		if h.closed.Load() {
			return nil, ErrClosed
		}
		return nil, err
	}

	return &types.ExecuteOutcome{
		Artifact: handle,
		Result:   resp.Result,
		Output:   resp.Output,
		Message:  resp.Message,
		Limit:    resp.Limit,
		Duration: time.Since(start),
	}, nil
}

// run sends req to a worker of the given pool and returns the decoded
// response with the security status of the worker that produced it.
// Every worker failure discards the worker and the job is tried again on
// a fresh one, up to the pool's retry bound. accept rejects responses the
// host cannot trust; a rejection is a worker failure.
func run[Resp any](h *Host, ctx context.Context, jobID string, kind types.PoolKind, requireSecure bool,
	timeout time.Duration, req any, accept func(*Resp) error) (*Resp, security.Status, error) {
	p := h.pools[kind]
	logger := log.WithJobID(jobID).With().Str("pool", string(kind)).Logger()
	attempts := p.maxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.JobRetriesTotal.WithLabelValues(string(kind)).Inc()
			logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("Retrying job on a fresh worker")
			h.publish(events.EventJobRetried, lastErr.Error(), map[string]string{
				events.KeyJobID:   jobID,
				events.KeyPool:    string(kind),
				events.KeyAttempt: strconv.Itoa(attempt),
				events.KeyReason:  lastErr.Error(),
			})
		}

		w, err := p.acquire(ctx, requireSecure)
		if err != nil {
			if cerr := callerErr(ctx); cerr != nil {
				return nil, security.Status{}, cerr
			}
			if !retryable(err) {
				return nil, security.Status{}, err
			}
			lastErr = err
			continue
		}

		var resp Resp
		err = h.attempt(ctx, p, w, timeout, req, &resp, func() error { return accept(&resp) })
		if err == nil {
			status := w.status
			p.release(w)
			return &resp, status, nil
		}

		p.discard(w, failureReason(ctx, err))
		if cerr := callerErr(ctx); cerr != nil {
			return nil, security.Status{}, cerr
		}
		if !retryable(err) {
			return nil, security.Status{}, err
		}
		lastErr = err
	}

	logger.Error().Err(lastErr).Int("attempts", attempts).Msg("Job failed")
	h.publish(events.EventJobFailed, lastErr.Error(), map[string]string{
		events.KeyJobID:   jobID,
		events.KeyPool:    string(kind),
		events.KeyAttempt: strconv.Itoa(attempts),
		events.KeyReason:  lastErr.Error(),
	})
	return nil, security.Status{}, &JobError{JobID: jobID, Kind: kind, Attempts: attempts, Err: lastErr}
}

// attempt runs one request on w and kills nothing itself. The host waits
// exactly timeout for the response; the worker is told to stop KillGrace
// earlier so its own verdict arrives first.
func (h *Host) attempt(ctx context.Context, p *pool, w *workerHandle, timeout time.Duration,
	req, resp any, accept func() error) error {
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.call(jobCtx, w, req, resp)
	switch {
	case err == nil:
	case callerErr(ctx) != nil:
		return callerErr(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: no response within %s", ErrWorkerTimeout, timeout)
	case errors.Is(err, protocol.ErrUnexpectedMessage), errors.Is(err, protocol.ErrMalformed):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrWorkerDied, err)
	}

	if err := accept(); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerFailed, err)
	}
	return nil
}

// workerTimeout is the budget handed to the worker for a job the host
// will abandon after timeout. Config validation keeps it positive.
func (h *Host) workerTimeout(timeout time.Duration) time.Duration {
	if d := timeout - h.cfg.KillGrace.Std(); d > 0 {
		return d
	}
	return timeout
}

func (h *Host) recordStatus(status security.Status) {
	h.statusMu.Lock()
	h.status = &status
	h.statusMu.Unlock()

	metrics.SetSecurityFeature(security.FeatureNamespace, status.CanUnshareUserNamespaceAndChangeRoot)
	metrics.SetSecurityFeature(security.FeatureLandlock, status.CanEnableLandlock)
	metrics.SetSecurityFeature(security.FeatureSeccomp, status.CanEnableSeccomp)

	if status.Satisfies(h.cfg.SecureValidatorMode) {
		metrics.UpdateComponent(metrics.ComponentSecurity, true, "")
	} else {
		metrics.UpdateComponent(metrics.ComponentSecurity, false, fmt.Sprintf("missing %v", status.Missing()))
	}
}

func (h *Host) publish(t events.EventType, message string, meta map[string]string) {
	h.events.Publish(&events.Event{Type: t, Message: message, Metadata: meta})
}

// Close kills every worker and fails queued and later jobs with ErrClosed.
// The cache and the event broker belong to the caller.
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.cancel()

	var wg sync.WaitGroup
	for kind, p := range h.pools {
		metrics.UpdateComponent(metrics.PoolComponent(kind), false, "closed")
		wg.Add(1)
		go func(p *pool) {
			defer wg.Done()
			p.close()
		}(p)
	}
	wg.Wait()

	h.logger.Info().Msg("Host closed")
	return nil
}

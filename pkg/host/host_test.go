package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vfhost/pkg/cache"
	"github.com/cuemby/vfhost/pkg/config"
	"github.com/cuemby/vfhost/pkg/engine"
	"github.com/cuemby/vfhost/pkg/events"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/protocol"
	"github.com/cuemby/vfhost/pkg/security"
	"github.com/cuemby/vfhost/pkg/types"
	"github.com/cuemby/vfhost/pkg/worker"
)

// Environment of the re-executed test binary.
const (
	envWorker        = "VFHOST_TEST_WORKER"
	envWorkerVersion = "VFHOST_TEST_WORKER_VERSION"
	envNoHandshake   = "VFHOST_TEST_NO_HANDSHAKE"
	envProbe         = "VFHOST_TEST_PROBE"
)

func TestMain(m *testing.M) {
	if os.Getenv(envWorker) == "1" {
		os.Exit(runTestWorker(os.Args[1:]))
	}
	os.Exit(m.Run())
}

// runTestWorker is the worker side of these tests: the real worker
// runtime over fd 3 with a scripted engine and, unless asked for the
// system prober, a fixed probe result.
func runTestWorker(args []string) int {
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: os.Stderr})

	if len(args) < 2 || args[0] != WorkerCommand {
		return worker.ExitFailure
	}
	pool := types.PoolKind(args[1])

	var flags worker.Flags
	fs := pflag.NewFlagSet(WorkerCommand, pflag.ContinueOnError)
	flags.Register(fs)
	if err := fs.Parse(args[2:]); err != nil {
		return worker.ExitFailure
	}

	own := flags.LogicalVersion
	if v := os.Getenv(envWorkerVersion); v != "" {
		own = v
	}
	cfg, err := flags.Config(pool, own)
	if err != nil {
		return worker.ExitFailure
	}

	conn := os.NewFile(3, "channel")

	if os.Getenv(envNoHandshake) == "1" {
		_ = protocol.Write(conn, protocol.ResponseKind(pool), protocol.ExecuteResponse{Result: types.ExecValid})
		_, _ = protocol.Read(conn, cfg.Limits)
		return worker.ExitOK
	}

	var prober security.Prober = security.StaticProber{}
	switch os.Getenv(envProbe) {
	case "partial":
		prober = security.StaticProber{SeccompErr: security.ErrUnsupported}
	case "system":
		prober = security.NewSystemProber()
	}

	w := worker.New(cfg, conn, scriptedEngine{}, prober)
	return worker.ExitCode(w.Run(context.Background()))
}

// scriptedEngine behaves according to the code or input it is given.
type scriptedEngine struct{}

func (scriptedEngine) Prepare(ctx context.Context, code []byte, maxCodeSize uint64) ([]byte, error) {
	switch s := string(code); {
	case s == "bad":
		return nil, &engine.CompileError{Reason: "missing export validate_block"}
	case strings.HasPrefix(s, "slow"):
		time.Sleep(300 * time.Millisecond)
	}
	return append([]byte("artifact:"), code...), nil
}

func (scriptedEngine) Execute(ctx context.Context, artifact, input []byte, limits engine.Limits) (engine.Result, error) {
	switch s := string(input); {
	case s == "hang":
		time.Sleep(time.Hour)
	case s == "crash":
		os.Exit(3)
	case s == "trap":
		return engine.Result{Kind: types.ExecTrap, Message: "unreachable"}, nil
	case s == "overrun":
		// Report the budget the host handed over, like wazero does on
		// context deadline.
		time.Sleep(limits.Timeout)
		return engine.Result{Kind: types.ExecResourceLimit, Limit: types.LimitTimeout, Message: limits.Timeout.String()}, nil
	case strings.HasPrefix(s, "sleep:"):
		d, _ := time.ParseDuration(strings.TrimPrefix(s, "sleep:"))
		time.Sleep(d)
	case strings.HasPrefix(s, "crash-once:"):
		marker := strings.TrimPrefix(s, "crash-once:")
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			_ = os.WriteFile(marker, nil, 0o600)
			os.Exit(3)
		}
	}
	out := append(append([]byte{}, artifact...), '|')
	return engine.Result{Kind: types.ExecValid, Output: append(out, input...)}, nil
}

func (scriptedEngine) Close(context.Context) error { return nil }

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()

	exe, err := os.Executable()
	require.NoError(t, err)

	cfg := config.Default()
	cfg.WorkerPath = exe
	cfg.WorkerEnv = map[string]string{envWorker: "1"}
	for k, v := range env {
		cfg.WorkerEnv[k] = v
	}
	cfg.WorkerDir = t.TempDir()
	cfg.Sandbox.Namespaces = false
	cfg.HandshakeTimeout = config.Duration(10 * time.Second)
	cfg.KillGrace = config.Duration(100 * time.Millisecond)
	cfg.Prepare = config.PoolConfig{Workers: 2, Timeout: config.Duration(5 * time.Second), MaxRetries: 1}
	cfg.Execute = config.PoolConfig{Workers: 2, Timeout: config.Duration(300 * time.Millisecond), MaxRetries: 1, MemoryPages: 16}
	cfg.Cache.Dir = t.TempDir()
	cfg.Log.Level = "debug"
	return cfg
}

type testHost struct {
	*Host
	store  *cache.Store
	events events.Subscriber
}

func newTestHost(t *testing.T, cfg config.Config, version string, store *cache.Store) *testHost {
	t.Helper()

	if store == nil {
		var err error
		store, err = cache.Open(cfg.Cache.Dir, cache.Options{Compression: cache.CompressionZstd})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
	}

	broker := events.NewBroker()
	broker.Start()
	sub := broker.Subscribe()
	t.Cleanup(broker.Stop)

	h, err := New(Options{Config: cfg, LogicalVersion: version, Cache: store, Events: broker})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	return &testHost{Host: h, store: store, events: sub}
}

// collect gathers events of type t until n have arrived.
func (th *testHost) collect(t *testing.T, typ events.EventType, n int) []*events.Event {
	t.Helper()
	var got []*events.Event
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev := <-th.events:
			if ev.Type == typ {
				got = append(got, ev)
			}
		case <-deadline:
			t.Fatalf("got %d %s events, want %d", len(got), typ, n)
		}
	}
	return got
}

func (th *testHost) spawned(kind types.PoolKind) uint64 {
	for _, ps := range th.Stats().Pools {
		if ps.Kind == kind {
			return ps.Spawned
		}
	}
	return 0
}

func atoi(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}

func prepareJob(code string) *types.Job {
	return &types.Job{Prepare: &types.PrepareJob{Code: []byte(code)}}
}

func executeJob(handle types.ArtifactHandle, code, input string) *types.Job {
	ej := &types.ExecuteJob{Artifact: handle, Input: []byte(input)}
	if code != "" {
		ej.Code = []byte(code)
	}
	return &types.Job{Execute: ej}
}

func mustPrepare(t *testing.T, th *testHost, code string) types.ArtifactHandle {
	t.Helper()
	out, err := th.Submit(context.Background(), prepareJob(code))
	require.NoError(t, err)
	require.True(t, out.Prepare.OK(), out.Prepare.CompileError)
	return out.Prepare.Artifact
}

func TestStartProbesSecurity(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)

	require.NoError(t, th.Start(context.Background()))

	status, ok := th.SecurityStatus()
	require.True(t, ok)
	assert.True(t, status.Complete())
	assert.Zero(t, th.spawned(types.PoolPrepare), "the probe worker is not part of a pool")
}

func TestNamespacedWorkerIsHardened(t *testing.T) {
	if !security.UserNamespacesAvailable() {
		t.Skip("unprivileged user namespaces are disabled")
	}
	cfg := testConfig(t, map[string]string{envProbe: "system"})
	cfg.Sandbox.Namespaces = true
	th := newTestHost(t, cfg, "v1", nil)
	ctx := context.Background()

	require.NoError(t, th.Start(ctx))
	if !th.Stats().Namespaces {
		t.Skip("spawning into new namespaces is not permitted here")
	}

	status, ok := th.SecurityStatus()
	require.True(t, ok)
	assert.True(t, status.CanUnshareUserNamespaceAndChangeRoot, status.String())
	if _, err := security.LandlockABI(); err == nil {
		assert.True(t, status.CanEnableLandlock, status.String())
	}

	// The chrooted, restricted worker still serves jobs over its channel.
	handle := mustPrepare(t, th, "module")
	res, err := th.Submit(ctx, executeJob(handle, "", "block"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecValid, res.Execute.Result)
	assert.Equal(t, "artifact:module|block", string(res.Execute.Output))
}

func TestPrepareAndExecute(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	ctx := context.Background()

	out, err := th.Submit(ctx, prepareJob("module"))
	require.NoError(t, err)
	require.Equal(t, types.PoolPrepare, out.Kind)
	assert.True(t, out.Prepare.OK())
	assert.False(t, out.Prepare.Cached)
	assert.Equal(t, "v1", out.Prepare.Artifact.Version)
	assert.Equal(t, cache.HashCode([]byte("module")), out.Prepare.Artifact.CodeHash)
	assert.Equal(t, len("artifact:module"), out.Prepare.Size)

	res, err := th.Submit(ctx, executeJob(out.Prepare.Artifact, "", "block"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecValid, res.Execute.Result)
	assert.Equal(t, "artifact:module|block", string(res.Execute.Output))

	th.collect(t, events.EventArtifactPrepared, 1)
	th.collect(t, events.EventWorkerReady, 1)
}

func TestTrapIsAnOutcome(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	handle := mustPrepare(t, th, "module")

	res, err := th.Submit(context.Background(), executeJob(handle, "", "trap"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecTrap, res.Execute.Result)
	assert.Equal(t, "unreachable", res.Execute.Message)
	assert.Equal(t, uint64(1), th.spawned(types.PoolExecute))
}

func TestPrepareServedFromCache(t *testing.T) {
	cfg := testConfig(t, nil)
	th := newTestHost(t, cfg, "v1", nil)
	ctx := context.Background()

	first := mustPrepare(t, th, "module")
	require.Equal(t, uint64(1), th.spawned(types.PoolPrepare))

	out, err := th.Submit(ctx, prepareJob("module"))
	require.NoError(t, err)
	assert.True(t, out.Prepare.Cached)
	assert.Equal(t, first, out.Prepare.Artifact)
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare), "cache hit must not spawn")

	// Another logical version on the same cache recompiles.
	th2 := newTestHost(t, cfg, "v2", th.store)
	out, err = th2.Submit(ctx, prepareJob("module"))
	require.NoError(t, err)
	assert.False(t, out.Prepare.Cached)
	assert.Equal(t, "v2", out.Prepare.Artifact.Version)
	assert.Equal(t, uint64(1), th2.spawned(types.PoolPrepare))
}

func TestSecureJobRecompilesUnhardenedArtifact(t *testing.T) {
	ctx := context.Background()
	partial := newTestHost(t, testConfig(t, map[string]string{envProbe: "partial"}), "v1", nil)
	handle := mustPrepare(t, partial, "module")

	entry, ok, err := partial.store.Lookup(handle)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, entry.Hardened)

	// A hardened host sharing the cache serves ordinary jobs from it.
	th := newTestHost(t, testConfig(t, nil), "v1", partial.store)
	out, err := th.Submit(ctx, prepareJob("module"))
	require.NoError(t, err)
	assert.True(t, out.Prepare.Cached)
	assert.Zero(t, th.spawned(types.PoolPrepare))

	// A secure job does not trust the entry and compiles again.
	secure := prepareJob("module")
	secure.RequireSecure = true
	out, err = th.Submit(ctx, secure)
	require.NoError(t, err)
	assert.False(t, out.Prepare.Cached)
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare))

	entry, ok, err = th.store.Lookup(handle)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, entry.Hardened)

	// Now the entry satisfies secure jobs, including executions.
	out, err = th.Submit(ctx, secure)
	require.NoError(t, err)
	assert.True(t, out.Prepare.Cached)

	run := executeJob(handle, "", "block")
	run.RequireSecure = true
	res, err := th.Submit(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, types.ExecValid, res.Execute.Result)
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare))
}

func TestCompileErrorIsRemembered(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	ctx := context.Background()

	out, err := th.Submit(ctx, prepareJob("bad"))
	require.NoError(t, err)
	assert.False(t, out.Prepare.OK())
	assert.Equal(t, "missing export validate_block", out.Prepare.CompileError)
	assert.False(t, out.Prepare.Cached)

	out, err = th.Submit(ctx, prepareJob("bad"))
	require.NoError(t, err)
	assert.True(t, out.Prepare.Cached)
	assert.Equal(t, "missing export validate_block", out.Prepare.CompileError)
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare))

	_, ok, err := th.store.Get(out.Prepare.Artifact)
	require.NoError(t, err)
	assert.False(t, ok, "failed code is never cached as an artifact")
}

func TestConcurrentPreparesShareOneCompilation(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)

	var wg sync.WaitGroup
	outs := make([]*types.Outcome, 4)
	errs := make([]error, 4)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i], errs[i] = th.Submit(context.Background(), prepareJob("slow module"))
		}(i)
	}
	wg.Wait()

	for i := range outs {
		require.NoError(t, errs[i])
		assert.True(t, outs[i].Prepare.OK())
		assert.Equal(t, outs[0].Prepare.Artifact, outs[i].Prepare.Artifact)
	}
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare))
}

func TestUnresponsiveWorkerIsKilled(t *testing.T) {
	cfg := testConfig(t, nil)
	th := newTestHost(t, cfg, "v1", nil)
	handle := mustPrepare(t, th, "module")

	timeout := cfg.Execute.Timeout.Std()
	attempts := cfg.Execute.MaxRetries + 1
	bound := time.Duration(attempts) * timeout

	start := time.Now()
	_, err := th.Submit(context.Background(), executeJob(handle, "", "hang"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrWorkerTimeout)

	var jobErr *JobError
	require.True(t, errors.As(err, &jobErr))
	assert.Equal(t, attempts, jobErr.Attempts)
	assert.Equal(t, types.PoolExecute, jobErr.Kind)

	// Only spawning a replacement worker may add to the timeout budget.
	spawnAllowance := time.Duration(attempts) * 250 * time.Millisecond
	assert.GreaterOrEqual(t, elapsed, bound)
	assert.LessOrEqual(t, elapsed, bound+spawnAllowance, "failure took %s, bound %s", elapsed, bound)

	for _, ev := range th.collect(t, events.EventWorkerKilled, attempts) {
		assert.Equal(t, "timeout", ev.Metadata[events.KeyReason])
		pid := ev.Metadata[events.KeyPID]
		require.NotEmpty(t, pid)
		assert.ErrorIs(t, syscall.Kill(atoi(t, pid), 0), syscall.ESRCH, "worker %s must be gone", pid)
	}
	th.collect(t, events.EventJobFailed, 1)
	assert.Equal(t, uint64(attempts), th.spawned(types.PoolExecute))
}

func TestWorkerReportsTimeoutBeforeKill(t *testing.T) {
	cfg := testConfig(t, nil)
	th := newTestHost(t, cfg, "v1", nil)
	handle := mustPrepare(t, th, "module")

	start := time.Now()
	res, err := th.Submit(context.Background(), executeJob(handle, "", "overrun"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), cfg.Execute.Timeout.Std()+time.Second)

	budget := cfg.Execute.Timeout.Std() - cfg.KillGrace.Std()
	assert.Equal(t, types.ExecResourceLimit, res.Execute.Result)
	assert.Equal(t, types.LimitTimeout, res.Execute.Limit)
	assert.Equal(t, budget.String(), res.Execute.Message)

	assert.Equal(t, uint64(1), th.spawned(types.PoolExecute), "the worker survives its own timeout")
	assert.Equal(t, uint64(0), th.Stats().Pools[1].Killed)
}

func TestCrashedWorkerIsReplaced(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	handle := mustPrepare(t, th, "module")
	marker := filepath.Join(t.TempDir(), "crashed")

	res, err := th.Submit(context.Background(), executeJob(handle, "", "crash-once:"+marker))
	require.NoError(t, err)
	assert.Equal(t, types.ExecValid, res.Execute.Result)
	assert.FileExists(t, marker)

	assert.Equal(t, uint64(2), th.spawned(types.PoolExecute))
	th.collect(t, events.EventWorkerDied, 1)
	th.collect(t, events.EventJobRetried, 1)
}

func TestCrashingCodeExhaustsRetries(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	handle := mustPrepare(t, th, "module")

	_, err := th.Submit(context.Background(), executeJob(handle, "", "crash"))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, ErrWorkerDied)
}

func TestWorkerWithoutHandshakeIsDiscarded(t *testing.T) {
	cfg := testConfig(t, map[string]string{envNoHandshake: "1"})
	th := newTestHost(t, cfg, "v1", nil)

	out, err := th.Submit(context.Background(), prepareJob("module"))
	assert.Nil(t, out)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, protocol.ErrUnexpectedMessage)
	assert.Equal(t, uint64(cfg.Prepare.MaxRetries+1), th.spawned(types.PoolPrepare))
}

func TestSecureModeRefusesIncompleteWorker(t *testing.T) {
	cfg := testConfig(t, map[string]string{envProbe: "partial"})
	cfg.SecureValidatorMode = true
	th := newTestHost(t, cfg, "v1", nil)

	err := th.Start(context.Background())
	assert.ErrorIs(t, err, ErrSecurityRequirements)

	_, err = th.Submit(context.Background(), prepareJob("module"))
	assert.ErrorIs(t, err, ErrSecurityRequirements)
	assert.NotErrorIs(t, err, ErrRetriesExhausted, "configuration errors are not retried")
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare))
}

func TestRequireSecureJob(t *testing.T) {
	th := newTestHost(t, testConfig(t, map[string]string{envProbe: "partial"}), "v1", nil)

	require.NoError(t, th.Start(context.Background()))
	status, _ := th.SecurityStatus()
	assert.Equal(t, []string{security.FeatureSeccomp}, status.Missing())

	job := prepareJob("module")
	job.RequireSecure = true
	_, err := th.Submit(context.Background(), job)
	assert.ErrorIs(t, err, ErrSecurityRequirements)

	// The same worker still serves ordinary jobs.
	_, err = th.Submit(context.Background(), prepareJob("module"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare))
}

func TestWorkerVersionMismatch(t *testing.T) {
	th := newTestHost(t, testConfig(t, map[string]string{envWorkerVersion: "other"}), "v1", nil)

	_, err := th.Submit(context.Background(), prepareJob("module"))
	assert.ErrorIs(t, err, ErrVersionMismatch)
	assert.Equal(t, uint64(1), th.spawned(types.PoolPrepare))
}

func TestStaleArtifactIsRecompiled(t *testing.T) {
	cfg := testConfig(t, nil)
	th1 := newTestHost(t, cfg, "v1", nil)
	old := mustPrepare(t, th1, "module")

	th2 := newTestHost(t, cfg, "v2", th1.store)
	ctx := context.Background()

	_, err := th2.Submit(ctx, executeJob(old, "", "block"))
	assert.ErrorIs(t, err, ErrArtifactUnavailable)

	res, err := th2.Submit(ctx, executeJob(old, "module", "block"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecValid, res.Execute.Result)
	assert.Equal(t, "v2", res.Execute.Artifact.Version)

	ev := th2.collect(t, events.EventArtifactInvalidated, 1)[0]
	assert.Equal(t, old.Key(), ev.Metadata[events.KeyArtifact])

	_, ok, err := th2.store.Get(old)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecuteRejectsMismatchedCode(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	handle := mustPrepare(t, th, "module")

	_, err := th.Submit(context.Background(), executeJob(handle, "other module", "block"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestExecuteCompilesMissingArtifact(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	ctx := context.Background()

	handle := cache.Handle([]byte("bad"), "v1")
	res, err := th.Submit(ctx, executeJob(handle, "bad", "block"))
	require.NoError(t, err)
	assert.Equal(t, types.ExecTrap, res.Execute.Result)
	assert.Contains(t, res.Execute.Message, "missing export")
}

func TestCancelQueuedJob(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Execute.Workers = 1
	cfg.Execute.Timeout = config.Duration(5 * time.Second)
	th := newTestHost(t, cfg, "v1", nil)
	handle := mustPrepare(t, th, "module")

	done := make(chan error, 1)
	go func() {
		_, err := th.Submit(context.Background(), executeJob(handle, "", "sleep:500ms"))
		done <- err
	}()
	require.Eventually(t, func() bool {
		return th.Stats().Pools[1].Workers[types.WorkerStateBusy] == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := th.Submit(ctx, executeJob(handle, "", "block"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, th.Stats().Pools[1].Waiters)

	require.NoError(t, <-done)
	assert.Equal(t, uint64(1), th.spawned(types.PoolExecute), "queued cancellation leaves the worker alone")
}

func TestCancelDispatchedJobKillsWorker(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Execute.Timeout = config.Duration(5 * time.Second)
	th := newTestHost(t, cfg, "v1", nil)
	handle := mustPrepare(t, th, "module")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := th.Submit(ctx, executeJob(handle, "", "hang"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)

	ev := th.collect(t, events.EventWorkerKilled, 1)[0]
	assert.Equal(t, "cancelled", ev.Metadata[events.KeyReason])
}

func TestClose(t *testing.T) {
	th := newTestHost(t, testConfig(t, nil), "v1", nil)
	mustPrepare(t, th, "module")

	require.NoError(t, th.Close())
	require.NoError(t, th.Close())

	_, err := th.Submit(context.Background(), prepareJob("module"))
	assert.ErrorIs(t, err, ErrClosed)

	for _, ps := range th.Stats().Pools {
		assert.Empty(t, ps.Workers)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	cfg := testConfig(t, nil)

	_, err := New(Options{Config: cfg})
	assert.Error(t, err, "logical version is required")

	cfg.Execute.Workers = 0
	_, err = New(Options{Config: cfg, LogicalVersion: "v1"})
	assert.Error(t, err)
}

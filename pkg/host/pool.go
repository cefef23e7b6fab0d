package host

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/vfhost/pkg/framing"
	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/metrics"
	"github.com/cuemby/vfhost/pkg/protocol"
	"github.com/cuemby/vfhost/pkg/security"
	"github.com/cuemby/vfhost/pkg/types"
)

// workerHandle is the host-side record of one worker process. state and
// the pool membership are guarded by the pool mutex; proc, conn and
// status are written once while the handle is Spawning or Handshaking
// and read only by whoever holds the handle afterwards.
type workerHandle struct {
	id     string
	pool   types.PoolKind
	state  types.WorkerState
	proc   *process
	conn   *framing.Conn
	status security.Status
}

func (w *workerHandle) pid() int {
	if w.proc == nil {
		return 0
	}
	return w.proc.pid
}

// grant is delivered to a queued waiter. Either w is set and owned by the
// waiter, or err is. With spawn set, w is a reserved Spawning handle the
// waiter must spawn; otherwise w is a ready Busy worker.
type grant struct {
	w     *workerHandle
	spawn bool
	err   error
}

type waiter struct {
	requireSecure bool
	ch            chan grant
	granted       bool
}

// spawner starts a worker process and reads its handshake. Implemented by
// Host.
type spawner interface {
	spawnWorker(ctx context.Context, p *pool, w *workerHandle) error
	killWorker(w *workerHandle, reason string)
}

// pool is one independently sized set of workers serving one job kind.
type pool struct {
	kind       types.PoolKind
	size       int
	maxRetries int
	spawner    spawner
	logger     zerolog.Logger

	mu      sync.Mutex
	workers map[string]*workerHandle
	idle    []*workerHandle
	waiters *list.List
	closed  bool

	spawned uint64
	killed  uint64
}

func newPool(kind types.PoolKind, size, maxRetries int, s spawner) *pool {
	return &pool{
		kind:       kind,
		size:       size,
		maxRetries: maxRetries,
		spawner:    s,
		logger:     log.WithPool(string(kind)),
		workers:    make(map[string]*workerHandle),
		waiters:    list.New(),
	}
}

// acquire returns a Busy worker whose status satisfies requireSecure. It
// prefers an idle worker, then spawns one when the pool has room, and
// otherwise waits in FIFO order.
func (p *pool) acquire(ctx context.Context, requireSecure bool) (*workerHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	if w := p.takeIdleLocked(requireSecure); w != nil {
		p.mu.Unlock()
		return w, nil
	}

	if len(p.workers) < p.size {
		w := p.reserveLocked()
		p.mu.Unlock()
		return p.spawn(ctx, w, requireSecure)
	}

	if requireSecure {
		// Every idle worker failed the status check above.
		if victim := p.takeIdleLocked(false); victim != nil {
			p.removeLocked(victim)
			w := p.reserveLocked()
			p.mu.Unlock()

			p.spawner.killWorker(victim, metrics.ReasonEvicted)
			return p.spawn(ctx, w, requireSecure)
		}
	}

	wt := &waiter{requireSecure: requireSecure, ch: make(chan grant, 1)}
	elem := p.waiters.PushBack(wt)
	p.mu.Unlock()

	select {
	case g := <-wt.ch:
		return p.redeem(ctx, g, requireSecure)
	case <-ctx.Done():
		p.mu.Lock()
		if !wt.granted {
			p.waiters.Remove(elem)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()

		// Lost the race against a grant: pass it on.
		g := <-wt.ch
		switch {
		case g.w != nil && g.spawn:
			p.discard(g.w, metrics.ReasonCancelled)
		case g.w != nil:
			p.release(g.w)
		}
		return nil, ctx.Err()
	}
}

func (p *pool) redeem(ctx context.Context, g grant, requireSecure bool) (*workerHandle, error) {
	if g.err != nil {
		return nil, g.err
	}
	if g.spawn {
		return p.spawn(ctx, g.w, requireSecure)
	}
	return g.w, nil
}

// spawn turns a reserved handle into a Busy worker.
func (p *pool) spawn(ctx context.Context, w *workerHandle, requireSecure bool) (*workerHandle, error) {
	if err := p.spawner.spawnWorker(ctx, p, w); err != nil {
		p.discard(w, spawnFailureReason(ctx, err))
		return nil, err
	}

	p.mu.Lock()
	if w.state == types.WorkerStateDead {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	w.state = types.WorkerStateBusy
	p.mu.Unlock()

	if !w.status.Satisfies(requireSecure) {
		// Still useful for jobs that do not require secure mode.
		p.release(w)
		return nil, fmt.Errorf("%w: worker lacks %v", ErrSecurityRequirements, w.status.Missing())
	}
	return w, nil
}

// release returns a healthy Busy worker to the pool. It goes straight to
// the first waiter it can serve, or becomes Idle.
func (p *pool) release(w *workerHandle) {
	p.mu.Lock()
	if p.closed {
		p.removeLocked(w)
		p.mu.Unlock()
		p.spawner.killWorker(w, metrics.ReasonShutdown)
		return
	}

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		wt := e.Value.(*waiter)
		if w.status.Satisfies(wt.requireSecure) {
			p.grantLocked(e, grant{w: w})
			p.mu.Unlock()
			return
		}
	}

	if front := p.waiters.Front(); front != nil {
		// Nobody queued can use this worker: replace it with a fresh one
		// for the head of the queue.
		p.removeLocked(w)
		p.grantLocked(front, grant{w: p.reserveLocked(), spawn: true})
		p.mu.Unlock()
		p.spawner.killWorker(w, metrics.ReasonEvicted)
		return
	}

	w.state = types.WorkerStateIdle
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// discard removes w from the pool and kills its process. Its slot goes to
// the first waiter, if any. Calling discard twice is harmless.
func (p *pool) discard(w *workerHandle, reason string) {
	p.mu.Lock()
	if w.state == types.WorkerStateDead {
		p.mu.Unlock()
		return
	}
	p.removeLocked(w)
	if !p.closed {
		if front := p.waiters.Front(); front != nil {
			p.grantLocked(front, grant{w: p.reserveLocked(), spawn: true})
		}
	}
	p.mu.Unlock()

	p.spawner.killWorker(w, reason)
}

// close fails every waiter and kills every worker. Busy workers are killed
// too; their callers see the channel fail and then ErrClosed.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		p.grantLocked(e, grant{err: ErrClosed})
	}

	var victims []*workerHandle
	for _, w := range p.workers {
		if w.proc != nil {
			victims = append(victims, w)
		}
		p.removeLocked(w)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range victims {
		wg.Add(1)
		go func(w *workerHandle) {
			defer wg.Done()
			p.spawner.killWorker(w, metrics.ReasonShutdown)
		}(w)
	}
	wg.Wait()
}

// call sends one request to a Busy worker and decodes the matching
// response into resp. The worker must be discarded when call fails.
func (p *pool) call(ctx context.Context, w *workerHandle, req any, resp any) error {
	if err := protocol.Send(ctx, w.conn, protocol.RequestKind(p.kind), req); err != nil {
		return err
	}
	env, err := protocol.Receive(ctx, w.conn)
	if err != nil {
		return err
	}
	return env.Expect(protocol.ResponseKind(p.kind), resp)
}

func (p *pool) takeIdleLocked(requireSecure bool) *workerHandle {
	for i, w := range p.idle {
		if w.status.Satisfies(requireSecure) {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			w.state = types.WorkerStateBusy
			return w
		}
	}
	return nil
}

func (p *pool) reserveLocked() *workerHandle {
	w := &workerHandle{
		id:    uuid.NewString(),
		pool:  p.kind,
		state: types.WorkerStateSpawning,
	}
	p.workers[w.id] = w
	return w
}

func (p *pool) removeLocked(w *workerHandle) {
	if w.state == types.WorkerStateIdle {
		for i, iw := range p.idle {
			if iw == w {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				break
			}
		}
	}
	w.state = types.WorkerStateDead
	delete(p.workers, w.id)
}

func (p *pool) grantLocked(e *list.Element, g grant) {
	wt := p.waiters.Remove(e).(*waiter)
	wt.granted = true
	wt.ch <- g
}

// attach records the process of a reserved handle and moves it to
// Handshaking. It returns false when the handle was removed meanwhile, in
// which case the caller owns proc and must kill it.
func (p *pool) attach(w *workerHandle, proc *process) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.state == types.WorkerStateDead {
		return false
	}
	w.proc = proc
	w.state = types.WorkerStateHandshaking
	p.spawned++
	return true
}

func (p *pool) countKill() {
	p.mu.Lock()
	p.killed++
	p.mu.Unlock()
}

// PoolStats is a snapshot of one pool.
type PoolStats struct {
	Kind    types.PoolKind
	Size    int
	Workers map[types.WorkerState]int
	Waiters int
	Spawned uint64
	Killed  uint64
	Closed  bool
}

func (p *pool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Kind:    p.kind,
		Size:    p.size,
		Workers: make(map[types.WorkerState]int),
		Waiters: p.waiters.Len(),
		Spawned: p.spawned,
		Killed:  p.killed,
		Closed:  p.closed,
	}
	for _, w := range p.workers {
		s.Workers[w.state]++
	}
	return s
}

// callerErr reports why the caller's ctx is finished. A deadline that has
// passed counts even when its timer has not fired yet: connection deadlines
// share the instant and may win the race.
func callerErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return nil
}

func spawnFailureReason(ctx context.Context, err error) string {
	switch {
	case callerErr(ctx) != nil:
		return metrics.ReasonCancelled
	case errors.Is(err, ErrSecurityRequirements), errors.Is(err, ErrVersionMismatch):
		return metrics.ReasonSecurity
	case errors.Is(err, ErrWorkerTimeout):
		return metrics.ReasonTimeout
	default:
		return metrics.ReasonHandshake
	}
}

// failureReason names why a worker that failed a job is discarded.
func failureReason(ctx context.Context, err error) string {
	switch {
	case callerErr(ctx) != nil:
		return metrics.ReasonCancelled
	case errors.Is(err, ErrWorkerTimeout), errors.Is(err, context.DeadlineExceeded):
		return metrics.ReasonTimeout
	case errors.Is(err, protocol.ErrUnexpectedMessage),
		errors.Is(err, protocol.ErrMalformed),
		errors.Is(err, ErrWorkerFailed):
		return metrics.ReasonProtocol
	default:
		return metrics.ReasonDied
	}
}

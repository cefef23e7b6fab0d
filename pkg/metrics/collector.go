package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/vfhost/pkg/log"
	"github.com/cuemby/vfhost/pkg/types"
)

// PoolSnapshot is the state of one worker pool at a point in time
type PoolSnapshot struct {
	Pool    types.PoolKind
	Size    int
	Workers map[types.WorkerState]int
	Waiters int
	Closed  bool
}

// Source is what the collector samples. The host implements it.
type Source interface {
	PoolSnapshots() []PoolSnapshot
	CacheEntries() (int, error)
	EventsDropped() uint64
}

var allStates = []types.WorkerState{
	types.WorkerStateSpawning,
	types.WorkerStateHandshaking,
	types.WorkerStateIdle,
	types.WorkerStateBusy,
	types.WorkerStateDead,
}

// DefaultCollectInterval is how often a Collector samples by default.
const DefaultCollectInterval = 15 * time.Second

// Collector copies host state into gauges and keeps the cache and pool
// health components current.
type Collector struct {
	source   Source
	interval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector returns a collector sampling source every
// DefaultCollectInterval.
func NewCollector(source Source) *Collector {
	return NewCollectorWithInterval(source, DefaultCollectInterval)
}

// NewCollectorWithInterval is NewCollector with a custom period.
func NewCollectorWithInterval(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultCollectInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start samples once and then on every tick until Stop.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop ends the sampling loop and waits for it. Stop must follow Start.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

// Collect samples the source once
func (c *Collector) Collect() {
	for _, snap := range c.source.PoolSnapshots() {
		c.collectPool(snap)
	}

	n, err := c.source.CacheEntries()
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Failed to count cache entries")
		UpdateComponent(ComponentCache, false, err.Error())
	} else {
		CacheEntries.Set(float64(n))
		UpdateComponent(ComponentCache, true, "")
	}

	EventsDropped.Set(float64(c.source.EventsDropped()))
}

func (c *Collector) collectPool(snap PoolSnapshot) {
	pool := string(snap.Pool)
	for _, state := range allStates {
		WorkersTotal.WithLabelValues(pool, string(state)).Set(float64(snap.Workers[state]))
	}
	QueueWaiters.WithLabelValues(pool).Set(float64(snap.Waiters))

	component := PoolComponent(snap.Pool)
	if component == "" {
		return
	}
	if snap.Closed {
		UpdateComponent(component, false, "closed")
		return
	}
	busy := snap.Workers[types.WorkerStateBusy]
	UpdateComponent(component, true, fmt.Sprintf("%d/%d busy, %d waiting", busy, snap.Size, snap.Waiters))
}

// PoolComponent names the health component of a pool kind.
func PoolComponent(kind types.PoolKind) string {
	switch kind {
	case types.PoolPrepare:
		return ComponentPreparePool
	case types.PoolExecute:
		return ComponentExecutePool
	default:
		return ""
	}
}

package host

import (
	"github.com/cuemby/vfhost/pkg/metrics"
	"github.com/cuemby/vfhost/pkg/types"
)

// Stats is a point-in-time view of the host.
type Stats struct {
	Version    string
	Namespaces bool
	Pools      []PoolStats
}

// Stats returns a snapshot of both pools.
func (h *Host) Stats() Stats {
	return Stats{
		Version:    h.version,
		Namespaces: h.namespaces.Load(),
		Pools: []PoolStats{
			h.pools[types.PoolPrepare].stats(),
			h.pools[types.PoolExecute].stats(),
		},
	}
}

// PoolSnapshots implements metrics.Source.
func (h *Host) PoolSnapshots() []metrics.PoolSnapshot {
	stats := h.Stats()
	snaps := make([]metrics.PoolSnapshot, 0, len(stats.Pools))
	for _, ps := range stats.Pools {
		snaps = append(snaps, metrics.PoolSnapshot{
			Pool:    ps.Kind,
			Size:    ps.Size,
			Workers: ps.Workers,
			Waiters: ps.Waiters,
			Closed:  ps.Closed,
		})
	}
	return snaps
}

// CacheEntries implements metrics.Source.
func (h *Host) CacheEntries() (int, error) {
	if h.store == nil {
		return 0, nil
	}
	return h.store.Len()
}

// EventsDropped implements metrics.Source.
func (h *Host) EventsDropped() uint64 {
	if h.events == nil {
		return 0
	}
	return h.events.Dropped()
}

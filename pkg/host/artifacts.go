package host

import (
	"context"

	"github.com/cuemby/vfhost/pkg/events"
	"github.com/cuemby/vfhost/pkg/metrics"
	"github.com/cuemby/vfhost/pkg/types"
)

// lookup returns the cached artifact for handle. A job that requires
// secure mode only accepts artifacts compiled by a hardened worker; any
// other entry is a miss and gets replaced once recompiled.
func (h *Host) lookup(handle types.ArtifactHandle, requireSecure bool) ([]byte, bool) {
	if h.store == nil {
		return nil, false
	}
	a, ok, err := h.store.Lookup(handle)
	if err != nil {
		h.logger.Warn().Err(err).Str("artifact", handle.Key()).Msg("Cache read failed")
		metrics.UpdateComponent(metrics.ComponentCache, false, err.Error())
		return nil, false
	}
	if ok && requireSecure && !a.Hardened {
		h.logger.Debug().Str("artifact", handle.Key()).Msg("Cached artifact was not compiled by a hardened worker")
		ok = false
	}
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return a.Data, true
}

// invalidate drops a cache entry that can no longer be used.
func (h *Host) invalidate(handle types.ArtifactHandle, jobID, reason string) {
	if h.store != nil {
		if err := h.store.Delete(handle); err != nil {
			h.logger.Warn().Err(err).Str("artifact", handle.Key()).Msg("Failed to delete artifact")
		}
	}
	h.logger.Info().Str("artifact", handle.Key()).Str("reason", reason).Msg("Artifact invalidated")
	h.publish(events.EventArtifactInvalidated, reason, map[string]string{
		events.KeyJobID:    jobID,
		events.KeyArtifact: handle.Key(),
		events.KeyReason:   reason,
	})
}

func (h *Host) joinFlight(key string) context.Context {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()

	f, ok := h.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(h.ctx)
		f = &flight{ctx: ctx, cancel: cancel}
		h.flights[key] = f
	}
	f.refs++
	return f.ctx
}

// leaveFlight cancels the shared preparation once nobody waits for it.
func (h *Host) leaveFlight(key string) {
	h.flightMu.Lock()
	defer h.flightMu.Unlock()

	f, ok := h.flights[key]
	if !ok {
		return
	}
	f.refs--
	if f.refs == 0 {
		f.cancel()
		delete(h.flights, key)
		h.group.Forget(key)
	}
}

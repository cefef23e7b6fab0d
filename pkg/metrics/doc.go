/*
Package metrics provides Prometheus metrics and health endpoints for the
validation host.

All metrics are registered with the default registry at package init and
exposed by Handler. Counters and histograms are updated directly on the
job path by the host. Gauges that describe pool state are sampled by a
Collector every 15 seconds from a Source.

# Metrics

Pool:

	vfhost_workers{pool,state}                 gauge
	vfhost_queue_waiters{pool}                 gauge
	vfhost_worker_spawns_total{pool}           counter
	vfhost_worker_kills_total{pool,reason}     counter
	vfhost_handshake_duration_seconds{pool}    histogram

Jobs:

	vfhost_jobs_total{pool,result}             counter
	vfhost_job_retries_total{pool}             counter
	vfhost_job_duration_seconds{pool}          histogram

Cache and security:

	vfhost_cache_hits_total                    counter
	vfhost_cache_misses_total                  counter
	vfhost_cache_entries                       gauge
	vfhost_security_feature_available{feature} gauge
	vfhost_events_dropped                      gauge

# Health

Components register themselves with RegisterComponent and report changes
with UpdateComponent. /health is unhealthy while any component is.
/ready additionally requires the cache, both pools and the security probe
to have registered.

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())
*/
package metrics

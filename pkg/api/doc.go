// Package api serves the operator HTTP endpoints of a running host:
// liveness, readiness, Prometheus metrics and a JSON view of the pools.
package api

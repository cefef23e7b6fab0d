package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the body of the /health and /ready endpoints
type HealthStatus struct {
	Status     string            `json:"status"` // "healthy", "unhealthy", "ready", "not_ready"
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// Components reported by the host. All of them are critical for readiness.
const (
	ComponentCache       = "cache"
	ComponentPreparePool = "prepare_pool"
	ComponentExecutePool = "execute_pool"
	ComponentSecurity    = "security"
)

var criticalComponents = []string{
	ComponentCache,
	ComponentPreparePool,
	ComponentExecutePool,
	ComponentSecurity,
}

// ComponentHealth is the last reported state of one component. Since is
// when Healthy last changed.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Message string
	Updated time.Time
	Since   time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

func newHealthRegistry(version string) *healthRegistry {
	return &healthRegistry{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
		version:    version,
	}
}

var health = newHealthRegistry("")

func (r *healthRegistry) set(name string, healthy bool, message string) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	since := now
	if prev, ok := r.components[name]; ok && prev.Healthy == healthy {
		since = prev.Since
	}
	r.components[name] = ComponentHealth{
		Name:    name,
		Healthy: healthy,
		Message: message,
		Updated: now,
		Since:   since,
	}
}

func (r *healthRegistry) status(status, message string, components map[string]string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    r.version,
		Uptime:     time.Since(r.startTime).String(),
		StartTime:  r.startTime,
	}
}

// SetVersion sets the version string for health responses
func SetVersion(version string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = version
}

// RegisterComponent records the state of a component. Registering an
// existing component replaces its state.
func RegisterComponent(name string, healthy bool, message string) {
	health.set(name, healthy, message)
}

// UpdateComponent is RegisterComponent for components known to exist.
func UpdateComponent(name string, healthy bool, message string) {
	health.set(name, healthy, message)
}

// GetHealth reports every registered component. One unhealthy component
// makes the host unhealthy.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(health.components))
	for name, comp := range health.components {
		if comp.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.Message
	}
	return health.status(status, "", components)
}

// GetReadiness reports ready once every critical component is registered
// and healthy. The message names the first one that is not.
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		comp, ok := health.components[name]
		switch {
		case !ok:
			components[name] = "not registered"
		case !comp.Healthy:
			components[name] = "not ready: " + comp.Message
		default:
			components[name] = "ready"
			continue
		}
		if status == "ready" {
			status = "not_ready"
			message = "waiting for " + name
		}
	}
	return health.status(status, message, components)
}

func writeStatus(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler serves GetHealth, with 503 when unhealthy
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := GetHealth()
		code := http.StatusOK
		if h.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, h)
	}
}

// ReadyHandler serves GetReadiness, with 503 when not ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ready := GetReadiness()
		code := http.StatusOK
		if ready.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeStatus(w, code, ready)
	}
}

// LivenessHandler always answers 200 while the process runs
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health.mu.RLock()
		uptime := time.Since(health.startTime)
		health.mu.RUnlock()

		writeStatus(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": uptime.String(),
		})
	}
}

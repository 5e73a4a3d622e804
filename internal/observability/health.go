package observability

import (
	"net/http"
	"sync/atomic"
)

// HealthChecker tracks process liveness and readiness. Liveness is true for
// the life of the process; readiness flips once recovery has finished and the
// engine is accepting operations.
type HealthChecker struct {
	ready atomic.Bool
	live  atomic.Bool
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{}
	h.live.Store(true)
	return h
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

func (h *HealthChecker) Ready() bool { return h.ready.Load() }

func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	if !h.live.Load() {
		http.Error(w, "not live", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

package relay

import (
	"encoding/json"
	"net/http"
)

type healthStatus struct {
	State  State     `json:"state"`
	Source ConnState `json:"source"`
	Sink   ConnState `json:"sink"`
}

// HealthHandler reports the engine state as JSON. It answers 200 while the
// engine is Running and 503 otherwise.
func (e *Engine) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.mu.Lock()
		status := healthStatus{
			State:  e.state,
			Source: e.sourceState,
			Sink:   e.sinkState,
		}
		e.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status.State != StateRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

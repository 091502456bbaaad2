package httpapi

import (
	"net/http"
	"time"

	"github.com/careerpulse/hub/internal/pool"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleReady probes the hard dependencies. A degraded Redis keeps the hub
// ready (the cache and limiter have fallbacks); a dead database does not.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if err := s.db.PingContext(r.Context()); err != nil {
		checks["postgres"] = err.Error()
		ready = false
	} else {
		checks["postgres"] = "ok"
	}

	if err := s.tier.Ping(r.Context()); err != nil {
		checks["redis"] = "degraded: " + err.Error()
	} else {
		checks["redis"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
	})
}

func (s *Server) handleMonitoringCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tier.Stats())
}

func (s *Server) handleMonitoringPools(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]pool.Stats, len(s.pools))
	for name, exec := range s.pools {
		stats[name] = exec.Stats()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMonitoringRateLimit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": s.limiter.Rules(),
	})
}

func (s *Server) handleMonitoringKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": s.keys.Status(),
		"keys":   s.keys.Infos(),
	})
}

func (s *Server) handleMonitoringAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": s.registry.ActiveAlerts(),
	})
}

func (s *Server) handleMonitoringSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.CollectSystem())
}

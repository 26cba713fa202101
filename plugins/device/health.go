package device

import (
	"encoding/json"
	"net/http"
)

// Health is the body served by HealthHandler.
type Health struct {
	Status string
	Pool   StatsView
}

// HealthHandler reports liveness together with the pool usage of leases.
func HealthHandler(leases LeaseReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := Health{Status: "UP", Pool: newStatsView(leases.Stats())}
		response, err := json.Marshal(health)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(response)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
	}
}

// Package health provides health check handlers for the gateway.
//
// Health checks are essential for:
//   - Load balancer health checks
//   - Kubernetes liveness/readiness probes
//   - Monitoring and alerting
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
)

// SourceChecker is implemented by whichever Distribution Plane source is
// active (database.DB, the Data Plane's dataplane.Client) so /health can
// report connectivity without this package depending on any one mode's
// concrete type. File mode supplies no SourceChecker.
type SourceChecker interface {
	Health(ctx context.Context) map[string]interface{}
}

// Handler provides HTTP handlers for health checks.
type Handler struct {
	source SourceChecker
	store  *configstore.Store
}

// NewHandler creates a new health check handler. source may be nil for
// modes with no external connectivity to probe (e.g. File mode between
// reloads); Ready then falls back to the Config Store having completed
// at least one load.
func NewHandler(source SourceChecker, store *configstore.Store) *Handler {
	return &Handler{source: source, store: store}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string                 `json:"status"` // "healthy" or "degraded"
	Uptime        string                 `json:"uptime,omitempty"`
	Source        map[string]interface{} `json:"source,omitempty"`
	ConfigVersion uint64                 `json:"config_version"`
	LastUpdatedAt time.Time              `json:"last_updated_at"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of an individual health check.
type CheckResult struct {
	Status  string `json:"status"` // "pass" or "fail"
	Message string `json:"message,omitempty"`
}

var startTime = time.Now()

// Health handles the /health endpoint. Per the §4.E resilience
// contract, a source outage degrades this endpoint's status but MUST
// NOT be treated as cause to stop serving proxy traffic elsewhere.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	overallStatus := "healthy"
	statusCode := http.StatusOK
	checks := map[string]CheckResult{}

	var sourceHealth map[string]interface{}
	if h.source != nil {
		sourceHealth = h.source.Health(ctx)
		if sourceHealth["status"] != "healthy" {
			overallStatus = "degraded"
			checks["source"] = CheckResult{Status: "fail", Message: fmt.Sprintf("%v", sourceHealth["error"])}
		} else {
			checks["source"] = CheckResult{Status: "pass"}
		}
	}

	snap := h.store.GetSnapshot()
	checks["config_store"] = CheckResult{Status: "pass", Message: fmt.Sprintf("version %d", snap.Version)}

	response := HealthResponse{
		Status:        overallStatus,
		Uptime:        formatDuration(time.Since(startTime)),
		Source:        sourceHealth,
		ConfigVersion: snap.Version,
		LastUpdatedAt: snap.LastUpdatedAt,
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("failed to encode health response")
	}
}

// Ready handles the /ready endpoint for Kubernetes readiness probes.
// Ready once the Config Store has completed at least one load
// (version > 0), regardless of the source's current connectivity —
// traffic already has a snapshot to serve.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.store.GetSnapshot().Version == 0 {
		log.Warn().Str("component", "health").Msg("readiness check failed: no configuration loaded yet")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready","reason":"no configuration loaded"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

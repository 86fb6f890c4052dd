package handlers

import (
	"net/http"
	"time"

	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/storage"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	store    *index.Store
	registry *storage.Registry
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(store *index.Store, registry *storage.Registry) *HealthHandler {
	return &HealthHandler{store: store, registry: registry}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Liveness handles GET /health: the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

// Readiness handles GET /health/ready: the index database answers queries
// and at least one storage backend is registered.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := h.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "unhealthy",
			Timestamp: time.Now().UTC(),
			Error:     "index database unreachable: " + err.Error(),
		})
		return
	}
	if len(h.registry.IDs()) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status:    "unhealthy",
			Timestamp: time.Now().UTC(),
			Error:     "no storage backends registered",
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
)

// Pinger is a storage backend that can answer a liveness check
type Pinger interface {
	Ping() error
}

// HealthHandler serves liveness and readiness checks
type HealthHandler struct {
	storage Pinger
	bus     interfaces.EventBus
	queue   interfaces.JobQueue
	logger  arbor.ILogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(storage Pinger, bus interfaces.EventBus, queue interfaces.JobQueue, logger arbor.ILogger) *HealthHandler {
	return &HealthHandler{
		storage: storage,
		bus:     bus,
		queue:   queue,
		logger:  logger,
	}
}

// HealthzHandler reports that the process is up.
// GET /healthz
func (h *HealthHandler) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"service": "folio",
		"version": common.GetVersion(),
	})
}

// ReadyzHandler checks the queue storage and the event backend and reports the queue depth.
// GET /readyz
func (h *HealthHandler) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	ready := true
	storageStatus := "ok"
	if err := h.storage.Ping(); err != nil {
		ready = false
		storageStatus = err.Error()
		h.logger.Warn().Err(err).Msg("Readiness: storage ping failed")
	}

	eventsStatus := "ok"
	if err := h.bus.Ping(ctx); err != nil {
		ready = false
		eventsStatus = err.Error()
		h.logger.Warn().Err(err).Msg("Readiness: event bus ping failed")
	}

	// Depth is informational; a failed count does not fail readiness on its own
	var depth interface{}
	if n, err := h.queue.Depth(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("Readiness: queue depth unavailable")
	} else {
		depth = n
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]interface{}{
		"ok":          ready,
		"storage":     storageStatus,
		"events":      eventsStatus,
		"queue_depth": depth,
	})
}

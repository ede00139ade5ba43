package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/metrics"
	"github.com/ternarybob/folio/internal/models"
)

// SSEStreamHandler relays one job's event channel to a Server-Sent Events client.
// It never publishes; it only forwards what the job's emitter put on the bus.
type SSEStreamHandler struct {
	bus       interfaces.EventBus
	keepalive time.Duration
	metrics   metrics.Sink
	logger    arbor.ILogger
}

// NewSSEStreamHandler creates a new SSE stream handler.
// keepalive bounds each wait on the bus; a ping frame is written whenever it elapses.
func NewSSEStreamHandler(bus interfaces.EventBus, keepalive time.Duration, sink metrics.Sink, logger arbor.ILogger) *SSEStreamHandler {
	if keepalive <= 0 {
		keepalive = time.Second
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &SSEStreamHandler{
		bus:       bus,
		keepalive: keepalive,
		metrics:   sink,
		logger:    logger,
	}
}

// StreamHandler streams the events of a job until done or disconnect.
// GET /generate/stream?job_id=<id>
func (h *SSEStreamHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job_id required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()

	sub, err := h.bus.Subscribe(ctx, jobID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to subscribe to job events")
		h.writeStreamError(w, flusher, "event stream unavailable")
		return
	}
	defer sub.Close()

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	h.logger.Debug().Str("job_id", jobID).Msg("SSE client connected")

	// Confirm the connection before any job event arrives
	if err := writeSSEFrame(w, flusher, models.PingEnvelope()); err != nil {
		return
	}

	for {
		if ctx.Err() != nil {
			h.logger.Debug().Str("job_id", jobID).Msg("SSE client disconnected")
			return
		}

		env, ok, err := sub.Next(ctx, h.keepalive)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Event subscription failed")
			h.writeStreamError(w, flusher, "event stream interrupted")
			return
		}

		if !ok {
			env = models.PingEnvelope()
		}
		if err := writeSSEFrame(w, flusher, env); err != nil {
			h.logger.Debug().Err(err).Str("job_id", jobID).Msg("SSE write failed")
			return
		}

		if env.Event.IsTerminal() {
			h.logger.Debug().Str("job_id", jobID).Msg("SSE stream complete")
			return
		}
	}
}

func (h *SSEStreamHandler) writeStreamError(w http.ResponseWriter, flusher http.Flusher, message string) {
	env, err := models.NewEnvelope(models.EventError, models.ErrorData{Message: message})
	if err != nil {
		return
	}
	_ = writeSSEFrame(w, flusher, env)
}

// writeSSEFrame writes "event: <kind>\ndata: <json>\n\n" and flushes
func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, env models.Envelope) error {
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

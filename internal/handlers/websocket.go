package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/common"
	"github.com/ternarybob/folio/internal/interfaces"
	"github.com/ternarybob/folio/internal/metrics"
	"github.com/ternarybob/folio/internal/models"
	"golang.org/x/time/rate"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origins are enforced by the CORS middleware
	},
}

// WebSocketHandler mirrors a job's event stream over a WebSocket.
// Each text message is the wire envelope {"event": ..., "data": ...}.
type WebSocketHandler struct {
	bus              interfaces.EventBus
	keepalive        time.Duration
	progressThrottle time.Duration
	metrics          metrics.Sink
	logger           arbor.ILogger
}

// NewWebSocketHandler creates a new WebSocket handler.
// progressThrottle spaces intermediate progress frames per connection; zero forwards all of them.
func NewWebSocketHandler(bus interfaces.EventBus, keepalive, progressThrottle time.Duration, sink metrics.Sink, logger arbor.ILogger) *WebSocketHandler {
	if keepalive <= 0 {
		keepalive = time.Second
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &WebSocketHandler{
		bus:              bus,
		keepalive:        keepalive,
		progressThrottle: progressThrottle,
		metrics:          sink,
		logger:           logger,
	}
}

// HandleWebSocket upgrades the connection and relays events until done or disconnect.
// GET /generate/ws?job_id=<id>
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		WriteError(w, http.StatusBadRequest, "job_id required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read messages from client so a close frame or dead peer ends the relay
	common.SafeGo(h.logger, "ws-reader:"+jobID, func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug().Err(err).Str("job_id", jobID).Msg("WebSocket read error")
				}
				return
			}
		}
	})

	sub, err := h.bus.Subscribe(ctx, jobID)
	if err != nil {
		h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to subscribe to job events")
		h.sendStreamError(conn, "event stream unavailable")
		return
	}
	defer sub.Close()

	h.metrics.StreamOpened()
	defer h.metrics.StreamClosed()

	h.logger.Debug().Str("job_id", jobID).Msg("WebSocket client connected")

	var throttler *rate.Limiter
	if h.progressThrottle > 0 {
		throttler = rate.NewLimiter(rate.Every(h.progressThrottle), 1)
	}

	if err := h.send(conn, models.PingEnvelope()); err != nil {
		return
	}

	for ctx.Err() == nil {
		env, ok, err := sub.Next(ctx, h.keepalive)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Warn().Err(err).Str("job_id", jobID).Msg("Event subscription failed")
				h.sendStreamError(conn, "event stream interrupted")
			}
			return
		}
		if !ok {
			env = models.PingEnvelope()
		}

		if env.Event == models.EventProgress && throttler != nil && !throttler.Allow() && !finalProgress(env) {
			continue
		}

		if err := h.send(conn, env); err != nil {
			h.logger.Debug().Err(err).Str("job_id", jobID).Msg("WebSocket write failed")
			return
		}

		if env.Event.IsTerminal() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
				time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, env models.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *WebSocketHandler) sendStreamError(conn *websocket.Conn, message string) {
	env, err := models.NewEnvelope(models.EventError, models.ErrorData{Message: message})
	if err != nil {
		return
	}
	_ = h.send(conn, env)
}

// finalProgress keeps the 100% frame even when throttled
func finalProgress(env models.Envelope) bool {
	var p models.ProgressData
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return false
	}
	return p.Percent >= 100
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"jimbot/services/internal/config"
	"jimbot/services/internal/events"
	"jimbot/services/internal/journal"
	"jimbot/services/internal/logging"
	"jimbot/services/internal/metrics"
	"jimbot/services/internal/routing"
)

// protocolVersion is advertised in health metadata for mod compatibility checks.
const protocolVersion = "1.0"

// Options configures the event bus HandlerSet.
type Options struct {
	Logger       *logging.Logger
	Router       *routing.Router
	Converter    *events.Converter
	Metrics      *metrics.Bus
	Journal      *journal.Recorder
	Version      string
	MaxBodyBytes int64
	TimeSource   func() time.Time
}

// HandlerSet bundles the event bus REST handlers.
type HandlerSet struct {
	logger       *logging.Logger
	router       *routing.Router
	converter    *events.Converter
	metrics      *metrics.Bus
	journal      *journal.Recorder
	version      string
	maxBodyBytes int64
	now          func() time.Time
	start        time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = config.DefaultMaxBodyBytes
	}
	return &HandlerSet{
		logger:       logger,
		router:       opts.Router,
		converter:    opts.Converter,
		metrics:      opts.Metrics,
		journal:      opts.Journal,
		version:      opts.Version,
		maxBodyBytes: maxBody,
		now:          now,
		start:        now(),
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/api/v1/events", h.EventHandler())
	mux.HandleFunc("/api/v1/events/batch", h.BatchHandler())
	mux.HandleFunc("/health", h.HealthHandler())
	mux.HandleFunc("/ws/subscribe", h.SubscribeHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
}

type apiResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func apiOK() apiResponse { return apiResponse{Status: "ok"} }

func apiError(message string) apiResponse { return apiResponse{Status: "error", Error: message} }

// EventHandler accepts a single JSON event envelope.
func (h *HandlerSet) EventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, apiError("POST required"))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError("unreadable request body"))
			return
		}
		if err := h.ingest(r, body); err != nil {
			if isValidation(err) {
				//1.- Handled-with-error keeps the 200 contract for mod clients.
				writeJSON(w, http.StatusOK, apiError(err.Error()))
				return
			}
			writeJSON(w, http.StatusBadRequest, apiError(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, apiOK())
	}
}

// BatchHandler accepts {"events": [envelope, ...]} and routes every
// well-formed entry, reporting per-index failures in the summary.
func (h *HandlerSet) BatchHandler() http.HandlerFunc {
	type batchRequest struct {
		Events []json.RawMessage `json:"events"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, apiError("POST required"))
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, apiError("unreadable request body"))
			return
		}
		var batch batchRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			writeJSON(w, http.StatusBadRequest, apiError("malformed batch request"))
			return
		}

		var failures []string
		processed := 0
		for idx, raw := range batch.Events {
			if err := h.ingest(r, raw); err != nil {
				failures = append(failures, fmt.Sprintf("event %d: %v", idx, err))
				continue
			}
			processed++
		}
		if len(failures) == 0 {
			writeJSON(w, http.StatusOK, apiOK())
			return
		}
		summary := fmt.Sprintf("processed %d/%d events; errors: %s",
			processed, len(batch.Events), strings.Join(failures, ", "))
		writeJSON(w, http.StatusOK, apiError(summary))
	}
}

// ingest validates the envelope, routes the typed event, and journals it.
func (h *HandlerSet) ingest(r *http.Request, body []byte) error {
	logger := logging.LoggerFromContext(r.Context())

	event, err := h.converter.Parse(body)
	if err != nil {
		if h.metrics != nil {
			h.metrics.EventsFailed.Inc()
		}
		logger.Debug("event rejected", logging.Error(err))
		return err
	}
	if h.metrics != nil {
		h.metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()
	}

	//1.- Stamp the request trace onto the event so downstream consumers correlate.
	if traceID := logging.TraceIDFromContext(r.Context()); traceID != "" {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 1)
		}
		if _, present := event.Metadata[logging.TraceIDField]; !present {
			event.Metadata[logging.TraceIDField] = traceID
		}
	}

	started := h.now()
	result := h.router.Route(event)
	if h.metrics != nil {
		h.metrics.RoutingSeconds.Observe(h.now().Sub(started).Seconds())
		h.metrics.EventsProcessed.Inc()
	}
	logger.Debug("event routed",
		logging.String("topic", result.Topic),
		logging.Int("delivered", result.Delivered),
		logging.Int("dropped", result.Dropped))

	//2.- Journal failures are logged, never surfaced: routing already succeeded.
	if h.journal != nil {
		if n, err := h.journal.Record(event); err != nil {
			logger.Warn("journal append failed", logging.Error(err))
		} else if h.metrics != nil {
			h.metrics.JournalBytes.Add(float64(n))
		}
	}
	return nil
}

// HealthHandler reports service health plus identification metadata.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type response struct {
		Status        string            `json:"status"`
		Version       string            `json:"version"`
		UptimeSeconds int64             `json:"uptime_seconds"`
		Metadata      map[string]string `json:"metadata"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:        "healthy",
			Version:       h.version,
			UptimeSeconds: int64(h.now().Sub(h.start).Seconds()),
			Metadata: map[string]string{
				"service":          "event-bus",
				"protocol_version": protocolVersion,
			},
		})
	}
}

func isValidation(err error) bool {
	return errors.Is(err, events.ErrEmptyType) ||
		errors.Is(err, events.ErrEmptySource) ||
		errors.Is(err, events.ErrUnknownType)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

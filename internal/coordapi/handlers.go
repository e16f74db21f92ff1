// Package coordapi exposes the resource coordinator's REST surface.
package coordapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"jimbot/services/internal/logging"
	"jimbot/services/internal/metrics"
	"jimbot/services/internal/quota"
	"jimbot/services/internal/resources"
)

const defaultPriority = 100

// Options configures the coordinator HandlerSet.
type Options struct {
	Logger               *logging.Logger
	Broker               *resources.Broker
	Tiers                *quota.Registry
	Metrics              *metrics.Coordinator
	Version              string
	DefaultLeaseDuration time.Duration
	TimeSource           func() time.Time
}

// HandlerSet bundles the coordinator handlers plus allocation statistics.
type HandlerSet struct {
	logger        *logging.Logger
	broker        *resources.Broker
	tiers         *quota.Registry
	metrics       *metrics.Coordinator
	version       string
	leaseDuration time.Duration
	now           func() time.Time
	start         time.Time

	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
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
	leaseDuration := opts.DefaultLeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = 5 * time.Minute
	}
	return &HandlerSet{
		logger:        logger,
		broker:        opts.Broker,
		tiers:         opts.Tiers,
		metrics:       opts.Metrics,
		version:       opts.Version,
		leaseDuration: leaseDuration,
		now:           now,
		start:         now(),
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/allocate", h.AllocateHandler())
	mux.HandleFunc("/release", h.ReleaseHandler())
	mux.HandleFunc("/stats", h.StatsHandler())
	mux.HandleFunc("/health", h.HealthHandler())
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
}

// AllocateRequest is the dynamic allocation request body. Resource-specific
// sub-fields are required by kind.
type AllocateRequest struct {
	ComponentID  string  `json:"component_id"`
	ResourceType string  `json:"resource_type"`
	DurationSecs *int64  `json:"duration_secs"`
	Priority     *uint8  `json:"priority"`
	CPUCores     *int    `json:"cpu_cores"`
	MemoryMB     *int64  `json:"memory_mb"`
	APIName      *string `json:"api_name"`
}

// AllocateResponse reports the outcome plus a handle for successful grants.
type AllocateResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	AllocationID string `json:"allocation_id,omitempty"`
}

// AllocateHandler admits or refuses a lease request.
func (h *HandlerSet) AllocateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, AllocateResponse{Success: false, Message: "POST required"})
			return
		}
		var request AllocateRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeJSON(w, http.StatusBadRequest, AllocateResponse{Success: false, Message: "malformed allocation request"})
			return
		}

		//1.- The multi-tier limiter gates every allocation request per component.
		if h.tiers != nil {
			if err := h.tiers.TryAcquire(request.ComponentID, 1); err != nil {
				if h.metrics != nil {
					h.metrics.QuotaRejections.Inc()
				}
				writeJSON(w, http.StatusTooManyRequests, AllocateResponse{
					Success: false,
					Message: fmt.Sprintf("rate limit exceeded: %v", err),
				})
				return
			}
		}

		resource, message, ok := parseResource(request)
		if !ok {
			writeJSON(w, http.StatusBadRequest, AllocateResponse{Success: false, Message: message})
			return
		}

		duration := h.leaseDuration
		if request.DurationSecs != nil {
			duration = time.Duration(*request.DurationSecs) * time.Second
		}
		priority := uint8(defaultPriority)
		if request.Priority != nil {
			priority = *request.Priority
		}

		started := h.now()
		_, err := h.broker.Allocate(resources.Request{
			ComponentID: request.ComponentID,
			Resource:    resource,
			Duration:    duration,
			Priority:    priority,
		})
		h.observe(request.ResourceType, started, err)
		if err != nil {
			writeJSON(w, statusFor(err), AllocateResponse{Success: false, Message: err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, AllocateResponse{
			Success:      true,
			Message:      "resource allocated",
			AllocationID: fmt.Sprintf("%s:%s:%s", request.ComponentID, request.ResourceType, uuid.NewString()),
		})
	}
}

// parseResource maps the wire resource type onto the tagged variant, checking
// the kind-specific required parameters.
func parseResource(request AllocateRequest) (resources.Resource, string, bool) {
	switch request.ResourceType {
	case "gpu":
		return resources.GPU(), "", true
	case "cpu":
		if request.CPUCores == nil {
			return resources.Resource{}, "cpu allocation requires cpu_cores parameter", false
		}
		return resources.CPUCores(*request.CPUCores), "", true
	case "memory":
		if request.MemoryMB == nil {
			return resources.Resource{}, "memory allocation requires memory_mb parameter", false
		}
		return resources.MemoryBytes(*request.MemoryMB * 1024 * 1024), "", true
	case "api":
		if request.APIName == nil {
			return resources.Resource{}, "api allocation requires api_name parameter", false
		}
		return resources.APIQuota(*request.APIName), "", true
	default:
		return resources.Resource{}, fmt.Sprintf("unknown resource type %q", request.ResourceType), false
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, resources.ErrCapacityUnavailable):
		return http.StatusConflict
	case errors.Is(err, resources.ErrAlreadyHeld):
		return http.StatusConflict
	case errors.Is(err, resources.ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *HandlerSet) observe(resourceType string, started time.Time, err error) {
	h.total.Add(1)
	outcome := "success"
	if err != nil {
		outcome = "failure"
		h.failed.Add(1)
	} else {
		h.successful.Add(1)
	}
	if h.metrics != nil {
		h.metrics.Attempts.WithLabelValues(resourceType, outcome).Inc()
		h.metrics.AllocationSeconds.WithLabelValues(resourceType).Observe(h.now().Sub(started).Seconds())
	}
}

// ReleaseRequest names the lease to drop; quantities are ignored on release.
type ReleaseRequest struct {
	ComponentID  string `json:"component_id"`
	ResourceType string `json:"resource_type"`
}

// ReleaseHandler drops the caller's lease; releasing nothing is still success.
func (h *HandlerSet) ReleaseHandler() http.HandlerFunc {
	type response struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, response{Success: false, Message: "POST required"})
			return
		}
		var request ReleaseRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeJSON(w, http.StatusBadRequest, response{Success: false, Message: "malformed release request"})
			return
		}
		tag, ok := releaseTag(request.ResourceType)
		if !ok {
			writeJSON(w, http.StatusBadRequest, response{
				Success: false,
				Message: fmt.Sprintf("unknown resource type %q", request.ResourceType),
			})
			return
		}
		h.broker.Release(request.ComponentID, tag)
		writeJSON(w, http.StatusOK, response{Success: true, Message: "resource released"})
	}
}

func releaseTag(resourceType string) (resources.KindTag, bool) {
	switch resourceType {
	case "gpu":
		return resources.KindGPU, true
	case "cpu":
		return resources.KindCPUCores, true
	case "memory":
		return resources.KindMemory, true
	case "api":
		return resources.KindAPIQuota, true
	default:
		return "", false
	}
}

// StatsHandler reports pool utilization and allocation counters.
func (h *HandlerSet) StatsHandler() http.HandlerFunc {
	type allocationStats struct {
		TotalAllocations      int64 `json:"total_allocations"`
		SuccessfulAllocations int64 `json:"successful_allocations"`
		FailedAllocations     int64 `json:"failed_allocations"`
		ActiveLeases          int   `json:"active_leases"`
	}
	type response struct {
		ResourceUsage   map[string]float64 `json:"resource_usage"`
		AllocationStats allocationStats    `json:"allocation_stats"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		usage := h.broker.Usage()
		if h.metrics != nil {
			for resource, ratio := range usage {
				h.metrics.Utilization.WithLabelValues(resource).Set(ratio)
			}
		}
		writeJSON(w, http.StatusOK, response{
			ResourceUsage: usage,
			AllocationStats: allocationStats{
				TotalAllocations:      h.total.Load(),
				SuccessfulAllocations: h.successful.Load(),
				FailedAllocations:     h.failed.Load(),
				ActiveLeases:          len(h.broker.Leases()),
			},
		})
	}
}

// HealthHandler reports coordinator liveness.
func (h *HandlerSet) HealthHandler() http.HandlerFunc {
	type response struct {
		Status     string `json:"status"`
		Version    string `json:"version"`
		UptimeSecs int64  `json:"uptime_secs"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:     "healthy",
			Version:    h.version,
			UptimeSecs: int64(h.now().Sub(h.start).Seconds()),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

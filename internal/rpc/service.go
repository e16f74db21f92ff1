// Package rpc exposes the event bus over gRPC: unary publish for single
// events and batches, and a server-streaming subscribe keyed by topic
// pattern.
//
// Envelopes travel as google.protobuf.Struct values, the same dynamic shape
// the REST surface accepts, so the service descriptor is written by hand
// rather than generated: the only message type on the wire is a well-known
// type that ships with the protobuf runtime.
package rpc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"jimbot/services/internal/events"
	"jimbot/services/internal/journal"
	"jimbot/services/internal/logging"
	"jimbot/services/internal/metrics"
	"jimbot/services/internal/routing"
)

const subscribeBuffer = 64

// Options configures the gRPC event bus service.
type Options struct {
	Logger     *logging.Logger
	Router     *routing.Router
	Converter  *events.Converter
	Metrics    *metrics.Bus
	Journal    *journal.Recorder
	TimeSource func() time.Time
}

// Service implements EventBusServer on top of the router.
type Service struct {
	logger    *logging.Logger
	router    *routing.Router
	converter *events.Converter
	metrics   *metrics.Bus
	journal   *journal.Recorder
	now       func() time.Time
}

// NewService wires the gRPC surface to the routing core.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &Service{
		logger:    logger,
		router:    opts.Router,
		converter: opts.Converter,
		metrics:   opts.Metrics,
		journal:   opts.Journal,
		now:       now,
	}
}

func publishResponse(success bool, message string) *structpb.Struct {
	response, err := structpb.NewStruct(map[string]any{
		"success": success,
		"message": message,
	})
	if err != nil {
		return &structpb.Struct{}
	}
	return response
}

// PublishEvent validates and routes a single dynamic envelope.
func (s *Service) PublishEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.router == nil {
		return nil, status.Error(codes.FailedPrecondition, "event bus unavailable")
	}
	if in == nil {
		return publishResponse(false, "event envelope required"), nil
	}
	if err := s.ingest(ctx, in.AsMap()); err != nil {
		return publishResponse(false, err.Error()), nil
	}
	return publishResponse(true, "event published"), nil
}

// PublishBatch routes every well-formed envelope in the batch and reports
// per-index failures in the response message.
func (s *Service) PublishBatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.router == nil {
		return nil, status.Error(codes.FailedPrecondition, "event bus unavailable")
	}
	if in == nil {
		return publishResponse(false, "batch envelope required"), nil
	}
	raw, _ := in.AsMap()["events"].([]any)
	var failures []string
	processed := 0
	for idx, entry := range raw {
		envelope, ok := entry.(map[string]any)
		if !ok {
			failures = append(failures, fmt.Sprintf("event %d: not an object", idx))
			continue
		}
		if err := s.ingest(ctx, envelope); err != nil {
			failures = append(failures, fmt.Sprintf("event %d: %v", idx, err))
			continue
		}
		processed++
	}
	if len(failures) == 0 {
		return publishResponse(true, fmt.Sprintf("all %d events published", processed)), nil
	}
	message := fmt.Sprintf("processed %d/%d events; errors: %s",
		processed, len(raw), strings.Join(failures, ", "))
	return publishResponse(false, message), nil
}

// Subscribe attaches a channel sink for the pattern and streams matched
// events until the client disconnects. Disconnection prunes the sink.
func (s *Service) Subscribe(in *structpb.Struct, stream EventStream) error {
	if s == nil || s.router == nil {
		return status.Error(codes.FailedPrecondition, "event bus unavailable")
	}
	if in == nil {
		return status.Error(codes.InvalidArgument, "subscribe request required")
	}
	request := in.AsMap()
	pattern, _ := request["topic_pattern"].(string)
	subscriberID, _ := request["subscriber_id"].(string)
	if pattern == "" {
		return status.Error(codes.InvalidArgument, "topic_pattern must be provided")
	}

	sub, err := s.router.SubscribeChannel(pattern, subscribeBuffer)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "subscribe: %v", err)
	}
	defer sub.Close()

	logger := s.logger.With(
		logging.String("subscriber_id", subscriberID),
		logging.String("pattern", pattern))
	logger.Info("grpc subscriber attached")
	defer logger.Info("grpc subscriber detached")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			//1.- Client disconnects end the stream cleanly; the deferred close prunes.
			return nil
		case event := <-sub.Events():
			if event == nil {
				continue
			}
			frame, err := event.ToStruct()
			if err != nil {
				logger.Warn("envelope encoding failed", logging.Error(err))
				continue
			}
			if err := stream.Send(frame); err != nil {
				return err
			}
		}
	}
}

// ingest mirrors the REST pipeline: validate, route, count, journal.
func (s *Service) ingest(ctx context.Context, envelope map[string]any) error {
	event, err := s.converter.FromMap(envelope)
	if err != nil {
		if s.metrics != nil {
			s.metrics.EventsFailed.Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.EventsReceived.WithLabelValues(string(event.Type)).Inc()
	}
	if traceID := logging.TraceIDFromContext(ctx); traceID != "" {
		if event.Metadata == nil {
			event.Metadata = make(map[string]string, 1)
		}
		if _, present := event.Metadata[logging.TraceIDField]; !present {
			event.Metadata[logging.TraceIDField] = traceID
		}
	}

	started := s.now()
	result := s.router.Route(event)
	if s.metrics != nil {
		s.metrics.RoutingSeconds.Observe(s.now().Sub(started).Seconds())
		s.metrics.EventsProcessed.Inc()
	}
	s.logger.Debug("event routed via rpc",
		logging.String("topic", result.Topic),
		logging.Int("delivered", result.Delivered))

	if s.journal != nil {
		if n, err := s.journal.Record(event); err != nil {
			s.logger.Warn("journal append failed", logging.Error(err))
		} else if s.metrics != nil {
			s.metrics.JournalBytes.Add(float64(n))
		}
	}
	return nil
}

var _ EventBusServer = (*Service)(nil)

package routing

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"

	"jimbot/services/internal/events"
	"jimbot/services/internal/logging"
)

const (
	shardCount           = 16
	defaultChannelBuffer = 64
)

// Handler is a synchronous subscriber invoked inline during routing. Handlers
// receive their own copy of the event and must not block for long.
type Handler func(*events.Event)

// Result summarises a single routing pass.
type Result struct {
	Topic     string
	Matched   int
	Delivered int
	Dropped   int
	Pruned    int
}

// Router fans events out to every subscription whose pattern matches the
// event's topic. The index is sharded by pattern so concurrent routes only
// contend on reads and pruning holds one shard at a time.
type Router struct {
	shards [shardCount]shard
	logger *logging.Logger
	subs   atomic.Int64
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	handlers []Handler
	channels []*channelSink
}

type channelSink struct {
	ch     chan *events.Event
	closed atomic.Bool
}

// Subscription is a streaming sink attached to the router. Events matching the
// pattern arrive in FIFO order on the channel; Close detaches the sink.
type Subscription struct {
	pattern string
	router  *Router
	sink    *channelSink
	once    sync.Once
}

// NewRouter constructs an empty router.
func NewRouter(logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.L()
	}
	r := &Router{logger: logger}
	for i := range r.shards {
		r.shards[i].buckets = make(map[string]*bucket)
	}
	return r
}

// ValidatePattern rejects patterns with empty segments. Each segment is a
// literal or the single-segment wildcard "*"; multi-segment wildcards do not
// exist.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return errors.New("pattern must be provided")
	}
	for _, segment := range strings.Split(pattern, ".") {
		if segment == "" {
			return fmt.Errorf("pattern %q contains an empty segment", pattern)
		}
	}
	return nil
}

// MatchTopic reports whether the topic satisfies the pattern: equal segment
// counts and every pattern segment either "*" or byte-equal to the topic
// segment.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, ".")
	topicParts := strings.Split(topic, ".")
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i, part := range patternParts {
		if part == "*" {
			if topicParts[i] == "" {
				return false
			}
			continue
		}
		if part != topicParts[i] {
			return false
		}
	}
	return true
}

// SubscribeHandler registers a synchronous callback sink for the pattern.
func (r *Router) SubscribeHandler(pattern string, handler Handler) error {
	if r == nil || handler == nil {
		return errors.New("router and handler must be provided")
	}
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	s := r.shardFor(pattern)
	s.mu.Lock()
	b := s.ensureBucketLocked(pattern)
	b.handlers = append(b.handlers, handler)
	s.mu.Unlock()
	r.subs.Add(1)
	return nil
}

// SubscribeChannel registers a streaming sink for the pattern. A buffer of
// zero or less selects the default depth.
func (r *Router) SubscribeChannel(pattern string, buffer int) (*Subscription, error) {
	if r == nil {
		return nil, errors.New("router must be provided")
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = defaultChannelBuffer
	}
	sink := &channelSink{ch: make(chan *events.Event, buffer)}
	s := r.shardFor(pattern)
	s.mu.Lock()
	b := s.ensureBucketLocked(pattern)
	b.channels = append(b.channels, sink)
	s.mu.Unlock()
	r.subs.Add(1)
	return &Subscription{pattern: pattern, router: r, sink: sink}, nil
}

// Subscribers reports the number of live subscriptions across all shards.
func (r *Router) Subscribers() int {
	if r == nil {
		return 0
	}
	return int(r.subs.Load())
}

// Route delivers the event to every matching subscription. Per-sink failures
// are absorbed: a panicking handler or a full channel never fails the route,
// and sinks observed closed are pruned before the next route would retry them.
func (r *Router) Route(event *events.Event) Result {
	result := Result{Topic: event.Topic()}
	if r == nil || event == nil {
		return result
	}

	for i := range r.shards {
		s := &r.shards[i]

		//1.- Collect matching sinks under the read lock so routes stay concurrent.
		var handlers []Handler
		var channels []*channelSink
		s.mu.RLock()
		for pattern, b := range s.buckets {
			if !MatchTopic(pattern, result.Topic) {
				continue
			}
			handlers = append(handlers, b.handlers...)
			channels = append(channels, b.channels...)
		}
		s.mu.RUnlock()

		//2.- Dispatch outside the lock; each sink gets its own copy.
		for _, handler := range handlers {
			result.Matched++
			r.invoke(handler, event.Clone())
			result.Delivered++
		}
		var dead []*channelSink
		for _, sink := range channels {
			result.Matched++
			if sink.closed.Load() {
				dead = append(dead, sink)
				continue
			}
			select {
			case sink.ch <- event.Clone():
				result.Delivered++
			default:
				result.Dropped++
			}
		}

		//3.- Prune closed sinks with a short exclusive hold on this shard only.
		if len(dead) > 0 {
			pruned := s.prune(dead)
			result.Pruned += pruned
			r.subs.Add(int64(-pruned))
		}
	}
	return result
}

func (r *Router) invoke(handler Handler, event *events.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber handler panicked",
				logging.String("topic", event.Topic()),
				logging.String("panic", fmt.Sprint(rec)))
		}
	}()
	handler(event)
}

// Close detaches the subscription from the router. Events already buffered on
// the channel remain readable; no further events arrive.
func (s *Subscription) Close() {
	if s == nil || s.router == nil {
		return
	}
	s.once.Do(func() {
		s.sink.closed.Store(true)
		shard := s.router.shardFor(s.pattern)
		if shard.prune([]*channelSink{s.sink}) > 0 {
			s.router.subs.Add(-1)
		}
	})
}

// Events exposes the FIFO delivery channel for the subscription.
func (s *Subscription) Events() <-chan *events.Event {
	if s == nil {
		return nil
	}
	return s.sink.ch
}

// Pattern reports the pattern the subscription was registered under.
func (s *Subscription) Pattern() string {
	if s == nil {
		return ""
	}
	return s.pattern
}

func (r *Router) shardFor(pattern string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pattern))
	return &r.shards[h.Sum32()%shardCount]
}

func (s *shard) ensureBucketLocked(pattern string) *bucket {
	b, ok := s.buckets[pattern]
	if !ok {
		b = &bucket{}
		s.buckets[pattern] = b
	}
	return b
}

// prune removes the named sinks from whichever buckets still hold them and
// reports how many were detached.
func (s *shard) prune(dead []*channelSink) int {
	removed := 0
	s.mu.Lock()
	for pattern, b := range s.buckets {
		kept := b.channels[:0]
		for _, sink := range b.channels {
			drop := false
			for _, gone := range dead {
				if sink == gone {
					drop = true
					break
				}
			}
			if drop {
				removed++
				continue
			}
			kept = append(kept, sink)
		}
		b.channels = kept
		if len(b.channels) == 0 && len(b.handlers) == 0 {
			delete(s.buckets, pattern)
		}
	}
	s.mu.Unlock()
	return removed
}

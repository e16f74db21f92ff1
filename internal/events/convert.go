package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Validation failures surfaced before an event may enter the router.
var (
	ErrEmptyType   = errors.New("event type must be provided")
	ErrEmptySource = errors.New("event source must be provided")
	ErrUnknownType = errors.New("unknown event type")
)

// Option customises converter behaviour, primarily for tests.
type Option func(*Converter)

// WithClock overrides the timestamp source applied to events without one.
func WithClock(clock func() time.Time) Option {
	return func(c *Converter) {
		if clock != nil {
			c.now = clock
		}
	}
}

// WithIDSource overrides how event IDs are assigned at ingress.
func WithIDSource(next func() string) Option {
	return func(c *Converter) {
		if next != nil {
			c.newID = next
		}
	}
}

// Converter validates dynamic JSON envelopes and produces typed events.
type Converter struct {
	now   func() time.Time
	newID func() string
}

// NewConverter constructs a converter using wall-clock timestamps and UUID event IDs.
func NewConverter(opts ...Option) *Converter {
	converter := &Converter{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		if opt != nil {
			opt(converter)
		}
	}
	return converter
}

// envelope is the dynamic wire shape received from BalatroMCP.
type envelope struct {
	EventID   string            `json:"event_id"`
	Type      string            `json:"type"`
	Source    string            `json:"source"`
	Timestamp *int64            `json:"timestamp"`
	Version   *int32            `json:"version"`
	Payload   map[string]any    `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
}

// Parse validates a raw JSON envelope and converts it into a typed Event.
func (c *Converter) Parse(data []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return c.convert(env)
}

// FromMap converts an already-decoded dynamic envelope, as received over RPC.
func (c *Converter) FromMap(raw map[string]any) (*Event, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode event envelope: %w", err)
	}
	return c.Parse(data)
}

func (c *Converter) convert(env envelope) (*Event, error) {
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	if env.Source == "" {
		return nil, ErrEmptySource
	}
	eventType := Type(env.Type)
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}

	event := &Event{
		ID:        env.EventID,
		Type:      eventType,
		Source:    env.Source,
		Version:   1,
		Timestamp: c.now().UnixMilli(),
		Metadata:  env.Metadata,
	}
	if event.ID == "" {
		event.ID = c.newID()
	}
	if env.Timestamp != nil {
		event.Timestamp = *env.Timestamp
	}
	if env.Version != nil {
		event.Version = *env.Version
	}
	event.Payload = parsePayload(eventType, env.Payload)
	return event, nil
}

// parsePayload selects the payload shape for the discriminant. Types without a
// structured payload definition carry none; the envelope is still routed.
func parsePayload(eventType Type, raw map[string]any) Payload {
	switch eventType {
	case TypeGameState:
		return parseGameState(raw)
	case TypeHeartbeat:
		return parseHeartbeat(raw)
	case TypeMoneyChanged:
		return parseMoneyChanged(raw)
	case TypeConnectionTest:
		return parseConnectionTest(raw)
	default:
		return nil
	}
}

func parseGameState(raw map[string]any) GameStatePayload {
	return GameStatePayload{
		InGame:            boolField(raw, "in_game"),
		GameID:            stringField(raw, "game_id"),
		Ante:              intField(raw, "ante"),
		Round:             intField(raw, "round"),
		HandNumber:        intField(raw, "hand_number"),
		Chips:             intField(raw, "chips"),
		Mult:              intField(raw, "mult"),
		Money:             intField(raw, "money"),
		HandSize:          intField(raw, "hand_size"),
		HandsRemaining:    intField(raw, "hands_remaining"),
		DiscardsRemaining: intField(raw, "discards_remaining"),
		GameState:         ParsePhase(stringField(raw, "game_state")),
		UIState:           stringField(raw, "ui_state"),
	}
}

func parseHeartbeat(raw map[string]any) HeartbeatPayload {
	return HeartbeatPayload{
		Version:   stringField(raw, "version"),
		Uptime:    int64Field(raw, "uptime"),
		Headless:  boolField(raw, "headless"),
		GameState: stringField(raw, "game_state"),
	}
}

func parseMoneyChanged(raw map[string]any) MoneyChangedPayload {
	return MoneyChangedPayload{
		OldValue:   intField(raw, "old_value"),
		NewValue:   intField(raw, "new_value"),
		Difference: intField(raw, "difference"),
	}
}

func parseConnectionTest(raw map[string]any) ConnectionTestPayload {
	return ConnectionTestPayload{Message: stringField(raw, "message")}
}

// Numeric fields absent or of the wrong shape clamp to zero; strings default
// to empty and booleans to false.

func intField(raw map[string]any, key string) int32 {
	return int32(int64Field(raw, key))
}

func int64Field(raw map[string]any, key string) int64 {
	switch value := raw[key].(type) {
	case float64:
		return int64(value)
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
	}
	return 0
}

func stringField(raw map[string]any, key string) string {
	if value, ok := raw[key].(string); ok {
		return value
	}
	return ""
}

func boolField(raw map[string]any, key string) bool {
	if value, ok := raw[key].(bool); ok {
		return value
	}
	return false
}

package events

import (
	"google.golang.org/protobuf/types/known/structpb"
)

// Type enumerates the closed set of telemetry event discriminants accepted at ingress.
type Type string

const (
	TypeGameState      Type = "GAME_STATE"
	TypeHeartbeat      Type = "HEARTBEAT"
	TypeMoneyChanged   Type = "MONEY_CHANGED"
	TypeScoreChanged   Type = "SCORE_CHANGED"
	TypeHandPlayed     Type = "HAND_PLAYED"
	TypeCardsDiscarded Type = "CARDS_DISCARDED"
	TypeJokersChanged  Type = "JOKERS_CHANGED"
	TypeRoundChanged   Type = "ROUND_CHANGED"
	TypePhaseChanged   Type = "PHASE_CHANGED"
	TypeRoundComplete  Type = "ROUND_COMPLETE"
	TypeConnectionTest Type = "CONNECTION_TEST"
)

// Valid reports whether the type belongs to the closed discriminant set.
func (t Type) Valid() bool {
	switch t {
	case TypeGameState, TypeHeartbeat, TypeMoneyChanged, TypeScoreChanged,
		TypeHandPlayed, TypeCardsDiscarded, TypeJokersChanged, TypeRoundChanged,
		TypePhaseChanged, TypeRoundComplete, TypeConnectionTest:
		return true
	}
	return false
}

// Topic derives the dotted routing topic for the type. Types outside the
// closed map route to "unknown".
func (t Type) Topic() string {
	switch t {
	case TypeGameState:
		return "game.state.update"
	case TypeHeartbeat:
		return "system.heartbeat"
	case TypeMoneyChanged:
		return "game.money.changed"
	case TypeScoreChanged:
		return "game.score.changed"
	case TypeHandPlayed:
		return "game.hand.played"
	case TypeCardsDiscarded:
		return "game.cards.discarded"
	case TypeJokersChanged:
		return "game.jokers.changed"
	case TypeRoundChanged:
		return "game.round.changed"
	case TypePhaseChanged:
		return "game.phase.changed"
	case TypeRoundComplete:
		return "game.round.complete"
	case TypeConnectionTest:
		return "system.connection.test"
	default:
		return "unknown"
	}
}

// Phase enumerates the closed set of game UI phases carried by game-state payloads.
type Phase string

const (
	PhaseUnspecified Phase = "UNSPECIFIED"
	PhaseMenu        Phase = "MENU"
	PhaseBlindSelect Phase = "BLIND_SELECT"
	PhaseShop        Phase = "SHOP"
	PhasePlaying     Phase = "PLAYING"
	PhaseGameOver    Phase = "GAME_OVER"
)

// ParsePhase maps the wire string onto the closed phase table. Strings outside
// the table map to the unspecified sentinel rather than failing.
func ParsePhase(raw string) Phase {
	switch raw {
	case string(PhaseMenu):
		return PhaseMenu
	case string(PhaseBlindSelect):
		return PhaseBlindSelect
	case string(PhaseShop):
		return PhaseShop
	case string(PhasePlaying):
		return PhasePlaying
	case string(PhaseGameOver):
		return PhaseGameOver
	default:
		return PhaseUnspecified
	}
}

// Payload is the tagged variant carried by an Event. Implementations are
// value structs containing only scalar fields.
type Payload interface {
	// PayloadType reports the discriminant the payload belongs to.
	PayloadType() Type
	fields() map[string]any
}

// GameStatePayload mirrors the full game snapshot emitted by the MCP mod.
type GameStatePayload struct {
	InGame            bool
	GameID            string
	Ante              int32
	Round             int32
	HandNumber        int32
	Chips             int32
	Mult              int32
	Money             int32
	HandSize          int32
	HandsRemaining    int32
	DiscardsRemaining int32
	GameState         Phase
	UIState           string
}

// PayloadType implements Payload.
func (GameStatePayload) PayloadType() Type { return TypeGameState }

func (p GameStatePayload) fields() map[string]any {
	return map[string]any{
		"in_game":            p.InGame,
		"game_id":            p.GameID,
		"ante":               p.Ante,
		"round":              p.Round,
		"hand_number":        p.HandNumber,
		"chips":              p.Chips,
		"mult":               p.Mult,
		"money":              p.Money,
		"hand_size":          p.HandSize,
		"hands_remaining":    p.HandsRemaining,
		"discards_remaining": p.DiscardsRemaining,
		"game_state":         string(p.GameState),
		"ui_state":           p.UIState,
	}
}

// HeartbeatPayload reports liveness from a connected mod instance.
type HeartbeatPayload struct {
	Version   string
	Uptime    int64
	Headless  bool
	GameState string
}

// PayloadType implements Payload.
func (HeartbeatPayload) PayloadType() Type { return TypeHeartbeat }

func (p HeartbeatPayload) fields() map[string]any {
	return map[string]any{
		"version":    p.Version,
		"uptime":     p.Uptime,
		"headless":   p.Headless,
		"game_state": p.GameState,
	}
}

// MoneyChangedPayload carries a money delta observation.
type MoneyChangedPayload struct {
	OldValue   int32
	NewValue   int32
	Difference int32
}

// PayloadType implements Payload.
func (MoneyChangedPayload) PayloadType() Type { return TypeMoneyChanged }

func (p MoneyChangedPayload) fields() map[string]any {
	return map[string]any{
		"old_value":  p.OldValue,
		"new_value":  p.NewValue,
		"difference": p.Difference,
	}
}

// ConnectionTestPayload carries the round-trip probe message.
type ConnectionTestPayload struct {
	Message string
}

// PayloadType implements Payload.
func (ConnectionTestPayload) PayloadType() Type { return TypeConnectionTest }

func (p ConnectionTestPayload) fields() map[string]any {
	return map[string]any{"message": p.Message}
}

// Event is the strongly-typed form every admitted telemetry record takes.
type Event struct {
	ID        string
	Timestamp int64
	Type      Type
	Source    string
	Version   int32
	Payload   Payload
	Metadata  map[string]string
}

// Topic derives the routing topic for the event.
func (e *Event) Topic() string {
	if e == nil {
		return "unknown"
	}
	return e.Type.Topic()
}

// Clone returns a copy that subscribers may hold without aliasing shared state.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for key, value := range e.Metadata {
			clone.Metadata[key] = value
		}
	}
	return &clone
}

// Envelope renders the event back into its dynamic wire shape.
func (e *Event) Envelope() map[string]any {
	if e == nil {
		return nil
	}
	env := map[string]any{
		"event_id":  e.ID,
		"type":      string(e.Type),
		"source":    e.Source,
		"timestamp": e.Timestamp,
		"version":   e.Version,
	}
	if e.Payload != nil {
		env["payload"] = e.Payload.fields()
	} else {
		env["payload"] = map[string]any{}
	}
	if len(e.Metadata) > 0 {
		metadata := make(map[string]any, len(e.Metadata))
		for key, value := range e.Metadata {
			metadata[key] = value
		}
		env["metadata"] = metadata
	}
	return env
}

// ToStruct renders the event envelope as a protobuf Struct for RPC transport.
func (e *Event) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(e.Envelope())
}

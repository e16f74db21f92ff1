package rng

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Seed snapshot kind tags.
const (
	seedKindNumeric = "numeric"
	seedKindString  = "string"
)

// SeedSnapshot is the self-describing persisted form of a Seed.
type SeedSnapshot struct {
	Kind    string `json:"kind"`
	Numeric uint64 `json:"numeric,omitempty"`
	Value   string `json:"value,omitempty"`
}

// Snapshot is the persisted RNG state. All fields are integers or strings so
// the canonical JSON encoding is byte-identical across runs.
type Snapshot struct {
	GlobalSeed SeedSnapshot      `json:"global_seed"`
	BaseSeed   uint64            `json:"base_seed"`
	Counters   map[string]uint64 `json:"counters"`
}

// Save captures the source state for persistence.
func (s *Source) Save() Snapshot {
	counters := make(map[string]uint64, len(s.counters))
	for key, value := range s.counters {
		counters[key] = value
	}
	snap := Snapshot{BaseSeed: s.base, Counters: counters}
	if s.global.numeric {
		snap.GlobalSeed = SeedSnapshot{Kind: seedKindNumeric, Numeric: s.global.num}
	} else {
		snap.GlobalSeed = SeedSnapshot{Kind: seedKindString, Value: s.global.str}
	}
	return snap
}

// Restore rebuilds a source whose subsequent outputs equal those the saved
// source would have produced.
func Restore(snap Snapshot) (*Source, error) {
	var seed Seed
	switch snap.GlobalSeed.Kind {
	case seedKindNumeric:
		seed = Numeric(snap.GlobalSeed.Numeric)
	case seedKindString:
		seed = String(snap.GlobalSeed.Value)
	default:
		return nil, fmt.Errorf("unknown seed kind %q", snap.GlobalSeed.Kind)
	}
	source := New(seed)
	if source.base != snap.BaseSeed {
		return nil, errors.New("base seed does not match the recorded global seed")
	}
	for key, value := range snap.Counters {
		source.counters[key] = value
	}
	return source, nil
}

// Encode renders the snapshot canonically: JSON with sorted map keys and no
// floating-point values, so equal states produce equal bytes.
func (s Snapshot) Encode() ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses a snapshot previously produced by Encode.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode rng snapshot: %w", err)
	}
	return snap, nil
}

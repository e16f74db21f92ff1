// Package rng reproduces the per-key pseudorandom discipline of the game's
// Lua runtime so that recorded traces replay bit-identical across processes
// and architectures.
//
// Determinism rests on two documented, platform-stable algorithms: the
// seed-combining hash is 64-bit xxHash over the little-endian base seed, the
// key bytes, and the little-endian draw counter; draw streams come from the
// PCG generator in math/rand/v2 seeded with the resolved 64-bit seed in both
// state words. Neither depends on process-local randomization.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	mathrand "math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidRange reports a bounded draw whose maximum is below its minimum.
var ErrInvalidRange = errors.New("max must not be less than min")

// Seed is a tagged numeric-or-string seed value.
type Seed struct {
	numeric bool
	num     uint64
	str     string
}

// Numeric wraps a numeric seed.
func Numeric(value uint64) Seed { return Seed{numeric: true, num: value} }

// String wraps a string seed such as "TUTORIAL".
func String(value string) Seed { return Seed{str: value} }

// IsNumeric reports which variant the seed carries.
func (s Seed) IsNumeric() bool { return s.numeric }

// hashSeed maps a seed onto its 64-bit base value.
func hashSeed(seed Seed) uint64 {
	if seed.numeric {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], seed.num)
		return xxhash.Sum64(buf[:])
	}
	return xxhash.Sum64String(seed.str)
}

// Pseudohash maps an arbitrary string onto a 64-bit stream seed.
func Pseudohash(value string) uint64 {
	return xxhash.Sum64String(value)
}

// Source is the per-game RNG state: a frozen global seed, its hashed base, and
// one draw counter per key. Sources are not safe for concurrent mutation;
// callers sharing one must serialize externally.
type Source struct {
	global   Seed
	base     uint64
	counters map[string]uint64
}

// New constructs a source for the given global seed.
func New(seed Seed) *Source {
	return &Source{
		global:   seed,
		base:     hashSeed(seed),
		counters: make(map[string]uint64),
	}
}

// BaseSeed reports the hashed base seed.
func (s *Source) BaseSeed() uint64 { return s.base }

// GlobalSeed reports the original seed the source was constructed with.
func (s *Source) GlobalSeed() Seed { return s.global }

// Pseudoseed derives the stream seed for the key at its current counter and
// post-increments the counter. Distinct keys advance independently.
func (s *Source) Pseudoseed(key string) uint64 {
	counter := s.counters[key]
	s.counters[key] = counter + 1

	digest := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], s.base)
	_, _ = digest.Write(buf[:])
	_, _ = digest.WriteString(key)
	binary.LittleEndian.PutUint64(buf[:], counter)
	_, _ = digest.Write(buf[:])
	return digest.Sum64()
}

// KeyCounter reports how many times the key was drawn; absent keys are zero.
func (s *Source) KeyCounter(key string) uint64 { return s.counters[key] }

// SetKeyCounter positions the key's counter directly, for state loading.
func (s *Source) SetKeyCounter(key string, value uint64) { s.counters[key] = value }

// resolve maps an explicit draw seed onto its numeric form.
func (s *Source) resolve(seed Seed) uint64 {
	if seed.numeric {
		return seed.num
	}
	return Pseudohash(seed.str)
}

// stream opens the deterministic draw stream for a numeric seed.
func stream(seed uint64) *mathrand.Rand {
	return mathrand.New(mathrand.NewPCG(seed, seed))
}

// Pseudorandom draws an integer in [min, max] inclusive from the seed's stream.
func (s *Source) Pseudorandom(seed Seed, min, max int) (int, error) {
	if max < min {
		return 0, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, min, max)
	}
	draw := stream(s.resolve(seed)).Float64()
	value := min + int(math.Floor(draw*float64(max-min+1)))
	if value > max {
		value = max
	}
	return value, nil
}

// PseudorandomUpTo draws an integer in [1, n] inclusive, the one-argument
// convention of the Lua runtime.
func (s *Source) PseudorandomUpTo(seed Seed, n int) (int, error) {
	return s.Pseudorandom(seed, 1, n)
}

// PseudorandomFloat draws a float in [0, 1) from the seed's stream.
func (s *Source) PseudorandomFloat(seed Seed) float64 {
	return stream(s.resolve(seed)).Float64()
}

// Shuffle permutes the list in place with a Fisher-Yates walk driven by the
// seed's stream. Same seed and length always yield the same permutation.
func Shuffle[T any](list []T, seed uint64) {
	if len(list) <= 1 {
		return
	}
	r := stream(seed)
	for i := len(list) - 1; i >= 1; i-- {
		j := r.IntN(i + 1)
		list[i], list[j] = list[j], list[i]
	}
}

// Element picks one element deterministically. The second return is false for
// empty input.
func Element[T any](collection []T, seed uint64) (T, bool) {
	var none T
	if len(collection) == 0 {
		return none, false
	}
	return collection[stream(seed).IntN(len(collection))], true
}

// WeightedOption pairs a candidate with its selection weight.
type WeightedOption[T any] struct {
	Value  T
	Weight float64
}

// WeightedChoice picks a candidate with probability proportional to weight.
// Empty input or a non-positive total weight yields the none value.
func WeightedChoice[T any](options []WeightedOption[T], seed uint64) (T, bool) {
	var none T
	if len(options) == 0 {
		return none, false
	}
	total := 0.0
	for _, option := range options {
		total += option.Weight
	}
	if total <= 0 {
		return none, false
	}
	target := stream(seed).Float64() * total
	for _, option := range options {
		target -= option.Weight
		if target <= 0 {
			return option.Value, true
		}
	}
	return options[len(options)-1].Value, true
}

// ProbabilityCheck reports whether an event with probability p occurs.
func ProbabilityCheck(p float64, seed uint64) bool {
	return stream(seed).Float64() < p
}

// RollDie draws a face in [1, sides].
func RollDie(sides int, seed uint64) (int, error) {
	if sides < 1 {
		return 0, fmt.Errorf("%w: die needs at least one side", ErrInvalidRange)
	}
	return 1 + stream(seed).IntN(sides), nil
}

// CardSeed advances the key used for card generation patterns such as
// "rarity1joker" or "front2deck".
func (s *Source) CardSeed(pattern string, ante int, append string) uint64 {
	return s.Pseudoseed(fmt.Sprintf("%s%d%s", pattern, ante, append))
}

// ShopSeed advances the key for a shop roll at the given ante and reroll count.
func (s *Source) ShopSeed(ante, reroll int) uint64 {
	return s.Pseudoseed(fmt.Sprintf("shop_%d_%d", ante, reroll))
}

// JokerSeed advances the key for a joker effect trigger.
func (s *Source) JokerSeed(jokerID string, trigger int) uint64 {
	return s.Pseudoseed(fmt.Sprintf("joker_%s_%d", jokerID, trigger))
}

const seedAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateStartingSeed produces a fresh 8-character seed string for new games.
// This is the one intentionally non-deterministic operation in the package.
func GenerateStartingSeed() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = seedAlphabet[int(b)%len(seedAlphabet)]
	}
	return string(out)
}

// Package model defines the domain types shared by the prediction cache
// and the container RPC session: model identity, input/output carriers,
// and the cache-key derivation the two cache variants described in the
// design (keyed by input hash, or keyed by query id) both reduce to.
package model

import (
	"github.com/cespare/xxhash/v2"
)

// InputType is the enumerated element kind of a prediction input batch.
type InputType int32

const (
	InputTypeBytes InputType = iota
	InputTypeInts
	InputTypeFloats
	InputTypeDoubles
	InputTypeStrings
)

func (t InputType) String() string {
	switch t {
	case InputTypeBytes:
		return "bytes"
	case InputTypeInts:
		return "ints"
	case InputTypeFloats:
		return "floats"
	case InputTypeDoubles:
		return "doubles"
	case InputTypeStrings:
		return "strings"
	default:
		return "unknown"
	}
}

// ModelId identifies a deployed model by name and version.
type ModelId struct {
	Name    string
	Version string
}

// Hash returns a stable 64-bit digest of the model identity, used as the
// seed for cache-key derivation.
func (m ModelId) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(m.Name)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(m.Version)
	return d.Sum64()
}

// QueryId is an opaque caller-supplied identifier usable as a cache
// secondary key, as an alternative to hashing the input.
type QueryId uint64

// Input is opaque to the cache and the session beyond its hash, which is
// used by the input-keyed cache variant.
type Input interface {
	Hash() uint64
}

// Output is the raw prediction result. It is value-copyable; the cache
// keeps an independent copy per entry so callers can't mutate a cached
// value through a previously returned reference.
type Output struct {
	Data []byte
}

// ByteSize is the accounting unit the cache uses to track size_bytes_.
func (o Output) ByteSize() int {
	return len(o.Data)
}

// Clone returns an independent copy of the output's bytes.
func (o Output) Clone() Output {
	cp := make([]byte, len(o.Data))
	copy(cp, o.Data)
	return Output{Data: cp}
}

// mix applies the well-known non-commutative hash_combine-style mixer:
// seed ^= v + 0x9e3779b9 + (seed<<6) + (seed>>2).
func mix(seed, v uint64) uint64 {
	return seed ^ (v + 0x9e3779b9 + (seed << 6) + (seed >> 2))
}

// combine derives a cache key from a model-identity seed and a secondary
// value, applying the mixer twice for better diffusion of small secondary
// values (sequential query ids, short input hashes).
func combine(seed, secondary uint64) uint64 {
	seed = mix(seed, secondary)
	seed = mix(seed, secondary)
	return seed
}

// KeyForInput derives a cache key from a model identity and an input's
// hash. Collisions are possible but rare; the cache does not store the
// full (model, input) tuple and does not probe on collision, so two
// colliding keys share one cache entry.
func KeyForInput(id ModelId, in Input) uint64 {
	return combine(id.Hash(), in.Hash())
}

// KeyForQuery derives a cache key from a model identity and a caller
// supplied query id. A single Cache instance should use exactly one of
// KeyForInput or KeyForQuery, never both.
func KeyForQuery(id ModelId, q QueryId) uint64 {
	return combine(id.Hash(), uint64(q))
}

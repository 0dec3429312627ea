// ABOUTME: Identifier generation for stored entities
// ABOUTME: Time-ordered UUIDv7 by default, deterministic sequences for tests

package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces identifiers that are unique for the lifetime of a store.
type Generator interface {
	NewID() string
}

type uuidV7 struct{}

// NewID returns a UUIDv7 string. Within one process successive values sort
// in generation order, which keeps id a usable tie-breaker next to created_at.
func (uuidV7) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source does.
		return uuid.New().String()
	}
	return id.String()
}

// Default returns the UUIDv7 generator.
func Default() Generator { return uuidV7{} }

// Sequence generates prefix-000001, prefix-000002, ... It is safe for concurrent use.
type Sequence struct {
	prefix string
	n      atomic.Int64
}

// NewSequence returns a deterministic generator for tests.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() string {
	return fmt.Sprintf("%s-%06d", s.prefix, s.n.Add(1))
}

// Package echoid generates correlation identifiers for optimistically created
// messages. An echo ID only has to be unique among the messages of one client
// session that are still waiting for server confirmation.
package echoid

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces echo IDs.
type Generator interface {
	Generate() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() string

// Generate calls f.
func (f GeneratorFunc) Generate() string {
	return f()
}

// New returns the default random generator.
func New() Generator {
	return GeneratorFunc(uuid.NewString)
}

// Sequence yields prefix-1, prefix-2, ... and is safe for concurrent use.
type Sequence struct {
	Prefix string
	n      atomic.Uint64
}

// NewSequence returns a sequence generator with the given prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{Prefix: prefix}
}

// Generate returns the next ID in the sequence.
func (s *Sequence) Generate() string {
	next := s.n.Add(1)
	if s.Prefix == "" {
		return strconv.FormatUint(next, 10)
	}
	return s.Prefix + "-" + strconv.FormatUint(next, 10)
}

package testutil

import (
	"fmt"
	"sync"
)

// SequentialGenerator mints suffixes "<prefix>0001", "<prefix>0002", ...
//
// Unlike ids.FixedGenerator, which returns a planned list and panics once it
// runs dry, this generator never exhausts. Use it where a test mints an
// unknown number of ids but still needs byte-identical output (golden files).
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGenerator creates a generator. An empty prefix yields bare
// zero-padded counters.
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next suffix.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s%04d", g.prefix, g.n)
}

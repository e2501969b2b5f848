// Package ids defines the identifier model shared by workspaces, folders and
// documents.
//
// Every entity id is "<prefix>_<suffix>". Locally minted ids use a UUIDv7
// suffix; after the first successful push the server-assigned id becomes the
// canonical one (see package unify).
package ids

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Kind is the type prefix of an identifier.
type Kind string

const (
	KindWorkspace Kind = "ws"
	KindFolder    Kind = "folder"
	KindDocument  Kind = "doc"
)

const separator = "_"

// String returns the prefix.
func (k Kind) String() string { return string(k) }

// Valid reports whether k is one of the known entity kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkspace, KindFolder, KindDocument:
		return true
	default:
		return false
	}
}

// Generator produces identifier suffixes.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable suffixes.
//
// The dashes are removed so ids stay a single token in logs and storage keys.
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 suffix (32 hex characters).
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
}

// FixedGenerator returns predetermined suffixes in order.
//
// Panics once all suffixes have been consumed so a test that mints more ids
// than it planned for fails loudly.
type FixedGenerator struct {
	mu       sync.Mutex
	suffixes []string
	idx      int
}

// NewFixedGenerator creates a generator that returns suffixes in order.
func NewFixedGenerator(suffixes ...string) *FixedGenerator {
	return &FixedGenerator{suffixes: suffixes}
}

// Generate returns the next predetermined suffix.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.suffixes) {
		panic("FixedGenerator: all suffixes exhausted")
	}
	s := g.suffixes[g.idx]
	g.idx++
	return s
}

// New mints a local id of the given kind.
func New(kind Kind, gen Generator) string {
	if gen == nil {
		gen = UUIDv7Generator{}
	}
	return string(kind) + separator + gen.Generate()
}

// Split separates an id into its prefix and suffix.
// ok is false when the id has no prefix.
func Split(id string) (prefix, suffix string, ok bool) {
	prefix, suffix, ok = strings.Cut(id, separator)
	if !ok || prefix == "" || suffix == "" || !isPrefix(prefix) {
		return "", id, false
	}
	return prefix, suffix, true
}

// KindOf returns the entity kind encoded in id, or "" if the prefix is not a
// known kind (server-assigned ids may use their own prefix).
func KindOf(id string) Kind {
	prefix, _, ok := Split(id)
	if !ok {
		return ""
	}
	k := Kind(prefix)
	if !k.Valid() {
		return ""
	}
	return k
}

// Normalize reduces an id to its underlying identifier: NFC-normalized,
// lower-cased, whitespace-trimmed, with any type prefix removed.
func Normalize(id string) string {
	id = strings.ToLower(strings.TrimSpace(norm.NFC.String(id)))
	if _, suffix, ok := Split(id); ok {
		return suffix
	}
	return id
}

// SameUnderlying reports whether two ids name the same underlying identifier
// once prefixes and formatting are ignored.
func SameUnderlying(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// isPrefix accepts short lower-case ASCII prefixes like "doc" or "srv".
func isPrefix(s string) bool {
	if len(s) > 16 {
		return false
	}
	for _, r := range s {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// Package ids generates the type-prefixed opaque identifiers used across
// Warden. The prefix is part of the wire contract: consumers may route on it.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Entity prefixes. Every persisted entity ID starts with one of these
// followed by an underscore.
const (
	PrefixUser     = "usr"
	PrefixThread   = "thr"
	PrefixMessage  = "msg"
	PrefixTrace    = "trc"
	PrefixSpan     = "spn"
	PrefixSchedule = "sch"
	PrefixEvent    = "evt"
	PrefixTask     = "tsk"
	PrefixPatch    = "pat"
	PrefixChunk    = "chk"
)

// New returns a fresh identifier with the given prefix, e.g. "thr_a1b2...".
// The random part is a dash-less UUIDv4.
func New(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Kind returns the type prefix of an identifier, or "" if the identifier
// does not carry one.
func Kind(id string) string {
	i := strings.IndexByte(id, '_')
	if i <= 0 || i == len(id)-1 {
		return ""
	}
	return id[:i]
}

// Valid reports whether id carries the expected prefix and a non-empty body.
func Valid(id, prefix string) bool {
	return Kind(id) == prefix
}

// Package ids generates the lexicographically sortable identifiers used
// throughout the store: a millisecond timestamp prefix followed by random
// bytes, so that ordering by id approximates ordering by creation time and
// ties at equal timestamps are broken deterministically.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// New returns a sortable id prefixed with the given kind, e.g. "evt_...".
// nowMS is the caller's clock (injected everywhere so tests can fix time).
func New(kind string, nowMS int64) string {
	var buf [10]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s_%013x%s", kind, nowMS, hex.EncodeToString(buf[:]))
}

// Deterministic derives a stable id from a namespace string and a set of
// parts, for entities whose identity must be reproducible from content.
// Nothing in this repository calls it at present; the filesystem blob
// provider keys its files by scope and content SHA-256 instead. Grounded on
// the teacher's uuid.NewSHA1(uuid.NameSpaceOID, ...) convention.
func Deterministic(kind, namespace string, parts ...string) string {
	name := namespace
	for _, p := range parts {
		name += "/" + p
	}
	return kind + "_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

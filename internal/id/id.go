// Package id generates opaque entity identifiers.
package id

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/google/uuid"
)

// HexLength is the number of hex characters in a generated identifier body.
const HexLength = 16

// New returns a prefixed random hex identifier such as "ro-4f2a9c01d3e8b765".
// IDs are derived from a hashed random UUID and are never reused.
func New(prefix string) string {
	u := uuid.New()
	sum := sha1.Sum(u[:])
	return prefix + "-" + hex.EncodeToString(sum[:])[:HexLength]
}

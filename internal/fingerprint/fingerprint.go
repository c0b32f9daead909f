// Package fingerprint derives stable idempotency keys for conversational
// turns. Identical (session, sequence, content) inputs always yield identical
// fingerprints, which makes at-least-once delivery from upstream retries safe:
// the canonical store's unique constraint turns duplicates into no-ops.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Key computes the fingerprint for one turn. The encoding is length-prefixed
// so that ("ab", "c") and ("a", "bc") cannot collide, and the content is
// hashed first so the outer digest stays fixed-size regardless of turn length.
func Key(sessionID string, sequenceNumber int64, content string) string {
	contentHash := sha256.Sum256([]byte(content))

	h := sha256.New()
	writeLenPrefixed(h, []byte(sessionID))

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], uint64(sequenceNumber))
	h.Write(seq[:])

	writeLenPrefixed(h, contentHash[:])

	return hex.EncodeToString(h.Sum(nil))
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}

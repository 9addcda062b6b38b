// Package idgen provides cryptographically random ID generation.
//
// Every entity carries two identifiers: a durable random ID (WithPrefix,
// e.g. "ofr_a1b2...") used as the primary key, and a human-facing sequence
// number (FormatSeq, e.g. "ORD-000042") used in external communication and
// reconciliation reports.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// WithPrefix generates a random ID with a prefix (e.g. "ofr_", "ord_", "dsp_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// FormatSeq renders a human-facing sequence number, e.g. FormatSeq("ORD", 42)
// -> "ORD-000042". Sequence values come from the store (Postgres sequences,
// or a per-store counter in memory mode).
func FormatSeq(tag string, n int64) string {
	return fmt.Sprintf("%s-%06d", tag, n)
}

package store

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode"
)

// NormalizeContent lowercases content and strips punctuation, collapsing
// separator runs to single spaces. Trivially rephrased duplicates ("Prefers
// dark-mode!" vs "prefers dark mode") normalize to the same string.
//
// This is the canonical normalization used for content hashing, the textual
// dedup fallback, and consolidation-sweep prefix buckets.
func NormalizeContent(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(v))
	lastSpace := false
	for _, r := range v {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r), r == '-', r == '_', r == '/':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// HashContent computes SHA-256 of normalized content. Combined with the
// source channel in a partial unique index, this is the idempotency backstop
// for at-least-once message delivery: re-ingesting an identical message can
// never produce a second active fact on the same channel.
func HashContent(content string) string {
	h := sha256.Sum256([]byte(NormalizeContent(content)))
	return fmt.Sprintf("%x", h)
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"chat-dispatch/pkg/models"
)

const trailingPunctuation = "?!.,;:~。？！，；：…"

// Canonicalize lowercases, trims and collapses whitespace, and strips trailing
// punctuation so trivially different phrasings share a cache entry.
func Canonicalize(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), unicode.IsSpace)
	out := strings.Join(fields, " ")
	return strings.TrimRight(out, trailingPunctuation+" ")
}

// Fingerprint is the cache key for a classified query: a hash of the intent
// category and the canonical text, never of the raw message or sender.
func Fingerprint(intent models.Intent, text string) string {
	sum := sha256.Sum256([]byte(string(intent) + "\x00" + Canonicalize(text)))
	return hex.EncodeToString(sum[:])
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Stable key prefixes for persisted state. Every key written through the
// layer uses one of these so operators can inspect and expire state by class.
const (
	PrefixRoute    = "route:"
	PrefixPattern  = "pattern:"
	PrefixShortcut = "shortcut:"
	PrefixModel    = "model:"
	PrefixBudget   = "budget:"
	PrefixRate     = "rate:"
	PrefixContext  = "context:"
	PrefixPrefs    = "prefs:"
	PrefixConv     = "conv:"
	PrefixMetrics  = "metrics:"
	PrefixStats    = "stats:"
	PrefixSearch   = "search:"
)

// fingerprintLen is the number of hex characters of the hash kept in keys.
const fingerprintLen = 16

// Fingerprint returns a short stable hash of the given parts, suitable for
// embedding in cache keys.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:fingerprintLen]
}

// Key builds a prefixed cache key from a fingerprint of the given parts.
func Key(prefix string, parts ...string) string {
	return prefix + Fingerprint(parts...)
}

// KeyRaw builds a prefixed key from a literal suffix (no hashing). Used for
// keys that must stay human-readable, such as per-user budgets.
func KeyRaw(prefix, suffix string) string {
	return prefix + strings.TrimSpace(suffix)
}

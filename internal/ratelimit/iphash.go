package ratelimit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// IPHasher produces a deterministic, one-way, 64-hex-character digest of a
// client address using a process-wide HMAC key. Used by the Session Manager
// so the raw address is never stored, and is available to any caller that
// wants to use the hash itself as a rate-limit identifier.
type IPHasher struct {
	secret []byte
}

// NewIPHasher constructs a hasher from the process's IP_HASH_SECRET.
func NewIPHasher(secret string) *IPHasher {
	return &IPHasher{secret: []byte(secret)}
}

// Hash returns the 64-hex-character HMAC-SHA-256 digest of addr.
func (h *IPHasher) Hash(addr string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(addr))
	return hex.EncodeToString(mac.Sum(nil))
}

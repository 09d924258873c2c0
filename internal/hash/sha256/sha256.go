// Package sha256 names challenge artifacts by page digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct {
	length int
}

// New returns a hasher producing full hex digests.
func New() *Hasher {
	return &Hasher{}
}

// NewShort returns a hasher that keeps the first n hex characters.
func NewShort(n int) *Hasher {
	return &Hasher{length: n}
}

// Hash returns the hex digest of data, truncated when configured.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	out := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(out) {
		out = out[:h.length]
	}
	return out, nil
}

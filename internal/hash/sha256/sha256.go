// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Hash hashes the input and returns a hex digest.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digest accumulates bytes streamed through it, for hashing large downloads
// without buffering them in memory.
type Digest struct {
	h hash.Hash
	n int64
}

// NewDigest returns an empty Digest.
func NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write implements io.Writer.
func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (d *Digest) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Bytes returns the number of bytes written.
func (d *Digest) Bytes() int64 {
	return d.n
}

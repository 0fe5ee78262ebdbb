// Package sha256 produces content digests for uploaded dataset files, so an
// operator can verify the file a node searched is the one they uploaded.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Digester accumulates streamed content and reports its hex SHA-256 digest.
// It implements io.Writer, so it drops into an io.MultiWriter next to the
// destination file.
type Digester struct {
	h hash.Hash
}

// New returns an empty digester.
func New() *Digester {
	return &Digester{h: sha256.New()}
}

func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Digest returns the hex digest of everything written so far.
func (d *Digester) Digest() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Sum is the one-shot form for content already in memory.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

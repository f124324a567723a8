package digestcore

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// HashEngine is a uniform façade over the MD5 and SHA-256 streaming hash
// engines used throughout the digest pipeline. It carries one active
// hash.Hash at a time, selected by Algorithm; Reset must be called before
// each independent digest computation (Finalize is one-shot per Reset).
//
// Grounded on grafana-k6's digest.Digest, which re-uses a single hash.Hash
// selected by a switch on the algorithm name rather than allocating a new
// one per call.
type HashEngine struct {
	algo Algorithm
	h    hash.Hash
}

// NewHashEngine returns an engine bound to algo (AlgorithmAuto resolves to
// SHA-256).
func NewHashEngine(algo Algorithm) *HashEngine {
	e := &HashEngine{algo: algo.Resolve()}
	e.Reset()
	return e
}

// Algorithm reports the resolved algorithm this engine hashes with.
func (e *HashEngine) Algorithm() Algorithm { return e.algo }

// Size returns the raw digest size in bytes.
func (e *HashEngine) Size() int { return e.algo.Size() }

// Reset (re-)initializes the underlying hash state, discarding any partial
// digest.
func (e *HashEngine) Reset() {
	if e.algo == AlgorithmMD5 {
		e.h = md5.New()
		return
	}
	e.h = sha256.New()
}

// Update feeds bytes into the in-progress digest.
func (e *HashEngine) Update(p []byte) {
	e.h.Write(p)
}

// Finalize returns the raw digest bytes computed so far. The engine may be
// reused after a Reset.
func (e *HashEngine) Finalize() []byte {
	return e.h.Sum(nil)
}

// Hex lowercase-hex encodes a digest; the result is always 2*len(digest)
// characters, matching HashEngine.hex in spec.md §4.1.
func Hex(digest []byte) string {
	return hex.EncodeToString(digest)
}

// SumHex resets the engine, hashes the concatenation of parts, and returns
// the lowercase-hex digest. This is the common case used by NonceCodec and
// DigestComputer alike.
func (e *HashEngine) SumHex(parts ...[]byte) string {
	e.Reset()
	for _, p := range parts {
		e.Update(p)
	}
	return Hex(e.Finalize())
}

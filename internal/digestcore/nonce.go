package digestcore

import (
	"encoding/hex"
	"strconv"
)

const (
	// timestampBinSize is the width, in bytes, of the truncated millisecond
	// timestamp embedded in every nonce: 48 bits repeats only every ~8,900
	// years, per spec.md §3.
	timestampBinSize = 6
	timestampHexLen  = timestampBinSize * 2

	// timestampMask keeps only the low 48 bits of a millisecond timestamp.
	timestampMask = (uint64(1) << 48) - 1
)

// TrimTimestamp truncates a timestamp (or a timestamp difference) to the
// low 48 bits, matching TRIM_TO_TIMESTAMP in the original C source.
func TrimTimestamp(ts uint64) uint64 {
	return ts & timestampMask
}

// GenerateNonce computes the composite nonce
// hex(H(ts_be48 ":" method ":" seed ":" uri ":" realm)) ‖ hex(ts_be48)
// as specified in spec.md §4.2. nowMs is truncated to 48 bits before use.
func GenerateNonce(engine *HashEngine, nowMs uint64, method, seed, uri, realm string) string {
	var tsBin [timestampBinSize]byte
	encodeTimestamp48(TrimTimestamp(nowMs), tsBin[:])

	digestHex := engine.SumHex(
		tsBin[:],
		[]byte(":"),
		[]byte(method),
		[]byte(":"),
		[]byte(seed),
		[]byte(":"),
		[]byte(uri),
		[]byte(":"),
		[]byte(realm),
	)
	return digestHex + hex.EncodeToString(tsBin[:])
}

func encodeTimestamp48(ts uint64, out []byte) {
	out[0] = byte(ts >> 40)
	out[1] = byte(ts >> 32)
	out[2] = byte(ts >> 24)
	out[3] = byte(ts >> 16)
	out[4] = byte(ts >> 8)
	out[5] = byte(ts)
}

// ClassifyNonceLen reports which algorithm's nonce-length class a nonce of
// the given length belongs to. A nonce must be exactly 2*D+12 characters
// for MD5 (44) or SHA-256 (76); any other length is not a valid class.
func ClassifyNonceLen(n int) (Algorithm, bool) {
	switch n {
	case AlgorithmMD5.NonceLen():
		return AlgorithmMD5, true
	case AlgorithmSHA256.NonceLen():
		return AlgorithmSHA256, true
	default:
		return AlgorithmAuto, false
	}
}

// ParseNonceTimestamp extracts the embedded 48-bit millisecond timestamp
// from a nonce of the given algorithm's length class. Any length mismatch
// or non-hex trailer is a rejection, per spec.md §4.2.
func ParseNonceTimestamp(nonce string, algo Algorithm) (uint64, bool) {
	if len(nonce) != algo.NonceLen() {
		return 0, false
	}
	tail := nonce[len(nonce)-timestampHexLen:]
	ts, err := strconv.ParseUint(tail, 16, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

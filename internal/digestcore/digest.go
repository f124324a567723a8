package digestcore

// DigestComputer computes H(A1), H(A2), and the final response hash for a
// fixed algorithm, per RFC 2617 §3.2.2 / RFC 7616 §3.4. All separators are
// single-byte ':' literals; nc is passed through as the exact bytes the
// client sent.
//
// Grounded on grafana-k6's computeHa1/computeHa2/computeResponse (client
// side of the same math) and zavla-Upload's httpDigestAuthentication
// (server-side CheckCredentialsFromClient), reworked around HashEngine so
// MD5 and SHA-256 share one code path.
type DigestComputer struct {
	engine *HashEngine
}

// NewDigestComputer returns a computer bound to algo.
func NewDigestComputer(algo Algorithm) *DigestComputer {
	return &DigestComputer{engine: NewHashEngine(algo)}
}

// HA1FromPassword computes hex(H(username ":" realm ":" password)), the
// "from password" path of spec.md §4.5.
func (c *DigestComputer) HA1FromPassword(username, realm, password string) string {
	return c.engine.SumHex([]byte(username), []byte(":"), []byte(realm), []byte(":"), []byte(password))
}

// HA1FromPrehash accepts a caller-supplied H(username:realm:password)
// already in lowercase-hex form (e.g. loaded from an htdigest file) and
// returns it unchanged. Session (-sess) variants are computed by HA1Sess,
// which the verification path never calls — see spec.md §9.
func HA1FromPrehash(prehashHex string) string {
	return prehashHex
}

// HA1Sess computes hex(H(HA1bin ":" nonce ":" cnonce)) for the -sess
// variants, where HA1bin is the raw (binary) H(username:realm:password).
// Provided for completeness (spec.md §4.5); RequestVerifier never calls
// it, per the documented gap in spec.md §9.
func (c *DigestComputer) HA1Sess(ha1Bin []byte, nonce, cnonce string) string {
	return c.engine.SumHex(ha1Bin, []byte(":"), []byte(nonce), []byte(":"), []byte(cnonce))
}

// HA2 computes hex(H(method ":" uri)). Only qop=auth and empty qop are
// supported; auth-int is rejected by the caller before this is reached.
func (c *DigestComputer) HA2(method, uri string) string {
	return c.engine.SumHex([]byte(method), []byte(":"), []byte(uri))
}

// Response computes the final digest response. When qop is non-empty:
// hex(H(HA1 ":" nonce ":" nc ":" cnonce ":" qop ":" HA2)).
// When qop is empty: hex(H(HA1 ":" nonce ":" HA2)).
func (c *DigestComputer) Response(ha1, nonce, nc, cnonce, qop, ha2 string) string {
	if qop == "" {
		return c.engine.SumHex([]byte(ha1), []byte(":"), []byte(nonce), []byte(":"), []byte(ha2))
	}
	return c.engine.SumHex(
		[]byte(ha1), []byte(":"),
		[]byte(nonce), []byte(":"),
		[]byte(nc), []byte(":"),
		[]byte(cnonce), []byte(":"),
		[]byte(qop), []byte(":"),
		[]byte(ha2),
	)
}

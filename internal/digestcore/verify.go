package digestcore

import (
	"crypto/subtle"
	"net/url"
	"strconv"
	"strings"
)

// Status is the outcome of RequestVerifier.Verify, matching the taxonomy
// in spec.md §7. Values are returned, never wrapped in an error, so no
// error value is allocated per request.
type Status int

const (
	StatusOK Status = iota
	StatusWrongHeader
	StatusWrongUsername
	StatusWrongRealm
	StatusNonceStale
	StatusNonceWrong
	StatusWrongURI
	StatusResponseWrong
	StatusInternalError
)

// String names a Status for logging.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWrongHeader:
		return "WRONG_HEADER"
	case StatusWrongUsername:
		return "WRONG_USERNAME"
	case StatusWrongRealm:
		return "WRONG_REALM"
	case StatusNonceStale:
		return "NONCE_STALE"
	case StatusNonceWrong:
		return "NONCE_WRONG"
	case StatusWrongURI:
		return "WRONG_URI"
	case StatusResponseWrong:
		return "RESPONSE_WRONG"
	default:
		return "INTERNAL_ERROR"
	}
}

// Hard caps on field lengths, per spec.md §4.6 step 7.
const (
	maxCNonceLen   = 128
	maxQOPLen      = 14
	maxNCLen       = 19
	maxResponseLen = 255
)

// VerifyInput bundles everything RequestVerifier needs. The caller (the
// Caddy handler in the root package) is responsible for tokenizing the
// Authorization header into Params and supplying the clock, seed, and
// already-parsed query arguments — all "external collaborators" per
// spec.md §1.
type VerifyInput struct {
	Params RequestParams

	Method     string // HTTP request method
	RequestURL string // request path, already URL-unescaped, no query
	QueryArgs  url.Values

	NowMs uint64
	Seed  string

	Realm          string
	Username       string
	CredentialHash string // hex H(A1): from password, or a pre-hashed value

	Algo            Algorithm
	NonceTimeoutSec int

	Table *NonceNcTable

	// UnescapeURL decodes percent-escapes in the client's uri parameter.
	// Required; a nil func is treated as an internal error.
	UnescapeURL func(string) (string, error)
}

// Verify runs the ordered gate described in spec.md §4.6, returning on the
// first rejection so the outcome (and thus the HTTP status code a caller
// derives from it) is deterministic.
func Verify(in VerifyInput) Status {
	p := in.Params

	if !p.Username.Equal(in.Username) {
		return StatusWrongUsername
	}
	if !p.Realm.Equal(in.Realm) {
		return StatusWrongRealm
	}

	nonce, ok := p.Nonce.Unquote()
	if !ok || nonce == "" {
		return StatusNonceWrong
	}
	algo, ok := ClassifyNonceLen(len(nonce))
	if !ok {
		return StatusNonceWrong
	}
	nonceTs, ok := ParseNonceTimestamp(nonce, algo)
	if !ok {
		return StatusNonceWrong
	}

	if TrimTimestamp(in.NowMs-nonceTs) > uint64(in.NonceTimeoutSec)*1000 {
		return StatusNonceStale
	}

	engine := NewHashEngine(algo)
	expectedNonce := GenerateNonce(engine, nonceTs, in.Method, in.Seed, in.RequestURL, in.Realm)
	if !constantTimeEqual(nonce, expectedNonce) {
		return StatusNonceWrong
	}

	// cnonce and nc are mandatory regardless of qop: the original source
	// fetches both, and calls the table check, unconditionally — qop only
	// gates its own value-set check and which response-hash formula
	// applies (§4.5), never whether nc is tracked.
	cnonce, cnonceOK := p.CNonce.Unquote()
	if !cnonceOK {
		return StatusWrongHeader
	}
	if len(cnonce) > maxCNonceLen {
		return StatusInternalError
	}

	qop, qopOK := p.QOP.Unquote()
	if p.QOP.Present && (!qopOK || len(qop) > maxQOPLen) {
		return StatusInternalError
	}
	if !p.QOP.Present {
		qop = ""
	}
	if qop != "" && qop != "auth" {
		return StatusWrongHeader
	}

	// A client-declared algorithm must be one ParseAlgorithm accepts; the
	// -sess variants and unknown names are refused instead of being checked
	// against the non-session H(A1).
	if p.Algorithm.Present {
		clientAlgo, ok := p.Algorithm.Unquote()
		if !ok {
			return StatusWrongHeader
		}
		if _, ok := ParseAlgorithm(clientAlgo); !ok {
			return StatusWrongHeader
		}
	}

	nc, ncOK := p.NC.Unquote()
	if !ncOK {
		return StatusWrongHeader
	}
	if len(nc) > maxNCLen {
		return StatusInternalError
	}
	ncVal, err := strconv.ParseUint(nc, 16, 64)
	if err != nil || ncVal == 0 {
		return StatusWrongHeader
	}

	response, responseOK := p.Response.Unquote()
	if !responseOK {
		return StatusWrongHeader
	}
	if len(response) > maxResponseLen {
		return StatusInternalError
	}

	switch in.Table.Check(nonce, nonceTs, ncVal) {
	case CheckStale:
		return StatusNonceStale
	case CheckWrong:
		return StatusNonceWrong
	}

	uriParam, ok := p.URI.Unquote()
	if !ok {
		return StatusWrongURI
	}
	if in.UnescapeURL == nil {
		return StatusInternalError
	}
	unescaped, err := in.UnescapeURL(uriParam)
	if err != nil {
		return StatusWrongURI
	}
	path, rawQuery := splitURI(unescaped)
	if path != in.RequestURL {
		return StatusWrongURI
	}
	if rawQuery != "" {
		argPairs, err := url.ParseQuery(rawQuery)
		if err != nil || !queryArgsMatch(argPairs, in.QueryArgs) {
			return StatusWrongURI
		}
	} else if len(in.QueryArgs) != 0 {
		return StatusWrongURI
	}

	ha2 := engine.SumHex([]byte(in.Method), []byte(":"), []byte(uriParam))
	dc := &DigestComputer{engine: engine}
	expected := dc.Response(in.CredentialHash, nonce, nc, cnonce, qop, ha2)

	if !constantTimeEqual(response, expected) {
		return StatusResponseWrong
	}
	return StatusOK
}

// splitURI splits a client-supplied, already-unescaped uri parameter into
// its path and query (without the leading '?').
func splitURI(uri string) (path, query string) {
	if idx := strings.IndexByte(uri, '?'); idx >= 0 {
		return uri[:idx], uri[idx+1:]
	}
	return uri, ""
}

// queryArgsMatch reports whether every key/value pair in got exists in
// want with a matching value, and the total pair counts agree, per
// spec.md §4.6 step 12.
func queryArgsMatch(got, want url.Values) bool {
	gotCount, wantCount := 0, 0
	for _, vs := range got {
		gotCount += len(vs)
	}
	for _, vs := range want {
		wantCount += len(vs)
	}
	if gotCount != wantCount {
		return false
	}
	for k, vs := range got {
		wantVs, ok := want[k]
		if !ok || len(wantVs) != len(vs) {
			return false
		}
		for i, v := range vs {
			if wantVs[i] != v {
				return false
			}
		}
	}
	return true
}

// constantTimeEqual compares two equal-or-unequal-length hex strings in
// time independent of where they first differ, per spec.md §9's
// requirement that response comparison must not be a timing oracle.
// Grounded on jbowes-httpsig's verifyDigest and the constant-time
// comparison in the caddyserver-caddy / abbot-go-http-auth digest
// implementations, all of which use crypto/subtle rather than ==.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

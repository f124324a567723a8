package digestcore

import "fmt"

// ChallengeInput bundles what ChallengeBuilder needs to mint a fresh
// nonce and format a WWW-Authenticate header.
type ChallengeInput struct {
	Method string
	URI    string
	Realm  string
	Opaque string
	Seed   string
	Stale  bool
	Algo   Algorithm
	NowMs  uint64
	Table  *NonceNcTable

	// Jitter supplies the backward offset used to perturb the timestamp on
	// a reservation retry; BuildChallenge reduces its result modulo
	// JumpbackMaxMs+1. It is consulted only when the first TryReserve is
	// refused. When it is nil, or the offset comes out as 0, the retry
	// timestamp is 2 ms before NowMs.
	Jitter func() uint64
}

// Challenge is the result of a successful (or best-effort) challenge
// build: the nonce that was placed (or attempted) in the table, and the
// fully composed header value.
type Challenge struct {
	Nonce     string
	Header    string
	Reserved  bool
	Algorithm Algorithm
}

// BuildChallenge generates a nonce, tries to admit it into the table, and
// composes the WWW-Authenticate header exactly as spec.md §4.7 specifies.
// A table size of 0 means nc tracking is disabled entirely and
// BuildChallenge refuses outright (ok == false, zero Challenge), matching
// MHD_queue_auth_fail_response2's "nonce array size is zero" refusal,
// which returns MHD_NO without composing a header when nonce_nc_size == 0.
func BuildChallenge(in ChallengeInput) (Challenge, bool) {
	if in.Table.Size() == 0 {
		return Challenge{}, false
	}

	algo := in.Algo.Resolve()
	engine := NewHashEngine(algo)

	nonce := GenerateNonce(engine, in.NowMs, in.Method, in.Seed, in.URI, in.Realm)
	reserved := in.Table.TryReserve(nonce, in.NowMs)

	if !reserved {
		retryTs := in.NowMs
		if in.Jitter != nil {
			retryTs -= in.Jitter() % (JumpbackMaxMs + 1)
		}
		if retryTs == in.NowMs && retryTs >= 2 {
			// Jitter degenerated to zero; nudge so the retry nonce differs.
			retryTs -= 2
		}
		retryNonce := GenerateNonce(engine, retryTs, in.Method, in.Seed, in.URI, in.Realm)
		if in.Table.TryReserve(retryNonce, in.NowMs) {
			nonce = retryNonce
			reserved = true
		}
		// Second refusal is not fatal: the caller proceeds with the
		// unregistered first nonce, which will simply come back STALE on
		// the client's first use.
	}

	header := fmt.Sprintf(
		`Digest realm="%s",qop="auth",nonce="%s",opaque="%s",algorithm=%s`,
		in.Realm, nonce, in.Opaque, algo.String(),
	)
	if in.Stale {
		header += `,stale="true"`
	}

	return Challenge{Nonce: nonce, Header: header, Reserved: reserved, Algorithm: algo}, true
}

package digestcore

import (
	"net/url"
	"testing"
)

const (
	testRealm    = "example@example.com"
	testUsername = "alice"
	testPassword = "secret"
)

func passthroughUnescape(s string) (string, error) { return s, nil }

func validParams(nonce, uri, method, cnonce, qop, nc string, dc *DigestComputer, ha1 string) RequestParams {
	ha2 := dc.HA2(method, uri)
	response := dc.Response(ha1, nonce, nc, cnonce, qop, ha2)
	return RequestParams{
		Username: Param{Value: testUsername, Present: true},
		Realm:    Param{Value: testRealm, Present: true},
		Nonce:    Param{Value: nonce, Present: true},
		CNonce:   Param{Value: cnonce, Present: true, Quoted: true},
		QOP:      Param{Value: qop, Present: true},
		NC:       Param{Value: nc, Present: true},
		URI:      Param{Value: uri, Present: true, Quoted: true},
		Response: Param{Value: response, Present: true, Quoted: true},
	}
}

func TestVerifySuccessRoundTrip(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}

	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce123", "auth", "00000001", dc, ha1)

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusOK {
		t.Fatalf("Verify() = %v, want StatusOK", status)
	}
}

func TestVerifyMissingResponseIsWrongHeader(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.Response = Param{} // absent

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongHeader {
		t.Fatalf("Verify() = %v, want StatusWrongHeader", status)
	}
}

// TestVerifyAbsentUsernameIsWrongUsername exercises the ordered-gate
// priority: an absent username is reported as StatusWrongUsername, not a
// blanket StatusWrongHeader, and takes precedence over the realm/nonce/uri
// checks that run after it.
func TestVerifyAbsentUsernameIsWrongUsername(t *testing.T) {
	table := NewNonceNcTable(8)
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams("irrelevant", "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.Username = Param{} // absent

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongUsername {
		t.Fatalf("Verify() = %v, want StatusWrongUsername", status)
	}
}

func TestVerifyAbsentRealmIsWrongRealm(t *testing.T) {
	table := NewNonceNcTable(8)
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams("irrelevant", "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.Realm = Param{} // absent

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongRealm {
		t.Fatalf("Verify() = %v, want StatusWrongRealm", status)
	}
}

func TestVerifyAbsentNonceIsNonceWrong(t *testing.T) {
	table := NewNonceNcTable(8)
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams("irrelevant", "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.Nonce = Param{} // absent

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusNonceWrong {
		t.Fatalf("Verify() = %v, want StatusNonceWrong", status)
	}
}

func TestVerifyAbsentURIIsWrongURI(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.URI = Param{} // absent

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongURI {
		t.Fatalf("Verify() = %v, want StatusWrongURI", status)
	}
}

func TestVerifyWrongUsername(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.Username = Param{Value: "mallory", Present: true}

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongUsername {
		t.Fatalf("Verify() = %v, want StatusWrongUsername", status)
	}
}

func TestVerifyWrongRealm(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.Realm = Param{Value: "otherrealm", Present: true}

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongRealm {
		t.Fatalf("Verify() = %v, want StatusWrongRealm", status)
	}
}

func TestVerifyBadResponseIsResponseWrong(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.Response = Param{Value: "0000000000000000000000000000000", Present: true}

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusResponseWrong {
		t.Fatalf("Verify() = %v, want StatusResponseWrong", status)
	}
}

func TestVerifyStaleNonce(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000 + 61_000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusNonceStale {
		t.Fatalf("Verify() = %v, want StatusNonceStale", status)
	}
}

func TestVerifyTamperedURIIsWrongURI(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	// Client claims a different URI in the Authorization header than the
	// one it actually requested; the nonce was minted for "/protected".
	params := validParams(challenge.Nonce, "/other", "GET", "cnonce", "auth", "00000001", dc, ha1)

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongURI {
		t.Fatalf("Verify() = %v, want StatusWrongURI", status)
	}
}

func TestVerifyReplayedNcIsRejected(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)

	in := VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	}
	if status := Verify(in); status != StatusOK {
		t.Fatalf("first Verify() = %v, want StatusOK", status)
	}
	if status := Verify(in); status == StatusOK {
		t.Fatal("replaying the identical nc must not be accepted twice")
	}
}

func TestVerifyQueryArgsCrossCheck(t *testing.T) {
	table := NewNonceNcTable(8)
	// The challenge is minted against the bare path; the nonce is
	// regenerated against RequestURL (also the bare path) during
	// verification, while the client's uri parameter carries the query
	// string for the separate cross-check below.
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected?a=1", "GET", "cnonce", "auth", "00000001", dc, ha1)

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{"a": {"1"}},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusOK {
		t.Fatalf("Verify() = %v, want StatusOK", status)
	}
}

// TestVerifyQoplessReplayedNcIsRejected exercises the same replay defense
// that TestVerifyReplayedNcIsRejected exercises for qop=auth, but for a
// request that omits qop entirely: nc is still mandatory and still checked
// against NonceNcTable, so a repeated (nonce, nc) fails the second time
// even though qop was never present.
func TestVerifyQoplessReplayedNcIsRejected(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "", "00000001", dc, ha1)
	params.QOP = Param{} // qop omitted entirely

	in := VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	}
	if status := Verify(in); status != StatusOK {
		t.Fatalf("first Verify() = %v, want StatusOK", status)
	}
	if status := Verify(in); status == StatusOK {
		t.Fatal("replaying the identical nc must not be accepted twice, even without qop")
	}
}

// TestVerifyAbsentNcIsWrongHeader exercises spec.md §4.6 step 9: nc is
// mandatory regardless of qop, and its absence is WRONG_HEADER, not
// something silently tolerated because qop was also absent.
func TestVerifyAbsentNcIsWrongHeader(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "", "00000001", dc, ha1)
	params.QOP = Param{}
	params.NC = Param{} // nc omitted entirely

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongHeader {
		t.Fatalf("Verify() = %v, want StatusWrongHeader", status)
	}
}

// TestVerifyAbsentCNonceIsWrongHeader mirrors the nc case for cnonce.
func TestVerifyAbsentCNonceIsWrongHeader(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected", "GET", "cnonce", "auth", "00000001", dc, ha1)
	params.CNonce = Param{} // cnonce omitted entirely

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongHeader {
		t.Fatalf("Verify() = %v, want StatusWrongHeader", status)
	}
}

func TestVerifyQueryArgsMismatchIsWrongURI(t *testing.T) {
	table := NewNonceNcTable(8)
	challenge, ok := BuildChallenge(ChallengeInput{
		Method: "GET", URI: "/protected", Realm: testRealm, Opaque: "op1",
		Seed: "seed", Algo: AlgorithmMD5, NowMs: 1000, Table: table,
	})
	if !ok {
		t.Fatal("BuildChallenge refused to admit a nonce into a non-empty table")
	}
	dc := NewDigestComputer(AlgorithmMD5)
	ha1 := dc.HA1FromPassword(testUsername, testRealm, testPassword)
	params := validParams(challenge.Nonce, "/protected?a=1", "GET", "cnonce", "auth", "00000001", dc, ha1)

	status := Verify(VerifyInput{
		Params: params, Method: "GET", RequestURL: "/protected", QueryArgs: url.Values{"a": {"2"}},
		NowMs: 1000, Seed: "seed", Realm: testRealm, Username: testUsername,
		CredentialHash: ha1, Algo: AlgorithmMD5, NonceTimeoutSec: 60, Table: table,
		UnescapeURL: passthroughUnescape,
	})
	if status != StatusWrongURI {
		t.Fatalf("Verify() = %v, want StatusWrongURI", status)
	}
}

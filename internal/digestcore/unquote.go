package digestcore

import "strings"

// MaxParamLen is the hard cap on a single Authorization parameter value
// (quoted form, before unquoting), per spec.md §4.4.
const MaxParamLen = 65_536

// Param is one Authorization-header field as handed to the core by the
// upstream header tokenizer: the value bytes, whether they were delimited
// by DQUOTE (and therefore may contain RFC 7230 §3.2.6 backslash escapes),
// and whether the field was present at all.
type Param struct {
	Value   string
	Quoted  bool
	Present bool
}

// Unquote resolves RFC 7230 §3.2.6 backslash escapes in a quoted-string
// value. A backslash escapes the following byte literally; a trailing,
// unescaped backslash makes the input invalid. Unquoted values pass
// through unchanged. The zero Param (absent) is not a valid input.
//
// Grounded on the quoted-value state machine in
// Robertof-RTSPtoWeb-minimal's WWW-Authenticate parser, simplified to the
// case where the upstream tokenizer has already stripped the surrounding
// DQUOTE pair and only escapes remain to resolve.
func (p Param) Unquote() (string, bool) {
	if !p.Present {
		return "", false
	}
	if len(p.Value) > MaxParamLen {
		return "", false
	}
	if !p.Quoted || !strings.ContainsRune(p.Value, '\\') {
		return p.Value, true
	}

	var b strings.Builder
	b.Grow(len(p.Value))
	escaped := false
	for i := 0; i < len(p.Value); i++ {
		c := p.Value[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	if escaped {
		// trailing, unescaped backslash: malformed quoted-string
		return "", false
	}
	return b.String(), true
}

// Equal reports whether the unquoted value of p equals want, exactly
// (byte-for-byte), used for username/realm comparisons in RequestVerifier.
func (p Param) Equal(want string) bool {
	got, ok := p.Unquote()
	return ok && got == want
}

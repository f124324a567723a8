package digestcore

// RequestParams is the set of Authorization: Digest parameters as handed
// to the core by the upstream HTTP header tokenizer. Each field is either
// absent (Present == false) or a (value, quoted?) pair; RequestVerifier
// never treats a value as a C-string, and defers escape resolution to
// ParamUnquoter (Param.Unquote).
type RequestParams struct {
	Username  Param
	Realm     Param
	Nonce     Param
	CNonce    Param
	QOP       Param
	NC        Param
	URI       Param
	Response  Param
	Algorithm Param
	Opaque    Param
}

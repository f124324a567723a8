package caddy_digest_auth

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/HumanDotExe/caddy-digest-auth/internal/digestcore"
	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"
)

const (
	defaultNonceNcSize = 1024
)

func init() {
	caddy.RegisterModule(DigestAuth{})
	httpcaddyfile.RegisterHandlerDirective("digest_auth", parseCaddyfileDigestAuth)
}

// DigestAuth implements RFC 2617 / RFC 7616 HTTP Digest Authentication as a
// Caddy HTTP middleware. Nonce lifecycle, replay defense, and response
// verification live in internal/digestcore; this module owns configuration,
// credential storage, rate limiting, and translating digestcore.Status into
// HTTP responses and structured logs.
type DigestAuth struct {
	Realm     string `json:"realm,omitempty"`
	Algorithm string `json:"algorithm,omitempty"` // "", "MD5", or "SHA-256"
	Opaque    string `json:"opaque,omitempty"`    // fixed per instance; generated if empty
	// NonceNcSize is the NonceNcTable capacity. nil means "unset, use the
	// default"; a pointer (rather than a bare int) is required to let 0 be
	// configured explicitly, which disables nc tracking entirely and makes
	// every challenge refuse to be issued (see sendChallenge).
	NonceNcSize     *int     `json:"nonce_nc_size,omitempty"`
	UserFile        string   `json:"user_file,omitempty"`
	Users           []User   `json:"users,omitempty"`
	ExcludePaths    []string `json:"exclude_paths,omitempty"`
	Expires         int      `json:"expires,omitempty"`          // vestigial: retained for htdigest-era Caddyfiles only
	Replays         int      `json:"replays,omitempty"`          // vestigial: retained for htdigest-era Caddyfiles only
	Timeout         int      `json:"timeout,omitempty"`          // nonce timeout, seconds
	RateLimitBurst  int      `json:"rate_limit_burst,omitempty"`
	RateLimitWindow int      `json:"rate_limit_window,omitempty"`
	EnableMetrics   bool     `json:"enable_metrics,omitempty"`

	credentials map[string]credential
	rateLimits  map[string]*rateLimitData
	salt        string // digestcore Seed
	algo        digestcore.Algorithm
	table       *digestcore.NonceNcTable
	mutex       sync.RWMutex
	logger      *zap.Logger
	metrics     *Metrics
}

// User represents an inline user credential.
type User struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// credential holds a user's precomputed H(A1), hex-encoded: computed with
// da.algo for inline users, passed through unchanged from an htdigest file.
type credential struct {
	Realm  string `json:"realm"`
	Cipher string `json:"cipher"`
}

// rateLimitData tracks failed authentication attempts.
type rateLimitData struct {
	Attempts int
	FirstTry int64
}

// Metrics tracks authentication statistics (optional).
type Metrics struct {
	TotalRequests   int64
	SuccessfulAuths int64
	ChallengesSent  int64
	RateLimited     int64
	WrongUsername   int64
	WrongRealm      int64
	NonceStale      int64
	NonceWrong      int64
	WrongURI        int64
	ResponseWrong   int64
	InternalError   int64
	mutex           sync.RWMutex
}

// IncrementMetric safely increments a metric counter.
func (m *Metrics) IncrementMetric(metric *int64) {
	if m != nil {
		m.mutex.Lock()
		*metric++
		m.mutex.Unlock()
	}
}

// GetMetrics returns a copy of current metrics.
func (m *Metrics) GetMetrics() map[string]int64 {
	if m == nil {
		return nil
	}
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return map[string]int64{
		"total_requests":   m.TotalRequests,
		"successful_auths": m.SuccessfulAuths,
		"challenges_sent":  m.ChallengesSent,
		"rate_limited":     m.RateLimited,
		"wrong_username":   m.WrongUsername,
		"wrong_realm":      m.WrongRealm,
		"nonce_stale":      m.NonceStale,
		"nonce_wrong":      m.NonceWrong,
		"wrong_uri":        m.WrongURI,
		"response_wrong":   m.ResponseWrong,
		"internal_error":   m.InternalError,
	}
}

// incrementForStatus bumps the metric matching a digestcore.Status.
func (m *Metrics) incrementForStatus(status digestcore.Status) {
	switch status {
	case digestcore.StatusWrongUsername:
		m.IncrementMetric(&m.WrongUsername)
	case digestcore.StatusWrongRealm:
		m.IncrementMetric(&m.WrongRealm)
	case digestcore.StatusNonceStale:
		m.IncrementMetric(&m.NonceStale)
	case digestcore.StatusNonceWrong:
		m.IncrementMetric(&m.NonceWrong)
	case digestcore.StatusWrongURI:
		m.IncrementMetric(&m.WrongURI)
	case digestcore.StatusResponseWrong:
		m.IncrementMetric(&m.ResponseWrong)
	default:
		m.IncrementMetric(&m.InternalError)
	}
}

// CaddyModule returns the Caddy module information.
func (DigestAuth) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.digest_auth",
		New: func() caddy.Module { return new(DigestAuth) },
	}
}

// Provision sets up the module.
func (da *DigestAuth) Provision(ctx caddy.Context) error {
	da.logger = ctx.Logger(da)

	if da.Realm == "" {
		da.Realm = "Restricted Area"
	}
	if da.Expires == 0 {
		da.Expires = 600
	}
	if da.Replays == 0 {
		da.Replays = 500
	}
	if da.Timeout == 0 {
		da.Timeout = 600
	}
	if da.RateLimitBurst == 0 {
		da.RateLimitBurst = 50
	}
	if da.RateLimitWindow == 0 {
		da.RateLimitWindow = 600
	}
	nonceNcSize := defaultNonceNcSize
	if da.NonceNcSize != nil {
		nonceNcSize = *da.NonceNcSize
	}

	algo, ok := digestcore.ParseAlgorithm(da.Algorithm)
	if !ok {
		return fmt.Errorf("unsupported algorithm %q", da.Algorithm)
	}
	da.algo = algo.Resolve()

	da.credentials = make(map[string]credential)
	da.rateLimits = make(map[string]*rateLimitData)
	da.table = digestcore.NewNonceNcTable(nonceNcSize)
	if nonceNcSize == 0 {
		da.logger.Warn("nonce_nc_size is 0: nc tracking is disabled and every request will be refused with 500")
	}

	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return fmt.Errorf("failed to generate salt: %v", err)
	}
	da.salt = base64.StdEncoding.EncodeToString(saltBytes)

	if da.Opaque == "" {
		opaqueBytes := make([]byte, 16)
		if _, err := rand.Read(opaqueBytes); err != nil {
			return fmt.Errorf("failed to generate opaque: %v", err)
		}
		da.Opaque = hex.EncodeToString(opaqueBytes)
	}

	if err := da.loadCredentials(); err != nil {
		return fmt.Errorf("failed to load credentials: %v", err)
	}

	go da.cleanupRoutine()

	if da.EnableMetrics {
		da.metrics = &Metrics{}
		da.logger.Info("metrics collection enabled")
	}

	da.logger.Info("digest auth module provisioned",
		zap.String("realm", da.Realm),
		zap.String("algorithm", da.algo.String()),
		zap.Int("nonce_nc_size", nonceNcSize),
		zap.Int("timeout", da.Timeout),
		zap.Int("expires", da.Expires),
		zap.Int("replays", da.Replays),
		zap.Int("rate_limit_burst", da.RateLimitBurst),
		zap.Int("rate_limit_window", da.RateLimitWindow),
		zap.Int("exclude_paths", len(da.ExcludePaths)),
		zap.Bool("metrics_enabled", da.EnableMetrics))

	return nil
}

// ServeHTTP handles the HTTP request.
func (da *DigestAuth) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	logger := da.logger.With(
		zap.String("method", r.Method),
		zap.String("uri", r.URL.Path),
		zap.String("remote_addr", r.RemoteAddr),
	)

	da.metrics.IncrementMetric(&da.metrics.TotalRequests)

	if da.isPathExcluded(r.URL.Path) {
		logger.Debug("path excluded from authentication")
		return next.ServeHTTP(w, r)
	}

	if da.isRateLimited(r.RemoteAddr) {
		da.metrics.IncrementMetric(&da.metrics.RateLimited)
		logger.Warn("client blocked by rate limiting", zap.Int("status", http.StatusTooManyRequests))
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		da.metrics.IncrementMetric(&da.metrics.ChallengesSent)
		logger.Debug("no authorization header, issuing challenge", zap.Int("status", http.StatusUnauthorized))
		return da.sendChallenge(w, r, false, logger)
	}

	params, ok := parseDigestParams(authHeader)
	if !ok {
		da.metrics.IncrementMetric(&da.metrics.InternalError)
		logger.Warn("malformed authorization header", zap.Int("status", http.StatusBadRequest))
		da.incrementRateLimit(r.RemoteAddr)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil
	}

	status, username := da.verify(params, r, logger)

	if status == digestcore.StatusOK {
		da.resetRateLimit(r.RemoteAddr)
		da.metrics.IncrementMetric(&da.metrics.SuccessfulAuths)
		logger.Info("authentication successful",
			zap.String("username", username),
			zap.Int("status", http.StatusOK))
		return next.ServeHTTP(w, r)
	}

	da.metrics.incrementForStatus(status)

	if status == digestcore.StatusWrongHeader {
		logger.Warn("malformed digest parameters", zap.Int("status", http.StatusBadRequest))
		da.incrementRateLimit(r.RemoteAddr)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return nil
	}

	da.incrementRateLimit(r.RemoteAddr)
	logger.Warn("authentication failed",
		zap.String("username", username),
		zap.String("status_reason", status.String()),
		zap.Int("status", http.StatusUnauthorized))
	return da.sendChallenge(w, r, status == digestcore.StatusNonceStale, logger)
}

// verify checks the client-echoed opaque against the single opaque this
// instance issues, then runs digestcore.Verify against the resolved
// credential for the request's username. A qop-less request is tracked
// through the same NonceNcTable as a qop=auth one — nc is mandatory
// either way, per digestcore.Verify's ordered gate.
func (da *DigestAuth) verify(params digestcore.RequestParams, r *http.Request, logger *zap.Logger) (digestcore.Status, string) {
	// An absent or malformed username unquotes to "", which never matches a
	// configured credential, so it falls through to StatusWrongUsername
	// below rather than being special-cased here.
	username, _ := params.Username.Unquote()

	// Every challenge this instance issues carries da.Opaque; a client
	// that doesn't echo it back exactly is not replaying our challenge,
	// so reject before spending any time on core verification.
	if opaque, ok := params.Opaque.Unquote(); !ok || opaque != da.Opaque {
		return digestcore.StatusWrongHeader, username
	}

	da.mutex.RLock()
	cred, exists := da.credentials[username]
	da.mutex.RUnlock()
	if !exists {
		return digestcore.StatusWrongUsername, username
	}

	status := digestcore.Verify(digestcore.VerifyInput{
		Params:          params,
		Method:          r.Method,
		RequestURL:      r.URL.Path,
		QueryArgs:       r.URL.Query(),
		NowMs:           uint64(time.Now().UnixMilli()),
		Seed:            da.salt,
		Realm:           da.Realm,
		Username:        username,
		CredentialHash:  cred.Cipher,
		Algo:            da.algo,
		NonceTimeoutSec: da.Timeout,
		Table:           da.table,
		UnescapeURL:     url.QueryUnescape,
	})
	return status, username
}

// loadCredentials loads user credentials from the specified file or inline
// users, computing H(A1) with the module's configured algorithm.
func (da *DigestAuth) loadCredentials() error {
	da.mutex.Lock()
	defer da.mutex.Unlock()

	dc := digestcore.NewDigestComputer(da.algo)

	if len(da.Users) > 0 {
		for _, user := range da.Users {
			if user.Username == "" || user.Password == "" {
				return fmt.Errorf("username and password are required for inline users")
			}
			da.credentials[user.Username] = credential{
				Realm:  da.Realm,
				Cipher: dc.HA1FromPassword(user.Username, da.Realm, user.Password),
			}
		}
		da.logger.Info("loaded inline credentials",
			zap.Int("count", len(da.Users)),
			zap.String("realm", da.Realm))
		return nil
	}

	if da.UserFile != "" {
		file, err := os.Open(da.UserFile)
		if err != nil {
			return fmt.Errorf("failed to open user file: %v", err)
		}
		defer file.Close()

		scanner := bufio.NewScanner(file)
		lineNum := 0
		loadedCount := 0
		skippedCount := 0

		for scanner.Scan() {
			lineNum++
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			// htdigest format: username:realm:H(username:realm:password).
			// The stored hash is always MD5 regardless of da.Algorithm, per
			// the htdigest file format; it is passed through unchanged.
			parts := strings.Split(line, ":")
			if len(parts) != 3 {
				da.logger.Warn("invalid htdigest format",
					zap.Int("line", lineNum),
					zap.String("file", da.UserFile))
				skippedCount++
				continue
			}

			username, realm, prehash := parts[0], parts[1], parts[2]
			if realm != da.Realm {
				da.logger.Warn("realm mismatch",
					zap.String("username", username),
					zap.String("expected_realm", da.Realm),
					zap.String("file_realm", realm),
					zap.String("file", da.UserFile))
				skippedCount++
				continue
			}

			da.credentials[username] = credential{
				Realm:  realm,
				Cipher: digestcore.HA1FromPrehash(prehash),
			}
			loadedCount++
		}

		if err := scanner.Err(); err != nil {
			return fmt.Errorf("error reading user file: %v", err)
		}

		da.logger.Info("loaded credentials from file",
			zap.String("file", da.UserFile),
			zap.Int("loaded", loadedCount),
			zap.Int("skipped", skippedCount),
			zap.String("realm", da.Realm))
		return nil
	}

	return fmt.Errorf("no credentials configured")
}

// sendChallenge mints a fresh nonce via digestcore and sends it as a
// WWW-Authenticate challenge. A table size of 0 (nc tracking disabled)
// makes BuildChallenge refuse outright, per spec.md §4.7 step 1; no
// digest client can ever be authenticated in that configuration, so the
// request fails with 500 instead of a bogus challenge.
func (da *DigestAuth) sendChallenge(w http.ResponseWriter, r *http.Request, stale bool, logger *zap.Logger) error {
	challenge, ok := digestcore.BuildChallenge(digestcore.ChallengeInput{
		Method: r.Method,
		URI:    r.URL.Path,
		Realm:  da.Realm,
		Opaque: da.Opaque,
		Seed:   da.salt,
		Stale:  stale,
		Algo:   da.algo,
		NowMs:  uint64(time.Now().UnixMilli()),
		Table:  da.table,
		Jitter: jitterSource,
	})
	if !ok {
		da.metrics.IncrementMetric(&da.metrics.InternalError)
		logger.Error("nonce_nc_size is 0; refusing to issue a challenge", zap.Int("status", http.StatusInternalServerError))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("WWW-Authenticate", challenge.Header)

	logger.Info("authentication challenge sent",
		zap.Int("status", http.StatusUnauthorized),
		zap.Bool("stale", stale),
		zap.Bool("nonce_reserved", challenge.Reserved))

	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return nil
}

// jitterSource supplies ChallengeBuilder's reservation-retry backoff from
// crypto/rand, not from memory addresses or other non-uniform sources.
func jitterSource() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

// parseDigestParams tokenizes an "Authorization: Digest ..." header into
// RequestParams, honoring RFC 7230 quoted-string boundaries so that a comma
// inside a quoted uri (a query string) doesn't split a value in half.
func parseDigestParams(header string) (digestcore.RequestParams, bool) {
	const prefix = "Digest "
	if !strings.HasPrefix(header, prefix) {
		return digestcore.RequestParams{}, false
	}
	body := header[len(prefix):]
	raw := make(map[string]digestcore.Param)

	i, n := 0, len(body)
	for i < n {
		for i < n && (body[i] == ' ' || body[i] == ',') {
			i++
		}
		if i >= n {
			break
		}

		keyStart := i
		for i < n && body[i] != '=' {
			i++
		}
		if i >= n {
			return digestcore.RequestParams{}, false
		}
		key := strings.ToLower(strings.TrimSpace(body[keyStart:i]))
		i++ // skip '='

		if i < n && body[i] == '"' {
			i++
			valStart := i
			escaped := false
			for i < n {
				c := body[i]
				if escaped {
					escaped = false
					i++
					continue
				}
				if c == '\\' {
					escaped = true
					i++
					continue
				}
				if c == '"' {
					break
				}
				i++
			}
			if i >= n {
				return digestcore.RequestParams{}, false // unterminated quoted-string
			}
			raw[key] = digestcore.Param{Value: body[valStart:i], Quoted: true, Present: true}
			i++ // skip closing quote
		} else {
			valStart := i
			for i < n && body[i] != ',' {
				i++
			}
			raw[key] = digestcore.Param{Value: strings.TrimSpace(body[valStart:i]), Present: true}
		}
	}

	return digestcore.RequestParams{
		Username:  raw["username"],
		Realm:     raw["realm"],
		Nonce:     raw["nonce"],
		CNonce:    raw["cnonce"],
		QOP:       raw["qop"],
		NC:        raw["nc"],
		URI:       raw["uri"],
		Response:  raw["response"],
		Algorithm: raw["algorithm"],
		Opaque:    raw["opaque"],
	}, true
}

// isRateLimited checks if a client is rate limited.
func (da *DigestAuth) isRateLimited(remoteAddr string) bool {
	da.mutex.RLock()
	defer da.mutex.RUnlock()

	rateData, exists := da.rateLimits[remoteAddr]
	if !exists {
		return false
	}
	now := time.Now().Unix()
	if now-rateData.FirstTry > int64(da.RateLimitWindow) {
		return false
	}
	return rateData.Attempts >= da.RateLimitBurst
}

// incrementRateLimit increments the rate limit counter for a client.
func (da *DigestAuth) incrementRateLimit(remoteAddr string) {
	da.mutex.Lock()
	defer da.mutex.Unlock()

	now := time.Now().Unix()
	rateData, exists := da.rateLimits[remoteAddr]
	if !exists {
		da.rateLimits[remoteAddr] = &rateLimitData{Attempts: 1, FirstTry: now}
		return
	}
	rateData.Attempts++
}

// resetRateLimit resets the rate limit for a client.
func (da *DigestAuth) resetRateLimit(remoteAddr string) {
	da.mutex.Lock()
	defer da.mutex.Unlock()
	delete(da.rateLimits, remoteAddr)
}

// cleanupRoutine periodically evicts stale rate-limit entries. Nonce/nc
// state lives entirely in digestcore.NonceNcTable's fixed-size slots, which
// self-evict on overwrite and need no separate sweep.
func (da *DigestAuth) cleanupRoutine() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		da.mutex.Lock()
		now := time.Now().Unix()

		for remoteAddr, rateData := range da.rateLimits {
			if now-rateData.FirstTry > int64(da.RateLimitWindow) {
				delete(da.rateLimits, remoteAddr)
			}
		}
		da.mutex.Unlock()
	}
}

// Validate validates the module configuration.
func (da *DigestAuth) Validate() error {
	if da.UserFile == "" && len(da.Users) == 0 {
		return fmt.Errorf("either user_file or users must be specified")
	}
	if da.UserFile != "" && len(da.Users) > 0 {
		return fmt.Errorf("cannot specify both inline users and user_file")
	}
	if da.Algorithm != "" {
		if _, ok := digestcore.ParseAlgorithm(da.Algorithm); !ok {
			return fmt.Errorf("unsupported algorithm %q", da.Algorithm)
		}
	}
	if da.NonceNcSize != nil {
		if *da.NonceNcSize < 0 {
			return fmt.Errorf("nonce_nc_size cannot be negative")
		}
		if *da.NonceNcSize == 0 {
			da.logger.Warn("nonce_nc_size is 0: nc tracking will be disabled and no client will ever authenticate")
		}
	}

	if da.RateLimitBurst > 100 {
		da.logger.Warn("high rate limit burst may allow abuse",
			zap.Int("rate_limit_burst", da.RateLimitBurst))
	}
	if da.RateLimitWindow < 60 {
		da.logger.Warn("very short rate limit window may block legitimate users",
			zap.Int("rate_limit_window", da.RateLimitWindow))
	}

	if da.UserFile != "" {
		if _, err := os.Stat(da.UserFile); os.IsNotExist(err) {
			return fmt.Errorf("user file does not exist: %s", da.UserFile)
		}
	}

	for i, user := range da.Users {
		if user.Username == "" {
			return fmt.Errorf("inline user %d: username cannot be empty", i+1)
		}
		if user.Password == "" {
			return fmt.Errorf("inline user %d: password cannot be empty", i+1)
		}
		if len(user.Password) < 8 {
			da.logger.Warn("weak password detected", zap.String("username", user.Username))
		}
	}

	return nil
}

// isPathExcluded checks if the given path should be excluded from authentication.
func (da *DigestAuth) isPathExcluded(path string) bool {
	if len(da.ExcludePaths) == 0 {
		return false
	}
	for _, excludePath := range da.ExcludePaths {
		if strings.HasSuffix(excludePath, "/*") {
			prefix := strings.TrimSuffix(excludePath, "/*")
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if strings.HasPrefix(path, excludePath) {
			return true
		}
	}
	return false
}

// parseCaddyfileDigestAuth parses the digest_auth directive in the Caddyfile.
func parseCaddyfileDigestAuth(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	da := new(DigestAuth)
	if err := da.UnmarshalCaddyfile(h.Dispenser); err != nil {
		return nil, err
	}
	return da, nil
}

// Interface guards
var (
	_ caddy.Provisioner           = (*DigestAuth)(nil)
	_ caddy.Validator             = (*DigestAuth)(nil)
	_ caddyhttp.MiddlewareHandler = (*DigestAuth)(nil)
)

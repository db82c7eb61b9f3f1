// Package acmetest runs a minimal in-process ACME CA on top of
// net/http/httptest, for exercising the RFC 8555 client and the order
// engine without network access. It verifies every JWS it receives,
// enforces anti-replay nonces, and issues real (test-rooted) certificate
// chains for the CSRs it is handed. Failure injection knobs cover the
// retry paths: badNonce, rateLimited, serverInternal, and failed
// validations.
package acmetest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

const (
	errBadNonce        = "urn:ietf:params:acme:error:badNonce"
	errRateLimited     = "urn:ietf:params:acme:error:rateLimited"
	errServerInternal  = "urn:ietf:params:acme:error:serverInternal"
	errUnauthorized    = "urn:ietf:params:acme:error:unauthorized"
	errMalformed       = "urn:ietf:params:acme:error:malformed"
	errOrderNotReady   = "urn:ietf:params:acme:error:orderNotReady"
	errAlreadyRevoked  = "urn:ietf:params:acme:error:alreadyRevoked"
	errAccountNotFound = "urn:ietf:params:acme:error:accountDoesNotExist"
	errBadCSR          = "urn:ietf:params:acme:error:badCSR"
)

type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type challenge struct {
	id     string
	typ    string
	token  string
	status string
	err    *problemDoc
	authz  *authorization
}

type authorization struct {
	id         string
	identifier identifier
	wildcard   bool
	status     string
	challenges []*challenge
	ord        *order
	// polls the client must make before a responded challenge is
	// reported valid
	pollsLeft int
}

type order struct {
	id          string
	status      string
	identifiers []identifier
	authzs      []*authorization
	certID      string
	certPEM     []byte
	serial      string
	pollsLeft   int
	problem     *problemDoc
}

type account struct {
	kid    string
	key    jose.JSONWebKey
	status string
}

type problemDoc struct {
	Type   string `json:"type,omitempty"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`
}

// ChallengeCheck inspects a provisioned challenge response before the CA
// accepts it. keyAuth is the token.thumbprint value the CA expects the
// client to have published. Returning an error fails the authorization.
type ChallengeCheck func(ident string, challengeType, token, keyAuth string) error

type CA struct {
	srv *httptest.Server

	mu         sync.Mutex
	seq        int
	nonces     map[string]struct{}
	accounts   map[string]*account // kid -> account
	byThumb    map[string]string   // jwk thumbprint -> kid
	orders     map[string]*order
	authzs     map[string]*authorization
	challenges map[string]*challenge
	certs      map[string]*order // certID -> order
	revoked    map[string]bool   // serial -> revoked
	orderCount int

	badNonceOnce   bool
	rateLimitOnce  bool
	rateLimitAfter time.Duration
	serverErrors   int

	challengeCheck ChallengeCheck
	authzPolls     int
	finalizePolls  int

	eabKeys map[string][]byte // EAB kid -> HMAC key, nil means EAB not required

	issuerKey  *ecdsa.PrivateKey
	issuerCert *x509.Certificate

	// CertLifetime is the validity window of issued leaves, 90 days by
	// default. Set before the first order.
	CertLifetime time.Duration
	// Backdate shifts notBefore into the past to absorb clock skew.
	Backdate time.Duration
}

// NewCA generates a fresh issuing root and starts the test server.
func NewCA() (*CA, error) {
	issuerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("error generating issuer key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmetest intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, issuerKey.Public(), issuerKey)
	if err != nil {
		return nil, fmt.Errorf("error creating issuer cert: %w", err)
	}
	issuerCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("error parsing issuer cert: %w", err)
	}

	ca := &CA{
		nonces:       map[string]struct{}{},
		accounts:     map[string]*account{},
		byThumb:      map[string]string{},
		orders:       map[string]*order{},
		authzs:       map[string]*authorization{},
		challenges:   map[string]*challenge{},
		certs:        map[string]*order{},
		revoked:      map[string]bool{},
		issuerKey:    issuerKey,
		issuerCert:   issuerCert,
		CertLifetime: 90 * 24 * time.Hour,
		Backdate:     time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dir", ca.handleDirectory)
	mux.HandleFunc("/nonce", ca.handleNonce)
	mux.HandleFunc("/acct", ca.handleNewAccount)
	mux.HandleFunc("/order", ca.handleNewOrder)
	mux.HandleFunc("/order/", ca.handleOrder)
	mux.HandleFunc("/authz/", ca.handleAuthz)
	mux.HandleFunc("/chal/", ca.handleChallenge)
	mux.HandleFunc("/cert/", ca.handleCert)
	mux.HandleFunc("/revoke", ca.handleRevoke)
	mux.HandleFunc("/key-change", ca.handleKeyChange)
	ca.srv = httptest.NewServer(mux)
	return ca, nil
}

func (ca *CA) Close() {
	ca.srv.Close()
}

// DirectoryURL is what clients should be pointed at.
func (ca *CA) DirectoryURL() string {
	return ca.srv.URL + "/dir"
}

// IssuerCert returns the root every issued chain terminates at.
func (ca *CA) IssuerCert() *x509.Certificate {
	return ca.issuerCert
}

// OrderCount reports how many orders newOrder has created.
func (ca *CA) OrderCount() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.orderCount
}

// Revoked reports whether a serial (lowercase hex) has been revoked.
func (ca *CA) Revoked(serial string) bool {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.revoked[serial]
}

// AccountCount reports how many distinct keys have registered.
func (ca *CA) AccountCount() int {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return len(ca.accounts)
}

// InjectBadNonce makes the CA reject the next signed request with
// badNonce, regardless of the nonce it carries.
func (ca *CA) InjectBadNonce() {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.badNonceOnce = true
}

// InjectRateLimit makes the next newOrder fail with rateLimited and the
// given Retry-After.
func (ca *CA) InjectRateLimit(retryAfter time.Duration) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.rateLimitOnce = true
	ca.rateLimitAfter = retryAfter
}

// InjectServerErrors makes the next n signed requests fail with a 500.
func (ca *CA) InjectServerErrors(n int) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.serverErrors = n
}

// SetChallengeCheck installs a hook run when a client responds to a
// challenge.
func (ca *CA) SetChallengeCheck(fn ChallengeCheck) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.challengeCheck = fn
}

// SetAuthzPolls delays authorization validity by n poll round-trips.
func (ca *CA) SetAuthzPolls(n int) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.authzPolls = n
}

// SetFinalizePolls delays order validity by n poll round-trips after
// finalize.
func (ca *CA) SetFinalizePolls(n int) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.finalizePolls = n
}

// RequireEAB makes newAccount demand an external account binding signed
// with one of the given HMAC keys.
func (ca *CA) RequireEAB(keys map[string][]byte) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	ca.eabKeys = keys
}

func (ca *CA) nextID(prefix string) string {
	ca.seq++
	return fmt.Sprintf("%s%d", prefix, ca.seq)
}

func (ca *CA) url(parts ...string) string {
	return ca.srv.URL + "/" + strings.Join(parts, "/")
}

func (ca *CA) newNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := base64.RawURLEncoding.EncodeToString(buf)
	ca.nonces[nonce] = struct{}{}
	return nonce
}

func (ca *CA) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	ca.mu.Lock()
	w.Header().Set("Replay-Nonce", ca.newNonce())
	ca.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (ca *CA) writeProblem(w http.ResponseWriter, status int, typ, detail string, retryAfter time.Duration) {
	ca.mu.Lock()
	w.Header().Set("Replay-Nonce", ca.newNonce())
	ca.mu.Unlock()
	w.Header().Set("Content-Type", "application/problem+json")
	if retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDoc{Type: typ, Detail: detail, Status: status})
}

func (ca *CA) handleDirectory(w http.ResponseWriter, r *http.Request) {
	dir := map[string]string{
		"newNonce":   ca.url("nonce"),
		"newAccount": ca.url("acct"),
		"newOrder":   ca.url("order"),
		"revokeCert": ca.url("revoke"),
		"keyChange":  ca.url("key-change"),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dir)
}

func (ca *CA) handleNonce(w http.ResponseWriter, r *http.Request) {
	ca.mu.Lock()
	w.Header().Set("Replay-Nonce", ca.newNonce())
	ca.mu.Unlock()
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// signedRequest is the result of verifying an incoming JWS.
type signedRequest struct {
	payload []byte
	// postAsGet is true when the payload was the empty string
	postAsGet bool
	acct      *account
	jwk       *jose.JSONWebKey
}

// verifyJWS checks the signature, the nonce, and the url header of an
// incoming request, and resolves the signing account when the JWS uses a
// kid. Returns false after writing an error response.
func (ca *CA) verifyJWS(w http.ResponseWriter, r *http.Request) (*signedRequest, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "unreadable body", 0)
		return nil, false
	}

	parsed, err := jose.ParseSigned(string(body))
	if err != nil || len(parsed.Signatures) != 1 {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "not a JWS", 0)
		return nil, false
	}
	header := parsed.Signatures[0].Protected

	ca.mu.Lock()
	if ca.serverErrors > 0 {
		ca.serverErrors--
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusInternalServerError, errServerInternal, "injected failure", 0)
		return nil, false
	}
	if ca.badNonceOnce {
		ca.badNonceOnce = false
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errBadNonce, "injected stale nonce", 0)
		return nil, false
	}
	if _, ok := ca.nonces[header.Nonce]; !ok {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errBadNonce, "unknown nonce", 0)
		return nil, false
	}
	delete(ca.nonces, header.Nonce)
	ca.mu.Unlock()

	if u, ok := header.ExtraHeaders[jose.HeaderKey("url")].(string); !ok || u != ca.srv.URL+r.URL.Path {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "url header mismatch", 0)
		return nil, false
	}

	req := &signedRequest{}
	switch {
	case header.JSONWebKey != nil:
		req.jwk = header.JSONWebKey
		req.payload, err = parsed.Verify(header.JSONWebKey)
	case header.KeyID != "":
		ca.mu.Lock()
		acct := ca.accounts[header.KeyID]
		ca.mu.Unlock()
		if acct == nil {
			ca.writeProblem(w, http.StatusBadRequest, errAccountNotFound, "unknown kid", 0)
			return nil, false
		}
		req.acct = acct
		req.payload, err = parsed.Verify(acct.key)
	default:
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "neither jwk nor kid", 0)
		return nil, false
	}
	if err != nil {
		ca.writeProblem(w, http.StatusUnauthorized, errUnauthorized, "signature verification failed", 0)
		return nil, false
	}
	req.postAsGet = len(req.payload) == 0
	return req, true
}

func thumbprint(jwk *jose.JSONWebKey) (string, error) {
	pub := jwk.Public()
	thumb, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}

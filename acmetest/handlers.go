package acmetest

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
)

type accountMessage struct {
	Contact                []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed   bool            `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting     bool            `json:"onlyReturnExisting,omitempty"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

func (ca *CA) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	req, ok := ca.verifyJWS(w, r)
	if !ok {
		return
	}
	if req.jwk == nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "newAccount requires an embedded jwk", 0)
		return
	}

	var msg accountMessage
	if err := json.Unmarshal(req.payload, &msg); err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "bad account payload", 0)
		return
	}

	thumb, err := thumbprint(req.jwk)
	if err != nil {
		ca.writeProblem(w, http.StatusInternalServerError, errServerInternal, "thumbprint failed", 0)
		return
	}

	ca.mu.Lock()
	if kid, exists := ca.byThumb[thumb]; exists {
		acct := ca.accounts[kid]
		ca.mu.Unlock()
		w.Header().Set("Location", kid)
		ca.writeJSON(w, http.StatusOK, map[string]interface{}{"status": acct.status})
		return
	}
	if msg.OnlyReturnExisting {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errAccountNotFound, "no account for this key", 0)
		return
	}
	if ca.eabKeys != nil {
		if err := ca.checkEABLocked(msg.ExternalAccountBinding, req.jwk, ca.srv.URL+r.URL.Path); err != nil {
			ca.mu.Unlock()
			ca.writeProblem(w, http.StatusForbidden, errUnauthorized, err.Error(), 0)
			return
		}
	}
	kid := ca.url("acct", ca.nextID("a"))
	ca.accounts[kid] = &account{kid: kid, key: req.jwk.Public(), status: "valid"}
	ca.byThumb[thumb] = kid
	ca.mu.Unlock()

	w.Header().Set("Location", kid)
	ca.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":  "valid",
		"contact": msg.Contact,
	})
}

// checkEABLocked verifies the inner externalAccountBinding JWS: HS256 over
// the outer account key, kid naming a known HMAC credential, url matching
// the outer request. Caller holds the lock.
func (ca *CA) checkEABLocked(raw json.RawMessage, outer *jose.JSONWebKey, url string) error {
	if len(raw) == 0 {
		return fmt.Errorf("externalAccountBinding required")
	}
	parsed, err := jose.ParseSigned(string(raw))
	if err != nil || len(parsed.Signatures) != 1 {
		return fmt.Errorf("externalAccountBinding is not a JWS")
	}
	header := parsed.Signatures[0].Protected
	hmacKey, ok := ca.eabKeys[header.KeyID]
	if !ok {
		return fmt.Errorf("unknown eab kid %q", header.KeyID)
	}
	if u, ok := header.ExtraHeaders[jose.HeaderKey("url")].(string); !ok || u != url {
		return fmt.Errorf("eab url mismatch")
	}
	payload, err := parsed.Verify(hmacKey)
	if err != nil {
		return fmt.Errorf("eab signature verification failed")
	}
	var bound jose.JSONWebKey
	if err := bound.UnmarshalJSON(payload); err != nil {
		return fmt.Errorf("eab payload is not a JWK")
	}
	boundThumb, err := thumbprint(&bound)
	if err != nil {
		return err
	}
	outerThumb, err := thumbprint(outer)
	if err != nil {
		return err
	}
	if boundThumb != outerThumb {
		return fmt.Errorf("eab binds a different key")
	}
	return nil
}

type orderMessage struct {
	Identifiers []identifier `json:"identifiers"`
}

func (ca *CA) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := ca.verifyJWS(w, r)
	if !ok {
		return
	}
	if req.acct == nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "newOrder requires a kid", 0)
		return
	}

	ca.mu.Lock()
	if ca.rateLimitOnce {
		ca.rateLimitOnce = false
		after := ca.rateLimitAfter
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusTooManyRequests, errRateLimited, "too many new orders", after)
		return
	}
	ca.mu.Unlock()

	var msg orderMessage
	if err := json.Unmarshal(req.payload, &msg); err != nil || len(msg.Identifiers) == 0 {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "bad order payload", 0)
		return
	}

	ca.mu.Lock()
	ord := &order{
		id:          ca.nextID("o"),
		status:      "pending",
		identifiers: msg.Identifiers,
	}
	for _, ident := range msg.Identifiers {
		value := ident.Value
		wildcard := strings.HasPrefix(value, "*.")
		if wildcard {
			value = strings.TrimPrefix(value, "*.")
		}
		authz := &authorization{
			id:         ca.nextID("z"),
			identifier: identifier{Type: ident.Type, Value: value},
			wildcard:   wildcard,
			status:     "pending",
			ord:        ord,
		}
		types := []string{"http-01", "dns-01"}
		if wildcard {
			types = []string{"dns-01"}
		}
		for _, typ := range types {
			chal := &challenge{
				id:     ca.nextID("c"),
				typ:    typ,
				token:  newToken(),
				status: "pending",
				authz:  authz,
			}
			authz.challenges = append(authz.challenges, chal)
			ca.challenges[chal.id] = chal
		}
		ord.authzs = append(ord.authzs, authz)
		ca.authzs[authz.id] = authz
	}
	ca.orders[ord.id] = ord
	ca.orderCount++
	location := ca.url("order", ord.id)
	doc := ca.orderDocLocked(ord)
	ca.mu.Unlock()

	w.Header().Set("Location", location)
	ca.writeJSON(w, http.StatusCreated, doc)
}

func newToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// orderDocLocked renders the order the way RFC 8555 §7.1.3 shapes it.
// Caller holds the lock.
func (ca *CA) orderDocLocked(ord *order) map[string]interface{} {
	doc := map[string]interface{}{
		"status":      ord.status,
		"identifiers": ord.identifiers,
		"finalize":    ca.url("order", ord.id, "finalize"),
	}
	var authzURLs []string
	for _, authz := range ord.authzs {
		authzURLs = append(authzURLs, ca.url("authz", authz.id))
	}
	doc["authorizations"] = authzURLs
	if ord.certID != "" {
		doc["certificate"] = ca.url("cert", ord.certID)
	}
	if ord.problem != nil {
		doc["error"] = ord.problem
	}
	return doc
}

func (ca *CA) handleOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := ca.verifyJWS(w, r)
	if !ok {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/order/")
	id, finalize := rest, false
	if strings.HasSuffix(rest, "/finalize") {
		id, finalize = strings.TrimSuffix(rest, "/finalize"), true
	}

	ca.mu.Lock()
	ord := ca.orders[id]
	if ord == nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusNotFound, errMalformed, "no such order", 0)
		return
	}

	if finalize {
		ca.finalizeLocked(w, ord, req)
		return
	}

	// emulate asynchronous issuance after finalize
	if ord.status == "processing" {
		if ord.pollsLeft > 0 {
			ord.pollsLeft--
		}
		if ord.pollsLeft == 0 {
			ord.status = "valid"
		}
	}
	location := ca.url("order", ord.id)
	doc := ca.orderDocLocked(ord)
	ca.mu.Unlock()

	w.Header().Set("Location", location)
	ca.writeJSON(w, http.StatusOK, doc)
}

// finalizeLocked handles a CSR submission. Caller holds the lock; it is
// released here.
func (ca *CA) finalizeLocked(w http.ResponseWriter, ord *order, req *signedRequest) {
	for _, authz := range ord.authzs {
		if authz.status != "valid" {
			ca.mu.Unlock()
			ca.writeProblem(w, http.StatusForbidden, errOrderNotReady, "authorizations not complete", 0)
			return
		}
	}

	var msg struct {
		Csr string `json:"csr"`
	}
	if err := json.Unmarshal(req.payload, &msg); err != nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "bad finalize payload", 0)
		return
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(msg.Csr)
	if err != nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errBadCSR, "csr is not base64url", 0)
		return
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil || csr.CheckSignature() != nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errBadCSR, "unparseable csr", 0)
		return
	}

	ordered := map[string]bool{}
	for _, ident := range ord.identifiers {
		ordered[ident.Value] = true
	}
	for _, name := range csr.DNSNames {
		if !ordered[name] {
			ca.mu.Unlock()
			ca.writeProblem(w, http.StatusBadRequest, errBadCSR, fmt.Sprintf("csr names %s outside the order", name), 0)
			return
		}
	}

	if err := ca.issueLocked(ord, csr); err != nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusInternalServerError, errServerInternal, err.Error(), 0)
		return
	}
	ord.status = "processing"
	ord.pollsLeft = ca.finalizePolls
	if ord.pollsLeft == 0 {
		ord.status = "valid"
	}

	location := ca.url("order", ord.id)
	doc := ca.orderDocLocked(ord)
	ca.mu.Unlock()

	w.Header().Set("Location", location)
	ca.writeJSON(w, http.StatusOK, doc)
}

// issueLocked signs the CSR with the test intermediate and stores the PEM
// chain on the order. Caller holds the lock.
func (ca *CA) issueLocked(ord *order, csr *x509.CertificateRequest) error {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return fmt.Errorf("error generating serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    now.Add(-ca.Backdate),
		NotAfter:     now.Add(ca.CertLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.issuerCert, csr.PublicKey, ca.issuerKey)
	if err != nil {
		return fmt.Errorf("error signing certificate: %w", err)
	}

	var chain []byte
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.issuerCert.Raw})...)

	ord.certID = ca.nextID("crt")
	ord.certPEM = chain
	ord.serial = fmt.Sprintf("%x", serial)
	ca.certs[ord.certID] = ord
	return nil
}

func (ca *CA) handleAuthz(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.verifyJWS(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/authz/")

	ca.mu.Lock()
	authz := ca.authzs[id]
	if authz == nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusNotFound, errMalformed, "no such authorization", 0)
		return
	}

	// a responded challenge becomes valid after the configured number of
	// client polls
	if authz.status == "processing" {
		if authz.pollsLeft > 0 {
			authz.pollsLeft--
		}
		if authz.pollsLeft == 0 {
			authz.status = "valid"
			for _, chal := range authz.challenges {
				if chal.status == "processing" {
					chal.status = "valid"
				}
			}
			ca.maybeReadyLocked(authz.ord)
		}
	}

	doc := map[string]interface{}{
		"status":     authz.status,
		"identifier": authz.identifier,
	}
	if authz.wildcard {
		doc["wildcard"] = true
	}
	var chals []map[string]interface{}
	for _, chal := range authz.challenges {
		c := map[string]interface{}{
			"type":   chal.typ,
			"url":    ca.url("chal", chal.id),
			"status": chal.status,
			"token":  chal.token,
		}
		if chal.err != nil {
			c["error"] = chal.err
		}
		chals = append(chals, c)
	}
	doc["challenges"] = chals
	ca.mu.Unlock()

	ca.writeJSON(w, http.StatusOK, doc)
}

// maybeReadyLocked advances an order to ready once every authorization is
// valid. Caller holds the lock.
func (ca *CA) maybeReadyLocked(ord *order) {
	for _, authz := range ord.authzs {
		if authz.status != "valid" {
			return
		}
	}
	if ord.status == "pending" {
		ord.status = "ready"
	}
}

func (ca *CA) handleChallenge(w http.ResponseWriter, r *http.Request) {
	req, ok := ca.verifyJWS(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/chal/")

	ca.mu.Lock()
	chal := ca.challenges[id]
	if chal == nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusNotFound, errMalformed, "no such challenge", 0)
		return
	}
	if req.acct == nil {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "challenge response requires a kid", 0)
		return
	}
	if req.postAsGet {
		doc := map[string]interface{}{
			"type":   chal.typ,
			"url":    ca.url("chal", chal.id),
			"status": chal.status,
			"token":  chal.token,
		}
		ca.mu.Unlock()
		ca.writeJSON(w, http.StatusOK, doc)
		return
	}

	acctJWK := jose.JSONWebKey{Key: req.acct.key.Key}
	check := ca.challengeCheck
	polls := ca.authzPolls
	ca.mu.Unlock()

	thumb, err := thumbprint(&acctJWK)
	if err != nil {
		ca.writeProblem(w, http.StatusInternalServerError, errServerInternal, "thumbprint failed", 0)
		return
	}
	keyAuth := chal.token + "." + thumb

	var checkErr error
	if check != nil {
		ident := chal.authz.identifier.Value
		if chal.authz.wildcard {
			ident = "*." + ident
		}
		checkErr = check(ident, chal.typ, chal.token, keyAuth)
	}

	ca.mu.Lock()
	if checkErr != nil {
		chal.status = "invalid"
		chal.err = &problemDoc{Type: errUnauthorized, Detail: checkErr.Error(), Status: http.StatusForbidden}
		chal.authz.status = "invalid"
		chal.authz.ord.status = "invalid"
	} else {
		chal.status = "processing"
		chal.authz.status = "processing"
		chal.authz.pollsLeft = polls
		if polls == 0 {
			chal.status = "valid"
			chal.authz.status = "valid"
			ca.maybeReadyLocked(chal.authz.ord)
		}
	}
	doc := map[string]interface{}{
		"type":   chal.typ,
		"url":    ca.url("chal", chal.id),
		"status": chal.status,
		"token":  chal.token,
	}
	if chal.err != nil {
		doc["error"] = chal.err
	}
	ca.mu.Unlock()

	ca.writeJSON(w, http.StatusOK, doc)
}

func (ca *CA) handleCert(w http.ResponseWriter, r *http.Request) {
	if _, ok := ca.verifyJWS(w, r); !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/cert/")

	ca.mu.Lock()
	ord := ca.certs[id]
	if ord == nil || ord.status != "valid" {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusNotFound, errMalformed, "no such certificate", 0)
		return
	}
	chain := ord.certPEM
	w.Header().Set("Replay-Nonce", ca.newNonce())
	ca.mu.Unlock()

	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(chain)
}

func (ca *CA) handleRevoke(w http.ResponseWriter, r *http.Request) {
	req, ok := ca.verifyJWS(w, r)
	if !ok {
		return
	}

	var msg struct {
		Certificate string `json:"certificate"`
		Reason      int    `json:"reason"`
	}
	if err := json.Unmarshal(req.payload, &msg); err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "bad revocation payload", 0)
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(msg.Certificate)
	if err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "certificate is not base64url", 0)
		return
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "unparseable certificate", 0)
		return
	}

	serial := fmt.Sprintf("%x", cert.SerialNumber)
	ca.mu.Lock()
	if ca.revoked[serial] {
		ca.mu.Unlock()
		ca.writeProblem(w, http.StatusBadRequest, errAlreadyRevoked, "certificate already revoked", 0)
		return
	}
	ca.revoked[serial] = true
	ca.mu.Unlock()

	ca.writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (ca *CA) handleKeyChange(w http.ResponseWriter, r *http.Request) {
	req, ok := ca.verifyJWS(w, r)
	if !ok {
		return
	}
	if req.acct == nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "keyChange requires a kid", 0)
		return
	}

	inner, err := jose.ParseSigned(string(req.payload))
	if err != nil || len(inner.Signatures) != 1 {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "inner payload is not a JWS", 0)
		return
	}
	newJWK := inner.Signatures[0].Protected.JSONWebKey
	if newJWK == nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "inner JWS must embed the new key", 0)
		return
	}
	innerPayload, err := inner.Verify(newJWK)
	if err != nil {
		ca.writeProblem(w, http.StatusUnauthorized, errUnauthorized, "inner signature verification failed", 0)
		return
	}

	var msg struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}
	if err := json.Unmarshal(innerPayload, &msg); err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "bad keyChange payload", 0)
		return
	}
	if msg.Account != req.acct.kid {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "keyChange account mismatch", 0)
		return
	}
	oldThumb, err := thumbprint(&msg.OldKey)
	if err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "bad oldKey", 0)
		return
	}
	acctKey := jose.JSONWebKey{Key: req.acct.key.Key}
	curThumb, err := thumbprint(&acctKey)
	if err != nil {
		ca.writeProblem(w, http.StatusInternalServerError, errServerInternal, "thumbprint failed", 0)
		return
	}
	if oldThumb != curThumb {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "oldKey does not match account key", 0)
		return
	}
	newThumb, err := thumbprint(newJWK)
	if err != nil {
		ca.writeProblem(w, http.StatusBadRequest, errMalformed, "bad new key", 0)
		return
	}

	ca.mu.Lock()
	delete(ca.byThumb, curThumb)
	req.acct.key = newJWK.Public()
	ca.byThumb[newThumb] = req.acct.kid
	ca.mu.Unlock()

	ca.writeJSON(w, http.StatusOK, map[string]interface{}{})
}

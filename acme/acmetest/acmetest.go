// Package acmetest provides an in-process ACME server for exercising the
// client and orchestrator against realistic directory, nonce, order and
// issuance flows without a network.
//
// The server signs real leaf certificates from submitted CSRs with a
// throwaway CA key. JWS envelopes are decoded but signatures are not
// verified.
package acmetest

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Server is a fake ACME CA backed by httptest.
type Server struct {
	// ChallengeTypes lists the challenge types offered in every
	// authorization. Defaults to http-01 alone.
	ChallengeTypes []string
	// AuthzPollsUntilValid is how many authorization refreshes after the
	// challenge is signaled return "pending" before flipping to "valid".
	AuthzPollsUntilValid int
	// StuckDomains never leave "pending" no matter how often they are
	// polled.
	StuckDomains map[string]bool
	// BadNonceOnce makes the next signed POST fail with a badNonce
	// problem before being accepted on retry.
	BadNonceOnce bool
	// CertificateURLPolls is how many order refreshes after finalization
	// report the order valid without a certificate URL before the URL
	// appears. Zero publishes the URL immediately.
	CertificateURLPolls int
	// CheckChallenge, when set, is consulted when a challenge is
	// signaled; returning false marks the authorization invalid.
	CheckChallenge func(domain, token string) bool

	httpSrv *httptest.Server
	caKey   *ecdsa.PrivateKey
	caCert  *x509.Certificate

	mu         sync.Mutex
	nonceSeq   int
	orderSeq   int
	acctSeq    int
	orders     map[string]*fakeOrder
	authzs     map[string]*fakeAuthz
	certs      map[string][]byte
	PostCounts map[string]int
}

type fakeOrder struct {
	id        string
	domains   []string
	authzIDs  []string
	finalized bool
	certURL   string
	certPolls int
}

type fakeAuthz struct {
	id       string
	domain   string
	token    string
	signaled bool
	invalid  bool
	polls    int
}

// NewServer starts a fake CA. Call Close when done.
func NewServer() (*Server, error) {
	caKey, caCert, err := newCA()
	if err != nil {
		return nil, err
	}

	s := &Server{
		ChallengeTypes: []string{"http-01"},
		caKey:          caKey,
		caCert:         caCert,
		orders:         make(map[string]*fakeOrder),
		authzs:         make(map[string]*fakeAuthz),
		certs:          make(map[string][]byte),
		PostCounts:     make(map[string]int),
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s, nil
}

// Close shuts the fake CA down.
func (s *Server) Close() {
	s.httpSrv.Close()
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// DirectoryURL returns the URL clients should be configured with.
func (s *Server) DirectoryURL() string {
	return s.httpSrv.URL + "/directory"
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/directory":
		s.serveDirectory(w)
	case r.URL.Path == "/new-nonce":
		s.writeNonce(w)
		w.WriteHeader(http.StatusOK)
	default:
		s.handleSigned(w, r)
	}
}

func (s *Server) serveDirectory(w http.ResponseWriter) {
	dir := map[string]string{
		"newNonce":   s.httpSrv.URL + "/new-nonce",
		"newAccount": s.httpSrv.URL + "/new-account",
		"newOrder":   s.httpSrv.URL + "/new-order",
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dir)
}

func (s *Server) writeNonce(w http.ResponseWriter) {
	s.mu.Lock()
	s.nonceSeq++
	nonce := fmt.Sprintf("nonce-%d", s.nonceSeq)
	s.mu.Unlock()
	w.Header().Set("Replay-Nonce", nonce)
}

// jwsEnvelope is the flattened serialization the client posts.
type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// handleSigned processes every JWS POST. The envelope is unwrapped, the
// payload decoded, and the request dispatched on its path.
func (s *Server) handleSigned(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var env jwsEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "not a JWS")
		return
	}
	payload, err := base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad payload encoding")
		return
	}

	s.mu.Lock()
	s.PostCounts[r.URL.Path]++
	injectBadNonce := s.BadNonceOnce
	s.BadNonceOnce = false
	s.mu.Unlock()

	if injectBadNonce {
		s.writeNonce(w)
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:badNonce", "stale nonce")
		return
	}

	s.writeNonce(w)

	path := r.URL.Path
	switch {
	case path == "/new-account":
		s.handleNewAccount(w)
	case path == "/new-order":
		s.handleNewOrder(w, payload)
	case strings.HasPrefix(path, "/authz/"):
		s.handleAuthz(w, strings.TrimPrefix(path, "/authz/"))
	case strings.HasPrefix(path, "/chall/"):
		s.handleChallenge(w, strings.TrimPrefix(path, "/chall/"))
	case strings.HasPrefix(path, "/finalize/"):
		s.handleFinalize(w, strings.TrimPrefix(path, "/finalize/"), payload)
	case strings.HasPrefix(path, "/order/"):
		s.handleOrder(w, strings.TrimPrefix(path, "/order/"))
	case strings.HasPrefix(path, "/cert/"):
		s.handleCert(w, strings.TrimPrefix(path, "/cert/"))
	default:
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such resource")
	}
}

func (s *Server) handleNewAccount(w http.ResponseWriter) {
	s.mu.Lock()
	s.acctSeq++
	acctURL := fmt.Sprintf("%s/acct/%d", s.httpSrv.URL, s.acctSeq)
	s.mu.Unlock()

	w.Header().Set("Location", acctURL)
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(`{"status":"valid"}`))
}

func (s *Server) handleNewOrder(w http.ResponseWriter, payload []byte) {
	var req struct {
		Identifiers []struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"identifiers"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Identifiers) == 0 {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad order request")
		return
	}

	s.mu.Lock()
	s.orderSeq++
	orderID := fmt.Sprintf("%d", s.orderSeq)
	order := &fakeOrder{id: orderID}
	for i, ident := range req.Identifiers {
		authzID := fmt.Sprintf("%s-%d", orderID, i)
		s.authzs[authzID] = &fakeAuthz{
			id:     authzID,
			domain: ident.Value,
			token:  fmt.Sprintf("token-%s", authzID),
		}
		order.domains = append(order.domains, ident.Value)
		order.authzIDs = append(order.authzIDs, authzID)
	}
	s.orders[orderID] = order
	s.mu.Unlock()

	w.Header().Set("Location", fmt.Sprintf("%s/order/%s", s.httpSrv.URL, orderID))
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(s.orderJSON(order))
}

func (s *Server) handleOrder(w http.ResponseWriter, orderID string) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	if ok && order.finalized {
		order.certPolls++
	}
	s.mu.Unlock()
	if !ok {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	_, _ = w.Write(s.orderJSON(order))
}

func (s *Server) handleAuthz(w http.ResponseWriter, authzID string) {
	s.mu.Lock()
	authz, ok := s.authzs[authzID]
	if ok {
		authz.polls++
	}
	s.mu.Unlock()
	if !ok {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such authorization")
		return
	}
	_, _ = w.Write(s.authzJSON(authz))
}

func (s *Server) handleChallenge(w http.ResponseWriter, authzID string) {
	s.mu.Lock()
	authz, ok := s.authzs[authzID]
	s.mu.Unlock()
	if !ok {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
		return
	}

	if s.CheckChallenge != nil && !s.CheckChallenge(authz.domain, authz.token) {
		s.mu.Lock()
		authz.invalid = true
		s.mu.Unlock()
	}
	s.mu.Lock()
	authz.signaled = true
	authz.polls = 0
	s.mu.Unlock()

	resp := map[string]string{
		"type":   "http-01",
		"url":    fmt.Sprintf("%s/chall/%s", s.httpSrv.URL, authz.id),
		"token":  authz.token,
		"status": "processing",
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleFinalize(w http.ResponseWriter, orderID string, payload []byte) {
	s.mu.Lock()
	order, ok := s.orders[orderID]
	s.mu.Unlock()
	if !ok {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
		return
	}
	if s.orderStatus(order) != "ready" {
		s.problem(w, http.StatusForbidden, "urn:ietf:params:acme:error:orderNotReady", "order is not ready")
		return
	}

	var req struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "bad finalize request")
		return
	}
	der, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "bad CSR encoding")
		return
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		s.problem(w, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "unparseable CSR")
		return
	}

	chainPEM, err := s.issue(csr)
	if err != nil {
		s.problem(w, http.StatusInternalServerError, "urn:ietf:params:acme:error:serverInternal", err.Error())
		return
	}

	s.mu.Lock()
	order.finalized = true
	order.certURL = fmt.Sprintf("%s/cert/%s", s.httpSrv.URL, order.id)
	s.certs[order.id] = chainPEM
	s.mu.Unlock()

	_, _ = w.Write(s.orderJSON(order))
}

func (s *Server) handleCert(w http.ResponseWriter, orderID string) {
	s.mu.Lock()
	chainPEM, ok := s.certs[orderID]
	s.mu.Unlock()
	if !ok {
		s.problem(w, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such certificate")
		return
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	_, _ = w.Write(chainPEM)
}

// issue signs a leaf certificate for the CSR's names with the fake CA and
// returns the leaf plus intermediate as a PEM chain.
func (s *Server) issue(csr *x509.CertificateRequest) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, template, s.caCert, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, err
	}

	var buf []byte
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER})...)
	buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.caCert.Raw})...)
	return buf, nil
}

// authzStatus derives an authorization's visible status from its state and
// the configured knobs.
func (s *Server) authzStatus(authz *fakeAuthz) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if authz.invalid {
		return "invalid"
	}
	if !authz.signaled {
		return "pending"
	}
	if s.StuckDomains[authz.domain] {
		return "pending"
	}
	if authz.polls < s.AuthzPollsUntilValid {
		return "pending"
	}
	return "valid"
}

func (s *Server) orderStatus(order *fakeOrder) string {
	if order.finalized {
		return "valid"
	}
	for _, authzID := range order.authzIDs {
		s.mu.Lock()
		authz := s.authzs[authzID]
		s.mu.Unlock()
		if status := s.authzStatus(authz); status == "invalid" {
			return "invalid"
		} else if status != "valid" {
			return "pending"
		}
	}
	return "ready"
}

func (s *Server) orderJSON(order *fakeOrder) []byte {
	identifiers := make([]map[string]string, len(order.domains))
	authzURLs := make([]string, len(order.authzIDs))
	for i, domain := range order.domains {
		identifiers[i] = map[string]string{"type": "dns", "value": domain}
	}
	for i, authzID := range order.authzIDs {
		authzURLs[i] = fmt.Sprintf("%s/authz/%s", s.httpSrv.URL, authzID)
	}
	body := map[string]any{
		"status":         s.orderStatus(order),
		"identifiers":    identifiers,
		"authorizations": authzURLs,
		"finalize":       fmt.Sprintf("%s/finalize/%s", s.httpSrv.URL, order.id),
	}
	if order.certURL != "" && order.certPolls >= s.CertificateURLPolls {
		body["certificate"] = order.certURL
	}
	buf, _ := json.Marshal(body)
	return buf
}

func (s *Server) authzJSON(authz *fakeAuthz) []byte {
	status := s.authzStatus(authz)
	challenges := make([]map[string]string, 0, len(s.ChallengeTypes))
	for _, challType := range s.ChallengeTypes {
		chall := map[string]string{
			"type":   challType,
			"url":    fmt.Sprintf("%s/chall/%s", s.httpSrv.URL, authz.id),
			"token":  authz.token,
			"status": "pending",
		}
		if status == "valid" {
			chall["status"] = "valid"
		}
		challenges = append(challenges, chall)
	}
	body := map[string]any{
		"status":     status,
		"identifier": map[string]string{"type": "dns", "value": authz.domain},
		"challenges": challenges,
	}
	if status == "invalid" {
		body["challenges"] = []map[string]any{{
			"type":   "http-01",
			"url":    fmt.Sprintf("%s/chall/%s", s.httpSrv.URL, authz.id),
			"token":  authz.token,
			"status": "invalid",
			"error": map[string]any{
				"type":   "urn:ietf:params:acme:error:unauthorized",
				"detail": "challenge response mismatch",
				"status": 403,
			},
		}}
	}
	buf, _ := json.Marshal(body)
	return buf
}

func (s *Server) problem(w http.ResponseWriter, status int, typ, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   typ,
		"detail": detail,
		"status": status,
	})
}

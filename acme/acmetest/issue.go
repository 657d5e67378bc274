package acmetest

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// newCA generates a throwaway issuing keypair and self-signed intermediate.
func newCA() (*ecdsa.PrivateKey, *x509.Certificate, error) {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "acmetest intermediate"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return caKey, caCert, nil
}

// IssueChain mints a throwaway PEM certificate chain covering the given
// domains along with its leaf private key, for tests that need issued
// material without a full ACME flow.
func IssueChain(t *testing.T, domains ...string) ([]byte, crypto.Signer) {
	t.Helper()

	caKey, caCert, err := newCA()
	if err != nil {
		t.Fatalf("building issuer: %s", err)
	}
	issuer := &Server{caKey: caKey, caCert: caCert}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating leaf key: %s", err)
	}
	csr := &x509.CertificateRequest{
		Subject:   pkix.Name{CommonName: domains[0]},
		DNSNames:  domains,
		PublicKey: leafKey.Public(),
	}
	chainPEM, err := issuer.issue(csr)
	if err != nil {
		t.Fatalf("issuing chain: %s", err)
	}
	return chainPEM, leafKey
}

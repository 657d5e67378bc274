package resources

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// CertificateBundle is the terminal artifact of a renewal run: the issued
// certificate chain downloaded from the ACME server together with the
// locally generated private key the chain was issued for. The key is never
// sent to the CA; it only ever leaves the process inside an encrypted PFX
// destined for the gateway.
type CertificateBundle struct {
	// The issued end-entity certificate, first in the downloaded chain.
	Leaf *x509.Certificate
	// Any intermediate certificates following the leaf in the chain.
	Intermediates []*x509.Certificate
	// The raw PEM chain exactly as downloaded.
	ChainPEM []byte
	// The private key matching the Leaf's public key.
	Key crypto.Signer
}

// ParseCertificateBundle decodes a PEM certificate chain downloaded from an
// ACME certificate URL and pairs it with the given private key. The chain
// must contain at least one certificate and the first certificate must be
// the end-entity certificate.
//
// See https://tools.ietf.org/html/rfc8555#section-11.4 for why clients must
// not blindly install downloaded bytes without decoding them first.
func ParseCertificateBundle(chainPEM []byte, key crypto.Signer) (*CertificateBundle, error) {
	var certs []*x509.Certificate
	rest := chainPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected %q PEM block in certificate chain", block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("error parsing certificate in chain: %w", err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("certificate chain contained no certificates")
	}

	return &CertificateBundle{
		Leaf:          certs[0],
		Intermediates: certs[1:],
		ChainPEM:      chainPEM,
		Key:           key,
	}, nil
}

// Domains returns the DNS names the bundle's leaf certificate covers.
func (b *CertificateBundle) Domains() []string {
	return b.Leaf.DNSNames
}

// Export packages the bundle as PKCS#12 data protected by the given
// passphrase, the form a gateway certificate slot consumes.
func (b *CertificateBundle) Export(passphrase string) ([]byte, error) {
	pfx, err := pkcs12.Modern.Encode(b.Key, b.Leaf, b.Intermediates, passphrase)
	if err != nil {
		return nil, fmt.Errorf("error encoding certificate bundle as PKCS#12: %w", err)
	}
	return pfx, nil
}

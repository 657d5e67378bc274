package client

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
)

// csrForNames builds a certificate signing request covering all of the
// given DNS names, signed with the certificate key, and returns it as the
// base64url-encoded DER the finalize endpoint expects. The first name is
// used as the subject common name; every name appears as a subject
// alternative name.
func csrForNames(names []string, certKey crypto.Signer) (string, error) {
	if len(names) == 0 {
		return "", errors.New("no names for certificate signing request")
	}
	if certKey == nil {
		return "", errors.New("nil certificate key")
	}

	template := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: names[0]},
		DNSNames: names,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, certKey)
	if err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(der), nil
}

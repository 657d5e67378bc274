// Package resources provides types for representing and interacting with ACME
// protocol resources.
package resources

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opsforge/certgw/acme/keys"
)

// Account holds information related to a single ACME Account resource. If the
// account has an empty ID it has not yet been registered server-side with the
// ACME server.
//
// The ID field holds the server assigned Account ID that is assigned at the
// time of account registration and used as the JWS KeyID for authenticating
// ACME requests with the Account's registered keypair.
//
// The Contact field is either nil or a slice of one or more email addresses
// to be used as the ACME Account's "mailto://" Contact addresses.
//
// The PrivateKey field is a pointer to the private key used for the ACME
// account's keypair. The public component is computed from this private key
// automatically.
type Account struct {
	// The server assigned Account ID. This is used for the JWS KeyID when
	// authenticating ACME requests using the Account's registered keypair.
	ID string
	// If not nil, a slice of one or more email addresses to be used as the ACME
	// Account's "mailto://" Contact addresses.
	Contact []string
	// The private key for the Account keypair. Always an ES256-capable key:
	// the JWS layer signs with ES256.
	PrivateKey *ecdsa.PrivateKey
}

// String returns the Account's ID or an empty string if it has not been
// registered with the ACME server.
func (a Account) String() string {
	return a.ID
}

// NewAccount creates an ACME account in-memory. *Important:* the created
// Account is *not* registered with the ACME server until a Client explicitly
// registers it.
//
// The emails argument is a slice of zero or more email addresses that should
// be used as the Account's Contact information.
//
// The privKey argument is the private key to use for the Account keypair. If
// nil a new randomly generated P-256 key is used.
func NewAccount(emails []string, privKey *ecdsa.PrivateKey) (*Account, error) {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	if privKey == nil {
		randKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		privKey = randKey
	}

	return &Account{
		Contact:    contacts,
		PrivateKey: privKey,
	}, nil
}

// rawAccount is the on-disk form of a saved Account.
type rawAccount struct {
	ID         string
	Contact    []string
	PrivateKey []byte
}

// SaveAccount persists the given Account object (which must not be nil) to
// the given file path so a later run can reuse the registered keypair.
func SaveAccount(path string, account *Account) error {
	if account == nil {
		return fmt.Errorf("account must not be nil")
	}

	keyBytes, _, err := keys.MarshalSigner(account.PrivateKey)
	if err != nil {
		return err
	}

	frozen, err := json.Marshal(rawAccount{
		ID:         account.ID,
		Contact:    account.Contact,
		PrivateKey: keyBytes,
	})
	if err != nil {
		return err
	}

	return os.WriteFile(path, frozen, 0o600)
}

// RestoreAccount loads a previously saved Account object from the given file
// path. This file should have been created using SaveAccount in a previous
// run.
func RestoreAccount(path string) (*Account, error) {
	frozen, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw rawAccount
	if err := json.Unmarshal(frozen, &raw); err != nil {
		return nil, fmt.Errorf("error deserializing account from %q: %w", path, err)
	}

	signer, err := keys.UnmarshalSigner(raw.PrivateKey, "ecdsa")
	if err != nil {
		return nil, fmt.Errorf("error deserializing account key from %q: %w", path, err)
	}
	privKey, ok := signer.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("account key in %q is not an ECDSA key", path)
	}

	return &Account{
		ID:         raw.ID,
		Contact:    raw.Contact,
		PrivateKey: privKey,
	}, nil
}

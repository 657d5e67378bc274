package client

import (
	"context"
	"crypto"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/opsforge/certgw/acme/keys"
)

// signOptions controls how a request body is wrapped in a JWS.
type signOptions struct {
	// If true, embed the signing key's public component as a JWK in the JWS
	// protected header instead of using a KeyID header. This is required for
	// the newAccount endpoint, where no account URL exists yet. Setting
	// embedKey is mutually exclusive with a non-empty keyID.
	embedKey bool
	// The JWS Key ID identifying the ACME account: the account's server
	// assigned URL. Required when embedKey is false.
	keyID string
	// The private key to sign the JWS with. If nil the client's Account key
	// is used.
	key crypto.Signer
}

// sign produces the serialized JWS for the given payload with a protected
// "url" header, consuming one nonce from the client's nonce slot via the
// jose.NonceSource interface.
func (c *Client) sign(ctx context.Context, url string, payload []byte, opts signOptions) ([]byte, error) {
	if opts.key == nil {
		if c.Account == nil {
			return nil, fmt.Errorf("sign: no key provided and no account registered")
		}
		opts.key = c.Account.PrivateKey
	}
	if !opts.embedKey && opts.keyID == "" {
		if c.AccountID() == "" {
			return nil, fmt.Errorf("sign: no keyID provided and no account registered")
		}
		opts.keyID = c.Account.ID
	}
	if opts.embedKey && opts.keyID != "" {
		return nil, fmt.Errorf("sign: embedKey and keyID are mutually exclusive")
	}

	alg := keys.SigAlgForKey(opts.key)

	var signingKey jose.SigningKey
	if opts.embedKey {
		signingKey = jose.SigningKey{
			Key:       opts.key,
			Algorithm: alg,
		}
	} else {
		signingKey = jose.SigningKey{
			Key: jose.JSONWebKey{
				Key:       opts.key,
				Algorithm: string(alg),
				KeyID:     opts.keyID,
			},
			Algorithm: alg,
		}
	}

	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		NonceSource: nonceSource{c: c, ctx: ctx},
		EmbedJWK:    opts.embedKey,
		ExtraHeaders: map[jose.HeaderKey]any{
			"url": url,
		},
	})
	if err != nil {
		return nil, err
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return nil, err
	}

	return []byte(signed.FullSerialize()), nil
}

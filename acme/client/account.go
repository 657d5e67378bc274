package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/mail"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/acme"
	"github.com/opsforge/certgw/acme/resources"
)

// RegisterAccount creates or reuses the client's ACME account. If an
// account path was configured and holds a previously registered account,
// its keypair and registration are reused and no network registration
// happens. Otherwise a fresh keypair is generated and registered,
// unconditionally agreeing to the server's terms of service, and the
// server's Location header becomes the account ID used as the JWS KeyID for
// all subsequent requests.
//
// A malformed contact address or a server-side rejection surfaces as
// a *acme.ProtocolError.
//
// See https://tools.ietf.org/html/rfc8555#section-7.3
func (c *Client) RegisterAccount(ctx context.Context, contactEmail string) (*resources.Account, error) {
	if acct := c.restoreAccount(); acct != nil && acct.ID != "" {
		c.Account = acct
		return acct, nil
	}

	if contactEmail != "" {
		addr, err := mail.ParseAddress(contactEmail)
		if err != nil {
			return nil, &acme.ProtocolError{
				Operation: acme.NEW_ACCOUNT_ENDPOINT,
				Problem: &resources.Problem{
					Type:   "urn:ietf:params:acme:error:invalidContact",
					Detail: err.Error(),
				},
			}
		}
		contactEmail = addr.Address
	}

	acct, err := resources.NewAccount([]string{contactEmail}, nil)
	if err != nil {
		return nil, err
	}

	newAcctReq := struct {
		Contact   []string `json:",omitempty"`
		ToSAgreed bool     `json:"termsOfServiceAgreed"`
	}{
		Contact:   acct.Contact,
		ToSAgreed: true,
	}

	reqBody, err := json.Marshal(&newAcctReq)
	if err != nil {
		return nil, err
	}

	newAcctURL, ok := c.GetEndpointURL(ctx, acme.NEW_ACCOUNT_ENDPOINT)
	if !ok {
		return nil, &acme.StateError{
			Operation: acme.NEW_ACCOUNT_ENDPOINT,
			Reason:    "ACME server directory has no newAccount endpoint",
		}
	}

	// The account does not exist server-side yet so the JWS embeds the
	// public key instead of a KeyID.
	resp, err := c.postJWS(ctx, acme.NEW_ACCOUNT_ENDPOINT, newAcctURL, reqBody,
		signOptions{embedKey: true, key: acct.PrivateKey}, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	locHeader := resp.Response.Header.Get("Location")
	if locHeader == "" {
		return nil, &acme.ProtocolError{
			Operation:  acme.NEW_ACCOUNT_ENDPOINT,
			StatusCode: resp.Response.StatusCode,
			Problem: &resources.Problem{
				Type:   "urn:ietf:params:acme:error:serverInternal",
				Detail: "registration response had no Location header",
			},
		}
	}

	// Store the Location header as the Account's ID
	acct.ID = locHeader
	c.Account = acct
	log.Info().Str("id", acct.ID).Strs("contact", acct.Contact).
		Msg("registered account")

	if c.accountPath != "" {
		if err := resources.SaveAccount(c.accountPath, acct); err != nil {
			return nil, err
		}
		log.Debug().Str("path", c.accountPath).Msg("saved account")
	}

	return acct, nil
}

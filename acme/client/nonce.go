package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/acme"
)

// nonceSource adapts the client's nonce slot to the jose.NonceSource
// interface, carrying the request context the interface has no room for.
type nonceSource struct {
	c   *Client
	ctx context.Context
}

func (ns nonceSource) Nonce() (string, error) {
	return ns.c.takeNonce(ns.ctx)
}

// takeNonce hands out the stored nonce, fetching a fresh one from the ACME
// server's newNonce endpoint when the slot is empty. The slot is cleared on
// handoff: each nonce is used for exactly one signing operation, and the
// mutex serializes concurrent signers so they never share a value.
//
// See https://tools.ietf.org/html/rfc8555#section-7.2
func (c *Client) takeNonce(ctx context.Context) (string, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	if c.nonce == "" {
		nonceURL, ok := c.GetEndpointURL(ctx, acme.NEW_NONCE_ENDPOINT)
		if !ok {
			return "", fmt.Errorf(
				"missing %q entry in ACME server directory", acme.NEW_NONCE_ENDPOINT)
		}

		resp, err := c.net.HeadURL(ctx, nonceURL)
		if err != nil {
			return "", err
		}

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("%q returned HTTP status %d, expected %d",
				acme.NEW_NONCE_ENDPOINT, resp.StatusCode, http.StatusOK)
		}

		nonce := resp.Header.Get(acme.REPLAY_NONCE_HEADER)
		if nonce == "" {
			return "", fmt.Errorf("%q returned no %q header value",
				acme.NEW_NONCE_ENDPOINT, acme.REPLAY_NONCE_HEADER)
		}

		c.nonce = nonce
		log.Debug().Msg("fetched fresh nonce")
	}

	n := c.nonce
	c.nonce = ""
	return n, nil
}

// storeNonce saves the Replay-Nonce header value from a server response into
// the client's nonce slot for use by the next signing operation.
func (c *Client) storeNonce(nonce string) {
	if nonce == "" {
		return
	}
	c.nonceMu.Lock()
	c.nonce = nonce
	c.nonceMu.Unlock()
}

// clearNonce discards the stored nonce. Used after a "badNonce" rejection so
// the retry fetches a fresh value.
func (c *Client) clearNonce() {
	c.nonceMu.Lock()
	c.nonce = ""
	c.nonceMu.Unlock()
}

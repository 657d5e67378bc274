package client

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/acme"
	"github.com/opsforge/certgw/acme/resources"
	acmenet "github.com/opsforge/certgw/net"
)

// postJWS signs the given payload and POSTs it to the given URL. The
// Replay-Nonce header of every response is harvested back into the nonce
// slot. A "badNonce" rejection is retried exactly once with a fresh nonce
// before being surfaced. Any response with a status other than expectStatus
// is decoded as a problem document and returned as a *acme.ProtocolError.
func (c *Client) postJWS(ctx context.Context, op, url string, payload []byte, opts signOptions, expectStatus int) (*acmenet.NetResponse, error) {
	resp, err := c.postJWSOnce(ctx, op, url, payload, opts, expectStatus)
	if err == nil {
		return resp, nil
	}

	var perr *acme.ProtocolError
	if errors.As(err, &perr) && perr.BadNonce() {
		log.Debug().Str("op", op).Msg("server rejected nonce, retrying with a fresh one")
		c.clearNonce()
		return c.postJWSOnce(ctx, op, url, payload, opts, expectStatus)
	}
	return nil, err
}

func (c *Client) postJWSOnce(ctx context.Context, op, url string, payload []byte, opts signOptions, expectStatus int) (*acmenet.NetResponse, error) {
	signedBody, err := c.sign(ctx, url, payload, opts)
	if err != nil {
		return nil, err
	}

	resp, err := c.net.PostURL(ctx, url, signedBody)
	if err != nil {
		return nil, err
	}

	c.storeNonce(resp.Response.Header.Get(acme.REPLAY_NONCE_HEADER))

	if resp.Response.StatusCode != expectStatus {
		return nil, problemError(op, resp)
	}
	return resp, nil
}

// postAsGet fetches the resource at the given URL with a POST-as-GET
// request: a JWS with an empty payload.
//
// See https://tools.ietf.org/html/rfc8555#section-6.3
func (c *Client) postAsGet(ctx context.Context, op, url string, expectStatus int) (*acmenet.NetResponse, error) {
	return c.postJWS(ctx, op, url, []byte(""), signOptions{}, expectStatus)
}

// problemError builds a *acme.ProtocolError from an unexpected response,
// decoding the body as a problem document when possible.
func problemError(op string, resp *acmenet.NetResponse) *acme.ProtocolError {
	perr := &acme.ProtocolError{
		Operation:  op,
		StatusCode: resp.Response.StatusCode,
	}
	var prob resources.Problem
	if err := json.Unmarshal(resp.RespBody, &prob); err == nil && prob.Type != "" {
		perr.Problem = &prob
	}
	return perr
}

// retryAfter parses a Retry-After response header into a duration. Both the
// delay-seconds and HTTP-date forms are accepted; zero is returned when the
// header is absent or unparseable.
func retryAfter(resp *acmenet.NetResponse) time.Duration {
	v := resp.Response.Header.Get(acme.RETRY_AFTER_HEADER)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

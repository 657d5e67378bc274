package client

import (
	"context"
	"crypto"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/acme"
	"github.com/opsforge/certgw/acme/keys"
	"github.com/opsforge/certgw/acme/resources"
)

// CreateOrder submits a new order for the given domains. The domains must
// be a non-empty set of unique DNS names; duplicates and empties are
// rejected with a *acme.StateError before any network call is made. The
// order's identifiers preserve the caller's ordering.
//
// For more information on Order creation see "Applying for Certificate
// Issuance" in RFC 8555:
// https://tools.ietf.org/html/rfc8555#section-7.4
func (c *Client) CreateOrder(ctx context.Context, domains []string) (*resources.Order, error) {
	if c.AccountID() == "" {
		return nil, &acme.StateError{
			Operation: acme.NEW_ORDER_ENDPOINT,
			Reason:    "account has not been registered",
		}
	}
	if len(domains) == 0 {
		return nil, &acme.StateError{
			Operation: acme.NEW_ORDER_ENDPOINT,
			Reason:    "no domains given",
		}
	}

	seen := make(map[string]bool, len(domains))
	identifiers := make([]resources.Identifier, 0, len(domains))
	for _, domain := range domains {
		if domain == "" {
			return nil, &acme.StateError{
				Operation: acme.NEW_ORDER_ENDPOINT,
				Reason:    "empty domain name",
			}
		}
		if seen[domain] {
			return nil, &acme.StateError{
				Operation: acme.NEW_ORDER_ENDPOINT,
				Reason:    "duplicate domain name " + domain,
			}
		}
		seen[domain] = true
		identifiers = append(identifiers, resources.Identifier{
			Type:  "dns",
			Value: domain,
		})
	}

	req := struct {
		Identifiers []resources.Identifier
	}{
		Identifiers: identifiers,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	newOrderURL, ok := c.GetEndpointURL(ctx, acme.NEW_ORDER_ENDPOINT)
	if !ok {
		return nil, &acme.StateError{
			Operation: acme.NEW_ORDER_ENDPOINT,
			Reason:    "ACME server directory has no newOrder endpoint",
		}
	}

	resp, err := c.postJWS(ctx, acme.NEW_ORDER_ENDPOINT, newOrderURL, reqBody,
		signOptions{}, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	locHeader := resp.Response.Header.Get("Location")
	if locHeader == "" {
		return nil, &acme.ProtocolError{
			Operation:  acme.NEW_ORDER_ENDPOINT,
			StatusCode: resp.Response.StatusCode,
			Problem: &resources.Problem{
				Type:   "urn:ietf:params:acme:error:serverInternal",
				Detail: "order response had no Location header",
			},
		}
	}

	order := &resources.Order{}
	if err := json.Unmarshal(resp.RespBody, order); err != nil {
		return nil, err
	}

	// Store the Location header as the Order's ID
	order.ID = locHeader
	log.Info().Str("order", order.ID).Int("identifiers", len(order.Identifiers)).
		Msg("created order")
	return order, nil
}

// UpdateOrder refreshes a given Order by fetching its ID URL from the ACME
// server with a POST-as-GET request. If this is successful the Order is
// mutated in place; its RetryAfter field carries the server's poll hint
// when one was present.
//
// Calling UpdateOrder is required to refresh an Order's Status field to
// synchronize the resource with the server-side representation.
func (c *Client) UpdateOrder(ctx context.Context, order *resources.Order) error {
	if order == nil || order.ID == "" {
		return &acme.StateError{Operation: "updateOrder", Reason: "order must have an ID"}
	}

	resp, err := c.postAsGet(ctx, "updateOrder", order.ID, http.StatusOK)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, order); err != nil {
		return err
	}
	order.RetryAfter = retryAfter(resp)
	return nil
}

// Authorizations fetches the Authorization resource for every
// authorization URL in the order, one per identifier, in the server's
// order.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5
func (c *Client) Authorizations(ctx context.Context, order *resources.Order) ([]*resources.Authorization, error) {
	authzs := make([]*resources.Authorization, 0, len(order.Authorizations))
	for _, authzURL := range order.Authorizations {
		authz := &resources.Authorization{ID: authzURL}
		if err := c.UpdateAuthorization(ctx, authz); err != nil {
			return nil, err
		}
		authzs = append(authzs, authz)
	}
	return authzs, nil
}

// UpdateAuthorization refreshes a given Authorization by fetching its ID
// URL from the ACME server. If this is successful the Authorization is
// updated in place.
func (c *Client) UpdateAuthorization(ctx context.Context, authz *resources.Authorization) error {
	if authz == nil || authz.ID == "" {
		return &acme.StateError{Operation: "updateAuthz", Reason: "authorization must have an ID"}
	}

	resp, err := c.postAsGet(ctx, "updateAuthz", authz.ID, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, authz)
}

// SelectChallenge picks the http-01 challenge from an authorization. If the
// server offered no http-01 challenge a *acme.UnsupportedChallengeError is
// returned: this client proves control over HTTP content, not DNS.
func (c *Client) SelectChallenge(authz *resources.Authorization) (*resources.Challenge, error) {
	offered := make([]string, 0, len(authz.Challenges))
	for i := range authz.Challenges {
		if authz.Challenges[i].Type == acme.ChallengeTypeHTTP01 {
			return &authz.Challenges[i], nil
		}
		offered = append(offered, authz.Challenges[i].Type)
	}
	return nil, &acme.UnsupportedChallengeError{
		Identifier: authz.Identifier.Value,
		Offered:    offered,
	}
}

// KeyAuthorization computes the key authorization for a challenge token:
// the token joined with the account key's JWK thumbprint. These are the
// exact bytes the server must be able to fetch from the challenge path.
func (c *Client) KeyAuthorization(token string) (string, error) {
	if c.Account == nil {
		return "", &acme.StateError{
			Operation: "keyAuthorization",
			Reason:    "account has not been registered",
		}
	}
	return keys.KeyAuth(c.Account.PrivateKey, token), nil
}

// SignalChallengeReady tells the ACME server the challenge response has
// been published and validation may begin. Signaling a challenge that has
// already left "pending" is a no-op, so calling this twice produces no
// duplicate server-side effects.
//
// See https://tools.ietf.org/html/rfc8555#section-7.5.1
func (c *Client) SignalChallengeReady(ctx context.Context, chall *resources.Challenge) error {
	if chall == nil || chall.URL == "" {
		return &acme.StateError{Operation: "signalChallenge", Reason: "challenge must have a URL"}
	}
	if chall.Status != "" && chall.Status != acme.StatusPending {
		log.Debug().Str("challenge", chall.URL).Str("status", chall.Status).
			Msg("challenge already signaled")
		return nil
	}

	resp, err := c.postJWS(ctx, "signalChallenge", chall.URL, []byte("{}"),
		signOptions{}, http.StatusOK)
	if err != nil {
		return err
	}

	return json.Unmarshal(resp.RespBody, chall)
}

// FinalizeOrder submits a certificate signing request for the order's
// identifiers, signed by the given certificate key. The order must have
// status "ready"; anything else is a *acme.StateError. The CSR covers all
// of the order's identifiers as Subject Alternative Names in a single
// request.
//
// See https://tools.ietf.org/html/rfc8555#section-7.4 ("finalize").
func (c *Client) FinalizeOrder(ctx context.Context, order *resources.Order, certKey crypto.Signer) error {
	if order.Status != acme.StatusReady {
		return &acme.StateError{
			Operation: "finalize",
			Reason:    "order status is " + order.Status + ", not " + acme.StatusReady,
		}
	}
	if order.Finalize == "" {
		return &acme.StateError{Operation: "finalize", Reason: "order has no finalize URL"}
	}

	names := make([]string, len(order.Identifiers))
	for i, ident := range order.Identifiers {
		names[i] = ident.Value
	}

	b64csr, err := csrForNames(names, certKey)
	if err != nil {
		return err
	}

	finalizeReq := struct {
		CSR string `json:"csr"`
	}{
		CSR: b64csr,
	}
	reqBody, err := json.Marshal(&finalizeReq)
	if err != nil {
		return err
	}

	resp, err := c.postJWS(ctx, "finalize", order.Finalize, reqBody,
		signOptions{}, http.StatusOK)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp.RespBody, order); err != nil {
		return err
	}
	log.Info().Str("order", order.ID).Str("status", order.Status).
		Msg("requested order finalization")
	return nil
}

// DownloadCertificate fetches and decodes the order's issued certificate
// chain, pairing it with the certificate key in a CertificateBundle. The
// order must have status "valid" and a non-empty certificate URL; anything
// else is a *acme.StateError.
func (c *Client) DownloadCertificate(ctx context.Context, order *resources.Order, certKey crypto.Signer) (*resources.CertificateBundle, error) {
	if order.Status != acme.StatusValid {
		return nil, &acme.StateError{
			Operation: "downloadCertificate",
			Reason:    "order status is " + order.Status + ", not " + acme.StatusValid,
		}
	}
	if order.Certificate == "" {
		return nil, &acme.StateError{
			Operation: "downloadCertificate",
			Reason:    "order has no certificate URL",
		}
	}

	resp, err := c.postAsGet(ctx, "downloadCertificate", order.Certificate, http.StatusOK)
	if err != nil {
		return nil, err
	}

	bundle, err := resources.ParseCertificateBundle(resp.RespBody, certKey)
	if err != nil {
		return nil, err
	}
	log.Info().Str("order", order.ID).Strs("domains", bundle.Domains()).
		Msg("downloaded certificate chain")
	return bundle, nil
}

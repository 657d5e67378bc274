package client

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/certgw/acme"
	"github.com/opsforge/certgw/acme/acmetest"
	"github.com/opsforge/certgw/acme/keys"
)

func newTestServer(t *testing.T) *acmetest.Server {
	t.Helper()
	srv, err := acmetest.NewServer()
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *acmetest.Server, accountPath string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		DirectoryURL: srv.DirectoryURL(),
		AccountPath:  accountPath,
	})
	require.NoError(t, err)
	return client
}

func TestNewClientConfig(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientConfig{})
	assert.Error(t, err)

	_, err = NewClient(ClientConfig{DirectoryURL: "   "})
	assert.Error(t, err)
}

func TestRegisterAccount(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	acctPath := filepath.Join(t.TempDir(), "account.json")
	client := newTestClient(t, srv, acctPath)

	acct, err := client.RegisterAccount(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(acct.ID, srv.URL()+"/acct/"))
	assert.Equal(t, []string{"mailto:admin@example.com"}, acct.Contact)
	assert.Equal(t, acct.ID, client.AccountID())

	// A second client with the same account path reuses the registration
	// without going back to the server.
	client2 := newTestClient(t, srv, acctPath)
	acct2, err := client2.RegisterAccount(context.Background(), "admin@example.com")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, acct2.ID)
	assert.Equal(t, keys.JWKThumbprint(acct.PrivateKey), keys.JWKThumbprint(acct2.PrivateKey))
	assert.Equal(t, 1, srv.PostCounts["/new-account"])
}

func TestRegisterAccountBadContact(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	client := newTestClient(t, srv, "")

	_, err := client.RegisterAccount(context.Background(), "not an email address")
	var protoErr *acme.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, "urn:ietf:params:acme:error:invalidContact", protoErr.Problem.Type)
}

func TestCreateOrderValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	client := newTestClient(t, srv, "")

	// No account registered yet.
	_, err := client.CreateOrder(context.Background(), []string{"a.example.com"})
	var stateErr *acme.StateError
	assert.ErrorAs(t, err, &stateErr)

	_, err = client.RegisterAccount(context.Background(), "")
	require.NoError(t, err)

	_, err = client.CreateOrder(context.Background(), nil)
	assert.ErrorAs(t, err, &stateErr)

	_, err = client.CreateOrder(context.Background(), []string{"a.example.com", ""})
	assert.ErrorAs(t, err, &stateErr)

	_, err = client.CreateOrder(context.Background(), []string{"a.example.com", "a.example.com"})
	require.ErrorAs(t, err, &stateErr)
	assert.Contains(t, stateErr.Reason, "duplicate")
	// Validation failures never reach the server.
	assert.Equal(t, 0, srv.PostCounts["/new-order"])
}

func TestIssuanceFlow(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	client := newTestClient(t, srv, "")
	ctx := context.Background()

	_, err := client.RegisterAccount(ctx, "admin@example.com")
	require.NoError(t, err)

	domains := []string{"a.example.com", "b.example.com"}
	order, err := client.CreateOrder(ctx, domains)
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, acme.StatusPending, order.Status)
	require.Len(t, order.Authorizations, 2)

	authzs, err := client.Authorizations(ctx, order)
	require.NoError(t, err)
	require.Len(t, authzs, 2)

	for _, authz := range authzs {
		chall, err := client.SelectChallenge(authz)
		require.NoError(t, err)
		assert.Equal(t, acme.ChallengeTypeHTTP01, chall.Type)

		keyAuth, err := client.KeyAuthorization(chall.Token)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(keyAuth, chall.Token+"."))

		require.NoError(t, client.SignalChallengeReady(ctx, chall))

		require.NoError(t, client.UpdateAuthorization(ctx, authz))
		assert.Equal(t, acme.StatusValid, authz.Status)
	}

	require.NoError(t, client.UpdateOrder(ctx, order))
	require.Equal(t, acme.StatusReady, order.Status)

	certKey, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)
	require.NoError(t, client.FinalizeOrder(ctx, order, certKey))
	require.NoError(t, client.UpdateOrder(ctx, order))
	require.Equal(t, acme.StatusValid, order.Status)

	bundle, err := client.DownloadCertificate(ctx, order, certKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, domains, bundle.Domains())
	assert.NotEmpty(t, bundle.Intermediates)
}

func TestSignalChallengeReadyIdempotent(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	client := newTestClient(t, srv, "")
	ctx := context.Background()

	_, err := client.RegisterAccount(ctx, "")
	require.NoError(t, err)
	order, err := client.CreateOrder(ctx, []string{"a.example.com"})
	require.NoError(t, err)
	authzs, err := client.Authorizations(ctx, order)
	require.NoError(t, err)
	require.Len(t, authzs, 1)
	chall, err := client.SelectChallenge(authzs[0])
	require.NoError(t, err)

	require.NoError(t, client.SignalChallengeReady(ctx, chall))
	require.NoError(t, client.SignalChallengeReady(ctx, chall))

	// The second call is a local no-op once the challenge has left
	// pending, so the server saw exactly one signal.
	challPath := strings.TrimPrefix(chall.URL, srv.URL())
	assert.Equal(t, 1, srv.PostCounts[challPath])
}

func TestBadNonceRetry(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	client := newTestClient(t, srv, "")
	ctx := context.Background()

	_, err := client.RegisterAccount(ctx, "")
	require.NoError(t, err)

	srv.BadNonceOnce = true
	order, err := client.CreateOrder(ctx, []string{"a.example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, order.ID)
	// The rejected request was retried exactly once with a fresh nonce.
	assert.Equal(t, 2, srv.PostCounts["/new-order"])
}

func TestSelectChallengeUnsupported(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	srv.ChallengeTypes = []string{"dns-01", "tls-alpn-01"}
	client := newTestClient(t, srv, "")
	ctx := context.Background()

	_, err := client.RegisterAccount(ctx, "")
	require.NoError(t, err)
	order, err := client.CreateOrder(ctx, []string{"a.example.com"})
	require.NoError(t, err)
	authzs, err := client.Authorizations(ctx, order)
	require.NoError(t, err)
	require.Len(t, authzs, 1)

	_, err = client.SelectChallenge(authzs[0])
	var unsupportedErr *acme.UnsupportedChallengeError
	require.ErrorAs(t, err, &unsupportedErr)
	assert.Equal(t, "a.example.com", unsupportedErr.Identifier)
	assert.Equal(t, []string{"dns-01", "tls-alpn-01"}, unsupportedErr.Offered)
}

func TestFinalizeRequiresReadyOrder(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	client := newTestClient(t, srv, "")
	ctx := context.Background()

	_, err := client.RegisterAccount(ctx, "")
	require.NoError(t, err)
	order, err := client.CreateOrder(ctx, []string{"a.example.com"})
	require.NoError(t, err)

	certKey, err := keys.NewSigner("ecdsa")
	require.NoError(t, err)

	var stateErr *acme.StateError
	assert.ErrorAs(t, client.FinalizeOrder(ctx, order, certKey), &stateErr)

	_, err = client.DownloadCertificate(ctx, order, certKey)
	assert.ErrorAs(t, err, &stateErr)
}

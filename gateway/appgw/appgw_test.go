package appgw

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/certgw/gateway"
)

type fakePoller struct {
	polls int
}

func (f *fakePoller) PollUntilDone(ctx context.Context, options *runtime.PollUntilDoneOptions) (armnetwork.ApplicationGatewaysClientCreateOrUpdateResponse, error) {
	f.polls++
	return armnetwork.ApplicationGatewaysClientCreateOrUpdateResponse{}, nil
}

type fakeClient struct {
	gw      armnetwork.ApplicationGateway
	poller  *fakePoller
	updates []armnetwork.ApplicationGateway
}

func (f *fakeClient) Get(ctx context.Context, resourceGroupName string, applicationGatewayName string, options *armnetwork.ApplicationGatewaysClientGetOptions) (armnetwork.ApplicationGatewaysClientGetResponse, error) {
	return armnetwork.ApplicationGatewaysClientGetResponse{ApplicationGateway: f.gw}, nil
}

func (f *fakeClient) BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, applicationGatewayName string, parameters armnetwork.ApplicationGateway, options *armnetwork.ApplicationGatewaysClientBeginCreateOrUpdateOptions) (Poller, error) {
	f.updates = append(f.updates, parameters)
	return f.poller, nil
}

func testGateway(certData []byte) armnetwork.ApplicationGateway {
	return armnetwork.ApplicationGateway{
		Name: to.Ptr("edge-gw"),
		Properties: &armnetwork.ApplicationGatewayPropertiesFormat{
			SSLCertificates: []*armnetwork.ApplicationGatewaySSLCertificate{
				{
					Name: to.Ptr("frontend"),
					Properties: &armnetwork.ApplicationGatewaySSLCertificatePropertiesFormat{
						Data: to.Ptr(base64.StdEncoding.EncodeToString(certData)),
					},
				},
				{
					Name: to.Ptr("vault-slot"),
					Properties: &armnetwork.ApplicationGatewaySSLCertificatePropertiesFormat{
						KeyVaultSecretID: to.Ptr("https://kv.vault.azure.net/secrets/edge"),
					},
				},
				{Name: to.Ptr("empty-slot")},
			},
		},
	}
}

func newTestProvider(t *testing.T, client Client) *Provider {
	t.Helper()
	provider, err := New(Config{
		SubscriptionID: "sub",
		ResourceGroup:  "rg",
		GatewayName:    "edge-gw",
	}, WithClient(client))
	require.NoError(t, err)
	return provider
}

func TestNewRequiresIdentity(t *testing.T) {
	t.Parallel()
	_, err := New(Config{SubscriptionID: "sub"}, WithClient(&fakeClient{}))
	assert.Error(t, err)
}

func TestFetch(t *testing.T) {
	t.Parallel()
	client := &fakeClient{gw: testGateway([]byte("old-pfx"))}
	provider := newTestProvider(t, client)

	conf, err := provider.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, conf.Slots, 3)
	assert.Equal(t, "frontend", conf.Slots[0].Name)
	assert.Equal(t, []byte("old-pfx"), conf.Slots[0].Data)
	// Key Vault backed and empty certificates carry no inline data.
	assert.Equal(t, "vault-slot", conf.Slots[1].Name)
	assert.Nil(t, conf.Slots[1].Data)
	assert.Equal(t, "empty-slot", conf.Slots[2].Name)
	assert.Nil(t, conf.Slots[2].Data)
}

func TestCommit(t *testing.T) {
	t.Parallel()
	poller := &fakePoller{}
	client := &fakeClient{gw: testGateway([]byte("old-pfx")), poller: poller}
	provider := newTestProvider(t, client)

	conf, err := provider.Fetch(context.Background())
	require.NoError(t, err)
	conf.Slot("frontend").Data = []byte("new-pfx")
	conf.Slot("frontend").Passphrase = "sekrit"

	require.NoError(t, provider.Commit(context.Background(), conf))
	require.Len(t, client.updates, 1)
	assert.Equal(t, 1, poller.polls)

	certs := client.updates[0].Properties.SSLCertificates
	require.Len(t, certs, 3)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("new-pfx")), *certs[0].Properties.Data)
	assert.Equal(t, "sekrit", *certs[0].Properties.Password)
	// Untouched certificates go back exactly as fetched. In particular a
	// Key Vault reference survives the round trip.
	require.NotNil(t, certs[1].Properties)
	require.NotNil(t, certs[1].Properties.KeyVaultSecretID)
	assert.Equal(t, "https://kv.vault.azure.net/secrets/edge", *certs[1].Properties.KeyVaultSecretID)
	assert.Nil(t, certs[1].Properties.Data)
	assert.Nil(t, certs[1].Properties.Password)
	assert.Nil(t, certs[2].Properties)
}

func TestCommitRequiresFetchedConfig(t *testing.T) {
	t.Parallel()
	provider := newTestProvider(t, &fakeClient{})
	err := provider.Commit(context.Background(), &gateway.Config{})
	assert.Error(t, err)
}

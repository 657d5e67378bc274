// Package appgw implements the gateway provider for Azure Application
// Gateway. Certificate slots map to the gateway's SSL certificates, and a
// commit is a full create-or-update of the gateway resource, which Azure
// applies atomically.
package appgw

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/gateway"
)

// Compile-time check that Provider implements gateway.Provider.
var _ gateway.Provider = (*Provider)(nil)

// A Poller tracks a long-running gateway update until Azure reports it
// applied.
type Poller interface {
	PollUntilDone(ctx context.Context, options *runtime.PollUntilDoneOptions) (armnetwork.ApplicationGatewaysClientCreateOrUpdateResponse, error)
}

// Client is the subset of the Application Gateways API used by Provider.
// The real *armnetwork.ApplicationGatewaysClient is wrapped by an adapter
// so its generic poller fits the Poller interface; mocks in tests satisfy
// Client directly.
type Client interface {
	Get(ctx context.Context, resourceGroupName string, applicationGatewayName string, options *armnetwork.ApplicationGatewaysClientGetOptions) (armnetwork.ApplicationGatewaysClientGetResponse, error)
	BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, applicationGatewayName string, parameters armnetwork.ApplicationGateway, options *armnetwork.ApplicationGatewaysClientBeginCreateOrUpdateOptions) (Poller, error)
}

// armClientAdapter narrows *armnetwork.ApplicationGatewaysClient to the
// Client interface.
type armClientAdapter struct {
	client *armnetwork.ApplicationGatewaysClient
}

func (a *armClientAdapter) Get(ctx context.Context, resourceGroupName string, applicationGatewayName string, options *armnetwork.ApplicationGatewaysClientGetOptions) (armnetwork.ApplicationGatewaysClientGetResponse, error) {
	return a.client.Get(ctx, resourceGroupName, applicationGatewayName, options)
}

func (a *armClientAdapter) BeginCreateOrUpdate(ctx context.Context, resourceGroupName string, applicationGatewayName string, parameters armnetwork.ApplicationGateway, options *armnetwork.ApplicationGatewaysClientBeginCreateOrUpdateOptions) (Poller, error) {
	return a.client.BeginCreateOrUpdate(ctx, resourceGroupName, applicationGatewayName, parameters, options)
}

// Config identifies the Application Gateway resource to manage.
type Config struct {
	SubscriptionID string
	ResourceGroup  string
	GatewayName    string
}

// Provider reads and writes the SSL certificates of one Application
// Gateway.
type Provider struct {
	client Client
	conf   Config
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	client     Client
	credential azcore.TokenCredential
}

// WithClient sets a pre-configured gateways client. Primarily used for
// testing with mocks.
func WithClient(client Client) Option {
	return func(o *options) {
		o.client = client
	}
}

// WithCredential sets the token credential used to build the client.
// When unset the default Azure credential chain is used.
func WithCredential(cred azcore.TokenCredential) Option {
	return func(o *options) {
		o.credential = cred
	}
}

// New creates a Provider for the configured Application Gateway.
func New(conf Config, opts ...Option) (*Provider, error) {
	if conf.SubscriptionID == "" || conf.ResourceGroup == "" || conf.GatewayName == "" {
		return nil, fmt.Errorf("application gateway subscription, resource group and name must all be set")
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	client := o.client
	if client == nil {
		cred := o.credential
		if cred == nil {
			var err error
			cred, err = azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, fmt.Errorf("building Azure credential: %w", err)
			}
		}
		armClient, err := armnetwork.NewApplicationGatewaysClient(conf.SubscriptionID, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("building application gateways client: %w", err)
		}
		client = &armClientAdapter{client: armClient}
	}

	return &Provider{client: client, conf: conf}, nil
}

// Fetch reads the gateway resource and maps its SSL certificates to slots.
// The fetched resource is carried in Config.Raw so Commit writes back the
// listeners, rules and pools unchanged.
func (p *Provider) Fetch(ctx context.Context) (*gateway.Config, error) {
	resp, err := p.client.Get(ctx, p.conf.ResourceGroup, p.conf.GatewayName, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching application gateway %s: %w", p.conf.GatewayName, err)
	}

	gw := resp.ApplicationGateway
	conf := &gateway.Config{Raw: &gw}
	if gw.Properties == nil {
		return conf, nil
	}
	for _, cert := range gw.Properties.SSLCertificates {
		if cert == nil || cert.Name == nil {
			continue
		}
		slot := &gateway.Slot{Name: *cert.Name}
		if cert.Properties != nil && cert.Properties.Data != nil {
			data, err := base64.StdEncoding.DecodeString(*cert.Properties.Data)
			if err != nil {
				return nil, fmt.Errorf("decoding certificate data for %s: %w", *cert.Name, err)
			}
			slot.Data = data
		}
		conf.Slots = append(conf.Slots, slot)
	}
	return conf, nil
}

// Commit writes the slots' data and passphrases into the fetched gateway
// resource and submits the update, waiting until the gateway reports the
// new configuration applied. Only the matching certificates' data and
// password fields are touched; Key Vault references and every other
// property of the fetched resource go back as read.
func (p *Provider) Commit(ctx context.Context, conf *gateway.Config) error {
	gw, ok := conf.Raw.(*armnetwork.ApplicationGateway)
	if !ok || gw == nil {
		return fmt.Errorf("commit requires a configuration produced by Fetch")
	}
	if gw.Properties == nil {
		gw.Properties = &armnetwork.ApplicationGatewayPropertiesFormat{}
	}

	updated := 0
	for _, cert := range gw.Properties.SSLCertificates {
		if cert == nil || cert.Name == nil {
			continue
		}
		slot := conf.Slot(*cert.Name)
		if slot == nil || len(slot.Data) == 0 {
			continue
		}
		if cert.Properties == nil {
			cert.Properties = &armnetwork.ApplicationGatewaySSLCertificatePropertiesFormat{}
		}
		cert.Properties.Data = to.Ptr(base64.StdEncoding.EncodeToString(slot.Data))
		if slot.Passphrase != "" {
			cert.Properties.Password = to.Ptr(slot.Passphrase)
		}
		updated++
	}

	poller, err := p.client.BeginCreateOrUpdate(ctx, p.conf.ResourceGroup, p.conf.GatewayName, *gw, nil)
	if err != nil {
		return fmt.Errorf("updating application gateway %s: %w", p.conf.GatewayName, err)
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return fmt.Errorf("waiting for application gateway %s update: %w", p.conf.GatewayName, err)
	}
	log.Info().Str("gateway", p.conf.GatewayName).Int("certificates", updated).
		Msg("committed gateway configuration")
	return nil
}

// certgw issues a certificate from an ACME CA and installs it into a
// TLS-terminating gateway, publishing http-01 challenge responses to an
// object store along the way.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	acmeclient "github.com/opsforge/certgw/acme/client"
	"github.com/opsforge/certgw/gateway"
	"github.com/opsforge/certgw/gateway/appgw"
	"github.com/opsforge/certgw/provision"
	"github.com/opsforge/certgw/renew"
	s3store "github.com/opsforge/certgw/store/s3"
)

const (
	DIRECTORY_DEFAULT = "https://acme-staging-v02.api.letsencrypt.org/directory"
	CA_DEFAULT        = ""
	CONTACT_DEFAULT   = ""
	ACCOUNT_DEFAULT   = ""
	TIMEOUT_DEFAULT   = 10 * time.Minute
)

// envConfig carries the cloud resource identities and secrets, which stay
// out of the command line.
type envConfig struct {
	S3Bucket      string `env:"CERTGW_S3_BUCKET,required"`
	S3Region      string `env:"CERTGW_S3_REGION"`
	S3Endpoint    string `env:"CERTGW_S3_ENDPOINT"`
	S3PathStyle   bool   `env:"CERTGW_S3_PATH_STYLE"`
	S3AccessKeyID string `env:"CERTGW_S3_ACCESS_KEY_ID"`
	S3SecretKey   string `env:"CERTGW_S3_SECRET_KEY"`

	AzureSubscription  string `env:"CERTGW_AZURE_SUBSCRIPTION,required"`
	AzureResourceGroup string `env:"CERTGW_AZURE_RESOURCE_GROUP,required"`
	AzureGateway       string `env:"CERTGW_AZURE_GATEWAY,required"`

	PFXPassphrase string `env:"CERTGW_PFX_PASSPHRASE,required"`
}

func main() {
	directory := flag.String(
		"directory",
		DIRECTORY_DEFAULT,
		"Directory URL for ACME server")

	caCert := flag.String(
		"ca",
		CA_DEFAULT,
		"Optional CA certificate(s) for verifying ACME server HTTPS")

	email := flag.String(
		"contact",
		CONTACT_DEFAULT,
		"Optional contact email address for the ACME account")

	acctPath := flag.String(
		"account",
		ACCOUNT_DEFAULT,
		"Optional JSON filepath to save/restore the ACME account to")

	domains := flag.String(
		"domains",
		"",
		"Comma-separated DNS names to issue a certificate for")

	slot := flag.String(
		"slot",
		"",
		"Gateway certificate slot to install the issued certificate into")

	timeout := flag.Duration(
		"timeout",
		TIMEOUT_DEFAULT,
		"Overall deadline for the issuance run")

	debug := flag.Bool(
		"debug",
		false,
		"Enable debug logging")

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *domains == "" {
		log.Fatal().Msg("-domains must name at least one DNS name")
	}
	if *slot == "" {
		log.Fatal().Msg("-slot must name a gateway certificate slot")
	}

	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatal().Err(err).Msg("loading environment configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	client, err := acmeclient.NewClient(acmeclient.ClientConfig{
		DirectoryURL: *directory,
		CACert:       *caCert,
		AccountPath:  *acctPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("building ACME client")
	}

	challStore, err := s3store.New(ctx, s3store.Config{
		Bucket:      cfg.S3Bucket,
		Region:      cfg.S3Region,
		Endpoint:    cfg.S3Endpoint,
		PathStyle:   cfg.S3PathStyle,
		AccessKeyID: cfg.S3AccessKeyID,
		SecretKey:   cfg.S3SecretKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("building challenge store")
	}

	provider, err := appgw.New(appgw.Config{
		SubscriptionID: cfg.AzureSubscription,
		ResourceGroup:  cfg.AzureResourceGroup,
		GatewayName:    cfg.AzureGateway,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("building gateway provider")
	}

	renewer := renew.New(
		client,
		provision.New(client, challStore, provision.Config{}),
		gateway.NewInstaller(provider),
		renew.Config{
			Domains:       strings.Split(*domains, ","),
			ContactEmail:  *email,
			SlotName:      *slot,
			PFXPassphrase: cfg.PFXPassphrase,
		})

	if err := renewer.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("certificate renewal failed")
	}
}

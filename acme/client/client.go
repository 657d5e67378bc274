// Package client provides a low-level ACME v2 client that drives one
// certificate issuance from account registration through challenge
// completion, order finalization and certificate download.
package client

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/acme/resources"
	acmenet "github.com/opsforge/certgw/net"
)

// Client interacts with a single ACME server on behalf of a single Account.
// The Account authenticates requests to the ACME server with JSON Web
// Signatures (JWS). Internally the Client uses the certgw/net package to
// perform HTTP requests to the ACME server.
//
// The Client's DirectoryURL field is a parsed *url.URL for the ACME server's
// directory. The client configures itself with the correct URLs for ACME
// operations using the directory resource accessed at this URL. See
// https://tools.ietf.org/html/rfc8555#section-7.1.1
//
// The Client owns the account's anti-replay nonce: a single slot, taken by
// each signing operation and refilled from every server response. All
// methods are safe for concurrent use; nonce handoff is serialized
// internally so concurrent callers never sign with the same nonce value.
type Client struct {
	// A parsed *url.URL pointer for the ACME server's directory URL.
	DirectoryURL *url.URL
	// The Account used for authenticating requests. Nil until
	// RegisterAccount has been called (or an account was restored).
	Account *resources.Account

	// the net object is used to make HTTP GET/POST/HEAD requests to the
	// ACME server.
	net *acmenet.ACMENet
	// optional file path for persisting the registered account across runs.
	accountPath string

	// dirMu guards directory.
	dirMu sync.Mutex
	// directory is an in-memory representation of the ACME server's
	// directory object.
	directory map[string]any

	// nonceMu guards nonce. The nonce slot holds the value of the last-seen
	// Replay-Nonce header from the ACME server's HTTP responses. It is
	// consumed by the next signing operation.
	nonceMu sync.Mutex
	nonce   string
}

// ClientConfig contains configuration options provided to NewClient when
// creating a Client instance.
//
// The DirectoryURL field is a string containing the URL for the ACME
// server's directory endpoint. This field is mandatory and must not be
// empty. It should be a fully qualified URL with a HTTP/HTTPS protocol
// prefix ("http://" or "https://").
//
// The CACert field is an optional string containing a file path to a file
// containing one or more PEM encoded CA certificates that should be used as
// trust roots for HTTPS requests to the ACME server. If empty the default
// system roots are used. For example, if you are using Pebble as the ACME
// server, it should be the file path to the "test/certs/pebble.minica.pem"
// file from the Pebble source directory.
//
// The AccountPath field is a string expected to contain a file path for
// a previously saved account, or to be empty. If populated, RegisterAccount
// reuses the saved keypair and registration instead of creating fresh ones,
// and saves newly registered accounts back to the same path.
type ClientConfig struct {
	// A fully qualified URL for the ACME server's directory resource. Must
	// include an HTTP/HTTPS protocol prefix.
	DirectoryURL string
	// An optional file path to one or more PEM encoded CA certificates to be
	// used as trust roots for HTTPS requests to the ACME server.
	CACert string
	// An optional file path for persisting the ACME account across runs.
	AccountPath string
}

// normalize validates a ClientConfig.
func (conf *ClientConfig) normalize() error {
	// Clean up any junk whitespace that might have snuck in
	conf.DirectoryURL = strings.TrimSpace(conf.DirectoryURL)
	conf.AccountPath = strings.TrimSpace(conf.AccountPath)

	if conf.DirectoryURL == "" {
		return fmt.Errorf("DirectoryURL must not be empty")
	}

	if _, err := url.Parse(conf.DirectoryURL); err != nil {
		return fmt.Errorf("DirectoryURL invalid: %s", err.Error())
	}

	return nil
}

// NewClient creates a Client instance from the given ClientConfig. If the
// config is not valid or if another error occurs it will be returned along
// with a nil Client. NewClient performs no network I/O; the directory is
// fetched lazily by the first operation that needs it.
func NewClient(config ClientConfig) (*Client, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	net, err := acmenet.New(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("unable to create ACME net client: %w", err)
	}

	// NOTE: Its safe to throw away the returned err here because we check
	// that `url.Parse` will succeed in `config.normalize()` above.
	dirURL, _ := url.Parse(config.DirectoryURL)

	return &Client{
		DirectoryURL: dirURL,
		net:          net,
		accountPath:  config.AccountPath,
	}, nil
}

// AccountID returns the ID of the client's Account. If the Account is nil,
// or has not yet been registered with the ACME server, an empty string is
// returned.
func (c *Client) AccountID() string {
	if c.Account == nil {
		return ""
	}
	return c.Account.ID
}

// restoreAccount tries to load a previously saved account from the
// configured account path. A missing or unreadable file is not an error;
// the caller falls back to registering a fresh account.
func (c *Client) restoreAccount() *resources.Account {
	if c.accountPath == "" {
		return nil
	}
	acct, err := resources.RestoreAccount(c.accountPath)
	if err != nil {
		log.Debug().Err(err).Str("path", c.accountPath).
			Msg("no account restored")
		return nil
	}
	log.Info().Str("id", acct.ID).Str("path", c.accountPath).
		Msg("restored account")
	return acct
}

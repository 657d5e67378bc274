// Package renew drives a complete certificate issuance run: account,
// order, challenge publication, finalization, download and gateway
// installation, with challenge artifacts withdrawn no matter how the run
// ends.
package renew

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/acme"
	"github.com/opsforge/certgw/acme/keys"
	"github.com/opsforge/certgw/acme/resources"
	"github.com/opsforge/certgw/poll"
)

// DefaultCleanupTimeout bounds the challenge withdrawal that runs after
// the issuance itself has finished or failed.
const DefaultCleanupTimeout = 30 * time.Second

// DefaultCertificateInterval is how often a finalized order is refreshed
// while waiting for its certificate URL to appear.
const DefaultCertificateInterval = 15 * time.Second

// ACME is the set of protocol operations a renewal run drives.
type ACME interface {
	RegisterAccount(ctx context.Context, contactEmail string) (*resources.Account, error)
	CreateOrder(ctx context.Context, domains []string) (*resources.Order, error)
	Authorizations(ctx context.Context, order *resources.Order) ([]*resources.Authorization, error)
	UpdateOrder(ctx context.Context, order *resources.Order) error
	UpdateAuthorization(ctx context.Context, authz *resources.Authorization) error
	FinalizeOrder(ctx context.Context, order *resources.Order, certKey crypto.Signer) error
	DownloadCertificate(ctx context.Context, order *resources.Order, certKey crypto.Signer) (*resources.CertificateBundle, error)
}

// A Provisioner publishes challenge responses and withdraws them again.
type Provisioner interface {
	Provision(ctx context.Context, authzs []*resources.Authorization) error
	Cleanup(ctx context.Context) error
}

// An Installer puts an issued certificate bundle into a gateway slot.
type Installer interface {
	Install(ctx context.Context, slotName string, bundle *resources.CertificateBundle, passphrase string) error
}

// Config describes one renewal run.
type Config struct {
	// Domains to issue for. The first becomes the certificate subject.
	Domains []string
	// ContactEmail registered with the ACME account.
	ContactEmail string
	// SlotName is the gateway certificate slot to install into.
	SlotName string
	// PFXPassphrase protects the packaged certificate handed to the
	// gateway.
	PFXPassphrase string
	// Poll controls how state transitions are waited on.
	Poll poll.Config
	// CleanupTimeout bounds challenge withdrawal. Zero means
	// DefaultCleanupTimeout.
	CleanupTimeout time.Duration
}

// A Renewer runs certificate issuances end to end.
type Renewer struct {
	acme      ACME
	provision Provisioner
	install   Installer
	conf      Config
}

// New creates a Renewer.
func New(acmeClient ACME, provisioner Provisioner, installer Installer, conf Config) *Renewer {
	if conf.CleanupTimeout <= 0 {
		conf.CleanupTimeout = DefaultCleanupTimeout
	}
	return &Renewer{
		acme:      acmeClient,
		provision: provisioner,
		install:   installer,
		conf:      conf,
	}
}

// Run performs one issuance: register or restore the account, create an
// order, publish challenge responses, wait for validation, finalize,
// download the chain and install it into the gateway slot. Challenge
// artifacts are withdrawn before Run returns regardless of outcome, on a
// fresh deadline so cleanup survives cancellation of the run itself.
//
// A wait that exhausts its budget returns a *poll.TimeoutError and the
// gateway is left untouched.
func (r *Renewer) Run(ctx context.Context) (err error) {
	if _, err := r.acme.RegisterAccount(ctx, r.conf.ContactEmail); err != nil {
		return fmt.Errorf("registering account: %w", err)
	}

	order, err := r.acme.CreateOrder(ctx, r.conf.Domains)
	if err != nil {
		return fmt.Errorf("creating order: %w", err)
	}

	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.conf.CleanupTimeout)
		defer cancel()
		if cleanupErr := r.provision.Cleanup(cleanupCtx); cleanupErr != nil {
			log.Warn().Err(cleanupErr).Msg("challenge cleanup incomplete")
			if err == nil {
				err = cleanupErr
			}
		}
	}()

	// A reused order can come back already ready or valid, with nothing
	// left to prove.
	if order.Status == acme.StatusPending {
		if err := r.answerChallenges(ctx, order); err != nil {
			return err
		}
		if err := r.waitForOrder(ctx, order, acme.StatusReady); err != nil {
			return err
		}
	}

	certKey, err := keys.NewSigner("ecdsa")
	if err != nil {
		return fmt.Errorf("generating certificate key: %w", err)
	}

	if order.Status == acme.StatusReady {
		if err := r.acme.FinalizeOrder(ctx, order, certKey); err != nil {
			return fmt.Errorf("finalizing order: %w", err)
		}
		if err := r.waitForOrder(ctx, order, acme.StatusValid); err != nil {
			return err
		}
	}

	bundle, err := r.acme.DownloadCertificate(ctx, order, certKey)
	if err != nil {
		return fmt.Errorf("downloading certificate: %w", err)
	}

	if err := r.install.Install(ctx, r.conf.SlotName, bundle, r.conf.PFXPassphrase); err != nil {
		return err
	}
	log.Info().Strs("domains", r.conf.Domains).Str("slot", r.conf.SlotName).
		Msg("certificate renewed and installed")
	return nil
}

// answerChallenges publishes responses for the order's authorizations and
// waits for each to settle. An authorization that settles invalid fails
// the run with the server's reported challenge error.
func (r *Renewer) answerChallenges(ctx context.Context, order *resources.Order) error {
	authzs, err := r.acme.Authorizations(ctx, order)
	if err != nil {
		return fmt.Errorf("fetching authorizations: %w", err)
	}

	if err := r.provision.Provision(ctx, authzs); err != nil {
		return fmt.Errorf("provisioning challenges: %w", err)
	}

	for _, authz := range authzs {
		conf := r.conf.Poll
		conf.Resource = "authorization " + authz.Identifier.Value
		settled, err := poll.Until(ctx, conf,
			func(ctx context.Context) (*resources.Authorization, time.Duration, error) {
				if err := r.acme.UpdateAuthorization(ctx, authz); err != nil {
					return nil, 0, err
				}
				return authz, 0, nil
			},
			func(a *resources.Authorization) bool { return a.Terminal() })
		if err != nil {
			return err
		}
		if settled.Status != acme.StatusValid {
			return &acme.StateError{
				Operation: "validation",
				Reason: fmt.Sprintf("authorization for %s settled %s: %s",
					settled.Identifier.Value, settled.Status, challengeFailure(settled)),
			}
		}
		log.Info().Str("identifier", settled.Identifier.Value).Msg("authorization valid")
	}
	return nil
}

// waitForOrder refreshes the order until it leaves its transitional
// states, then checks it landed on want. A finalized order can report
// valid one refresh before its certificate URL is populated, so the
// valid wait also holds out for the URL.
func (r *Renewer) waitForOrder(ctx context.Context, order *resources.Order, want string) error {
	conf := r.conf.Poll
	conf.Resource = "order"
	done := func(o *resources.Order) bool {
		return o.Status != acme.StatusPending && o.Status != acme.StatusProcessing
	}
	if want == acme.StatusValid {
		conf.Resource = "certificate"
		if conf.Interval <= 0 {
			conf.Interval = DefaultCertificateInterval
		}
		done = func(o *resources.Order) bool {
			if o.Status == acme.StatusValid {
				return o.Certificate != ""
			}
			return o.Status != acme.StatusPending && o.Status != acme.StatusProcessing
		}
	}
	settled, err := poll.Until(ctx, conf,
		func(ctx context.Context) (*resources.Order, time.Duration, error) {
			if err := r.acme.UpdateOrder(ctx, order); err != nil {
				return nil, 0, err
			}
			return order, order.RetryAfter, nil
		},
		done)
	if err != nil {
		return err
	}
	if settled.Status != want {
		return &acme.StateError{
			Operation: "order",
			Reason:    fmt.Sprintf("order settled %s, wanted %s", settled.Status, want),
		}
	}
	return nil
}

// challengeFailure extracts the server's problem detail from a failed
// authorization's challenges.
func challengeFailure(authz *resources.Authorization) string {
	for _, chall := range authz.Challenges {
		if chall.Error != nil {
			return chall.Error.Detail
		}
	}
	return "no challenge error reported"
}

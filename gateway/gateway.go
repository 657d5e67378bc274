// Package gateway installs issued certificates into a TLS-terminating
// gateway through a read-modify-commit cycle over the gateway's
// configuration.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/opsforge/certgw/acme/resources"
)

// A Slot is one named certificate attachment point in the gateway's
// configuration, such as an HTTPS listener's certificate entry.
type Slot struct {
	// Name identifies the slot within the gateway.
	Name string
	// Data is the certificate and key material bound to the slot, in the
	// gateway's packaging format.
	Data []byte
	// Passphrase protects Data when the packaging format requires one.
	Passphrase string
}

// Config is a snapshot of the gateway's certificate configuration. Raw
// carries the provider's full fetched representation so Commit can write
// back everything it read, not just the slots.
type Config struct {
	Slots []*Slot
	Raw   any
}

// Slot returns the named slot, or nil when the configuration has none.
func (c *Config) Slot(name string) *Slot {
	for _, s := range c.Slots {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// A Provider reads and writes gateway certificate configuration. Fetch
// returns the current snapshot; Commit atomically applies a modified one
// and returns only once the gateway has accepted it.
type Provider interface {
	Fetch(ctx context.Context) (*Config, error)
	Commit(ctx context.Context, conf *Config) error
}

// An InstallError is returned when a certificate cannot be installed, for
// example when the target slot does not exist in the fetched
// configuration. Nothing has been committed when an InstallError is
// returned.
type InstallError struct {
	Slot   string
	Reason string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("cannot install certificate into slot %q: %s", e.Slot, e.Reason)
}

// An Installer puts certificate bundles into gateway slots. Installs are
// serialized so concurrent callers cannot interleave fetch and commit and
// lose each other's writes.
type Installer struct {
	provider Provider
	mu       sync.Mutex
}

// NewInstaller creates an Installer committing through the given provider.
func NewInstaller(provider Provider) *Installer {
	return &Installer{provider: provider}
}

// Install packages the bundle with the passphrase and binds it to the
// named slot in a single fetch, modify, commit cycle. The slot must
// already exist in the fetched configuration; Install binds certificates,
// it does not create listeners. Exactly one commit is issued per call, and
// none at all when the slot is missing or packaging fails.
func (i *Installer) Install(ctx context.Context, slotName string, bundle *resources.CertificateBundle, passphrase string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	pfx, err := bundle.Export(passphrase)
	if err != nil {
		return fmt.Errorf("packaging certificate for slot %q: %w", slotName, err)
	}

	conf, err := i.provider.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching gateway configuration: %w", err)
	}

	slot := conf.Slot(slotName)
	if slot == nil {
		return &InstallError{Slot: slotName, Reason: "no such slot in gateway configuration"}
	}
	slot.Data = pfx
	slot.Passphrase = passphrase

	if err := i.provider.Commit(ctx, conf); err != nil {
		return fmt.Errorf("committing gateway configuration: %w", err)
	}
	log.Info().Str("slot", slotName).Strs("domains", bundle.Domains()).
		Msg("installed certificate")
	return nil
}

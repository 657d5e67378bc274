// Package provision publishes http-01 challenge responses for a set of
// authorizations and withdraws them again once validation is over.
package provision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/opsforge/certgw/acme/resources"
	"github.com/opsforge/certgw/store"
)

// DefaultConcurrency bounds how many challenge responses are published in
// parallel.
const DefaultConcurrency = 4

// DefaultPutAttempts is how many times a transient store failure is
// retried before the publication is abandoned.
const DefaultPutAttempts = 3

// ACME is the subset of client operations the provisioner needs: picking
// the challenge to answer, computing its response body, and telling the
// server the response is in place.
type ACME interface {
	SelectChallenge(authz *resources.Authorization) (*resources.Challenge, error)
	KeyAuthorization(token string) (string, error)
	SignalChallengeReady(ctx context.Context, chall *resources.Challenge) error
}

// A ProvisioningError is returned when a challenge response could not be
// published after exhausting the retry budget. Artifacts published before
// the failure remain tracked and are withdrawn by Cleanup.
type ProvisioningError struct {
	Identifier string
	Path       string
	Attempts   int
	Err        error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("failed to publish challenge response for %s at %q after %d attempts: %s",
		e.Identifier, e.Path, e.Attempts, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Config controls a Provisioner.
type Config struct {
	// Concurrency bounds parallel publications. Zero means
	// DefaultConcurrency.
	Concurrency int
	// PutAttempts bounds retries of a transient store failure. Zero means
	// DefaultPutAttempts.
	PutAttempts int
	// RetryDelay is slept between retries of a transient store failure.
	RetryDelay time.Duration
}

// A Provisioner writes challenge responses to a ChallengeStore and tracks
// every path it published so Cleanup can withdraw exactly those.
type Provisioner struct {
	acme  ACME
	store store.ChallengeStore
	conf  Config

	mu        sync.Mutex
	published []string
}

// New creates a Provisioner publishing through the given store.
func New(acme ACME, challStore store.ChallengeStore, conf Config) *Provisioner {
	if conf.Concurrency <= 0 {
		conf.Concurrency = DefaultConcurrency
	}
	if conf.PutAttempts <= 0 {
		conf.PutAttempts = DefaultPutAttempts
	}
	if conf.RetryDelay <= 0 {
		conf.RetryDelay = time.Second
	}
	return &Provisioner{
		acme:  acme,
		store: challStore,
		conf:  conf,
	}
}

// Provision publishes an http-01 challenge response for every pending
// authorization and signals each challenge ready. Challenges are selected
// for all authorizations before anything is written, so an authorization
// offering no http-01 challenge aborts the whole batch with no store
// writes. Authorizations already in a terminal state are skipped.
//
// Publications run in parallel, bounded by the configured concurrency. On
// any failure the paths already published stay tracked for Cleanup.
func (p *Provisioner) Provision(ctx context.Context, authzs []*resources.Authorization) error {
	type task struct {
		identifier string
		chall      *resources.Challenge
		path       string
		body       string
	}

	// Select and compute everything up front. Nothing touches the store
	// until every authorization has a usable http-01 challenge.
	tasks := make([]task, 0, len(authzs))
	for _, authz := range authzs {
		if authz.Terminal() {
			log.Debug().Str("identifier", authz.Identifier.Value).
				Str("status", authz.Status).Msg("skipping settled authorization")
			continue
		}
		chall, err := p.acme.SelectChallenge(authz)
		if err != nil {
			return err
		}
		body, err := p.acme.KeyAuthorization(chall.Token)
		if err != nil {
			return err
		}
		tasks = append(tasks, task{
			identifier: authz.Identifier.Value,
			chall:      chall,
			path:       store.ChallengePath(chall.Token),
			body:       body,
		})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.conf.Concurrency)
	for _, t := range tasks {
		group.Go(func() error {
			if err := p.put(groupCtx, t.identifier, t.path, []byte(t.body)); err != nil {
				return err
			}
			p.track(t.path)
			return p.acme.SignalChallengeReady(groupCtx, t.chall)
		})
	}
	return group.Wait()
}

// put writes one challenge response, retrying transient store failures up
// to the configured attempt budget.
func (p *Provisioner) put(ctx context.Context, identifier, path string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= p.conf.PutAttempts; attempt++ {
		err := p.store.Put(ctx, path, body)
		if err == nil {
			log.Info().Str("identifier", identifier).Str("path", path).
				Msg("published challenge response")
			return nil
		}
		if !store.IsTransient(err) {
			return err
		}
		lastErr = err
		log.Warn().Err(err).Str("identifier", identifier).Int("attempt", attempt).
			Msg("challenge publication failed, retrying")

		if attempt < p.conf.PutAttempts {
			timer := time.NewTimer(p.conf.RetryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return &ProvisioningError{
		Identifier: identifier,
		Path:       path,
		Attempts:   p.conf.PutAttempts,
		Err:        lastErr,
	}
}

func (p *Provisioner) track(path string) {
	p.mu.Lock()
	p.published = append(p.published, path)
	p.mu.Unlock()
}

// Published returns the paths currently tracked for withdrawal.
func (p *Provisioner) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

// Cleanup withdraws every tracked challenge response. Each path is handed
// to the store exactly once: paths are drained from the tracked set before
// deletion, so a second Cleanup call issues no duplicate deletes. Deletion
// failures are logged and do not stop the remaining withdrawals; the first
// failure is returned.
func (p *Provisioner) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	paths := p.published
	p.published = nil
	p.mu.Unlock()

	var firstErr error
	for _, path := range paths {
		if err := p.store.Delete(ctx, path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to withdraw challenge response")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Debug().Str("path", path).Msg("withdrew challenge response")
	}
	return firstErr
}

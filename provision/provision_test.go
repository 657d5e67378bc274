package provision

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsforge/certgw/acme"
	"github.com/opsforge/certgw/acme/resources"
	"github.com/opsforge/certgw/store"
)

// fakeACME answers http-01 challenges with a fixed thumbprint and records
// which challenges were signaled.
type fakeACME struct {
	mu       sync.Mutex
	signaled []string
}

func (f *fakeACME) SelectChallenge(authz *resources.Authorization) (*resources.Challenge, error) {
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

func (f *fakeACME) KeyAuthorization(token string) (string, error) {
	return token + ".thumbprint", nil
}

func (f *fakeACME) SignalChallengeReady(ctx context.Context, chall *resources.Challenge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaled = append(f.signaled, chall.Token)
	return nil
}

// fakeStore is an in-memory ChallengeStore with injectable failures.
type fakeStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	putFailures  map[string]int // failures left per path, transient
	deleteErr    error
	deleteCounts map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:      make(map[string][]byte),
		putFailures:  make(map[string]int),
		deleteCounts: make(map[string]int),
	}
}

func (f *fakeStore) Put(ctx context.Context, path string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putFailures[path] > 0 {
		f.putFailures[path]--
		return &store.TransientError{Op: "put", Path: path, Err: fmt.Errorf("throttled")}
	}
	f.objects[path] = body
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCounts[path]++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.objects, path)
	return nil
}

func pendingAuthz(domain, token string, challTypes ...string) *resources.Authorization {
	if len(challTypes) == 0 {
		challTypes = []string{acme.ChallengeTypeHTTP01}
	}
	authz := &resources.Authorization{
		Status:     acme.StatusPending,
		Identifier: resources.Identifier{Type: "dns", Value: domain},
	}
	for _, challType := range challTypes {
		authz.Challenges = append(authz.Challenges, resources.Challenge{
			Type:   challType,
			Token:  token,
			Status: acme.StatusPending,
		})
	}
	return authz
}

func fastConfig() Config {
	return Config{PutAttempts: 3, RetryDelay: time.Millisecond}
}

func TestProvision(t *testing.T) {
	t.Parallel()
	acmeStub := &fakeACME{}
	challStore := newFakeStore()
	p := New(acmeStub, challStore, fastConfig())

	authzs := []*resources.Authorization{
		pendingAuthz("a.example.com", "tok-a"),
		pendingAuthz("b.example.com", "tok-b"),
	}
	require.NoError(t, p.Provision(context.Background(), authzs))

	assert.Equal(t, []byte("tok-a.thumbprint"), challStore.objects[store.ChallengePath("tok-a")])
	assert.Equal(t, []byte("tok-b.thumbprint"), challStore.objects[store.ChallengePath("tok-b")])
	assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, acmeStub.signaled)
	assert.Len(t, p.Published(), 2)
}

func TestProvisionSkipsSettledAuthorizations(t *testing.T) {
	t.Parallel()
	acmeStub := &fakeACME{}
	challStore := newFakeStore()
	p := New(acmeStub, challStore, fastConfig())

	settled := pendingAuthz("a.example.com", "tok-a")
	settled.Status = acme.StatusValid
	require.NoError(t, p.Provision(context.Background(), []*resources.Authorization{settled}))
	assert.Empty(t, challStore.objects)
	assert.Empty(t, acmeStub.signaled)
}

func TestProvisionAbortsBeforeWritesOnUnsupportedChallenge(t *testing.T) {
	t.Parallel()
	acmeStub := &fakeACME{}
	challStore := newFakeStore()
	p := New(acmeStub, challStore, fastConfig())

	authzs := []*resources.Authorization{
		pendingAuthz("a.example.com", "tok-a"),
		pendingAuthz("b.example.com", "tok-b", "dns-01"),
	}
	err := p.Provision(context.Background(), authzs)
	var unsupportedErr *acme.UnsupportedChallengeError
	require.ErrorAs(t, err, &unsupportedErr)
	assert.Equal(t, "b.example.com", unsupportedErr.Identifier)

	// Challenge selection happens for the whole batch before anything is
	// published, so the store saw no writes at all.
	assert.Empty(t, challStore.objects)
	assert.Empty(t, p.Published())
}

func TestProvisionRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	acmeStub := &fakeACME{}
	challStore := newFakeStore()
	challStore.putFailures[store.ChallengePath("tok-a")] = 2
	p := New(acmeStub, challStore, fastConfig())

	require.NoError(t, p.Provision(context.Background(),
		[]*resources.Authorization{pendingAuthz("a.example.com", "tok-a")}))
	assert.Equal(t, []byte("tok-a.thumbprint"), challStore.objects[store.ChallengePath("tok-a")])
	assert.Equal(t, []string{"tok-a"}, acmeStub.signaled)
}

func TestProvisionExhaustsRetries(t *testing.T) {
	t.Parallel()
	acmeStub := &fakeACME{}
	challStore := newFakeStore()
	challStore.putFailures[store.ChallengePath("tok-a")] = 10
	p := New(acmeStub, challStore, fastConfig())

	err := p.Provision(context.Background(),
		[]*resources.Authorization{pendingAuthz("a.example.com", "tok-a")})
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "a.example.com", provErr.Identifier)
	assert.Equal(t, 3, provErr.Attempts)
	assert.True(t, store.IsTransient(provErr))
	assert.Empty(t, acmeStub.signaled)
}

func TestCleanupExactlyOnce(t *testing.T) {
	t.Parallel()
	acmeStub := &fakeACME{}
	challStore := newFakeStore()
	p := New(acmeStub, challStore, fastConfig())

	require.NoError(t, p.Provision(context.Background(), []*resources.Authorization{
		pendingAuthz("a.example.com", "tok-a"),
		pendingAuthz("b.example.com", "tok-b"),
	}))

	require.NoError(t, p.Cleanup(context.Background()))
	assert.Empty(t, challStore.objects)
	assert.Empty(t, p.Published())

	// A second cleanup issues no further deletes.
	require.NoError(t, p.Cleanup(context.Background()))
	assert.Equal(t, 1, challStore.deleteCounts[store.ChallengePath("tok-a")])
	assert.Equal(t, 1, challStore.deleteCounts[store.ChallengePath("tok-b")])
}

func TestCleanupContinuesPastFailures(t *testing.T) {
	t.Parallel()
	acmeStub := &fakeACME{}
	challStore := newFakeStore()
	p := New(acmeStub, challStore, fastConfig())

	require.NoError(t, p.Provision(context.Background(), []*resources.Authorization{
		pendingAuthz("a.example.com", "tok-a"),
		pendingAuthz("b.example.com", "tok-b"),
	}))

	challStore.deleteErr = fmt.Errorf("bucket gone")
	err := p.Cleanup(context.Background())
	require.Error(t, err)
	// Both withdrawals were still attempted.
	assert.Equal(t, 1, challStore.deleteCounts[store.ChallengePath("tok-a")])
	assert.Equal(t, 1, challStore.deleteCounts[store.ChallengePath("tok-b")])
}

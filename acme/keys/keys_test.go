package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSigner(t *testing.T) {
	t.Parallel()

	ecSigner, err := NewSigner("ecdsa")
	require.NoError(t, err)
	_, ok := ecSigner.(*ecdsa.PrivateKey)
	assert.True(t, ok, "expected an ECDSA key")
	assert.Equal(t, jose.ES256, SigAlgForKey(ecSigner))

	rsaSigner, err := NewSigner("rsa")
	require.NoError(t, err)
	_, ok = rsaSigner.(*rsa.PrivateKey)
	assert.True(t, ok, "expected an RSA key")
	assert.Equal(t, jose.RS256, SigAlgForKey(rsaSigner))

	_, err = NewSigner("dsa")
	assert.Error(t, err)
}

func TestKeyAuth(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner("ecdsa")
	require.NoError(t, err)

	keyAuth := KeyAuth(signer, "some-token")
	parts := strings.SplitN(keyAuth, ".", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "some-token", parts[0])
	assert.Equal(t, JWKThumbprint(signer), parts[1])

	// Same key, same token, same response.
	assert.Equal(t, keyAuth, KeyAuth(signer, "some-token"))

	other, err := NewSigner("ecdsa")
	require.NoError(t, err)
	assert.NotEqual(t, keyAuth, KeyAuth(other, "some-token"))
}

func TestMarshalSignerRoundTrip(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner("ecdsa")
	require.NoError(t, err)

	keyBytes, keyType, err := MarshalSigner(signer)
	require.NoError(t, err)
	assert.Equal(t, "ecdsa", keyType)

	restored, err := UnmarshalSigner(keyBytes, keyType)
	require.NoError(t, err)
	assert.Equal(t, JWKThumbprint(signer), JWKThumbprint(restored))

	_, err = UnmarshalSigner(keyBytes, "dsa")
	assert.Error(t, err)
}

func TestSignerToPEM(t *testing.T) {
	t.Parallel()

	signer, err := NewSigner("rsa")
	require.NoError(t, err)

	pemStr, err := SignerToPEM(signer)
	require.NoError(t, err)
	assert.Contains(t, pemStr, "PRIVATE KEY")
}

package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureValidity(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	data := []byte("signed payload")
	signature, err := Sign(privateKey, data)
	require.NoError(t, err)
	assert.True(t, Verify(publicKey, data, signature))
	assert.False(t, Verify(publicKey, []byte("signed payload!"), signature))
}

func TestSignRejectsEmptyData(t *testing.T) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Sign(privateKey, nil)
	require.Error(t, err)
}

func TestDomainSeparation(t *testing.T) {
	id, err := GenerateIdentity("acct", "dev")
	require.NoError(t, err)

	data := []byte("transcript")
	signature, err := id.SignDomain("openshare/auth/v1/initiator", data)
	require.NoError(t, err)

	assert.True(t, VerifyDomain(id.PublicKey, "openshare/auth/v1/initiator", data, signature))
	assert.False(t, VerifyDomain(id.PublicKey, "openshare/auth/v1/responder", data, signature))
	assert.False(t, Verify(id.PublicKey, data, signature))
}

func TestIdentityZeroStopsSigning(t *testing.T) {
	id, err := GenerateIdentity("acct", "dev")
	require.NoError(t, err)

	id.Zero()
	_, err = id.Sign([]byte("data"))
	require.ErrorIs(t, err, ErrIdentityZeroed)
}

func TestNewIdentityValidatesInput(t *testing.T) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = NewIdentity("acct", "  ", privateKey)
	require.Error(t, err)

	_, err = NewIdentity("acct", "dev", privateKey[:10])
	require.Error(t, err)
}

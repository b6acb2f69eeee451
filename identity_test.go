package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBasicCredentialRoundTrip(t *testing.T) {
	cred := BasicCredential([]byte("alice"))
	require.Equal(t, CredentialTypeBasic, cred.CredentialType)
	require.Equal(t, []byte("alice"), cred.Identity)
}

func TestSigningIdentityEqual(t *testing.T) {
	a := SigningIdentity{SignatureKey: []byte{1, 2, 3}, Credential: BasicCredential([]byte("alice"))}
	b := SigningIdentity{SignatureKey: []byte{1, 2, 3}, Credential: BasicCredential([]byte("alice"))}
	c := SigningIdentity{SignatureKey: []byte{1, 2, 3}, Credential: BasicCredential([]byte("bob"))}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestBasicIdentityProviderValidate(t *testing.T) {
	idp := NewBasicIdentityProvider()

	ok := SigningIdentity{Credential: BasicCredential([]byte("alice"))}
	require.NoError(t, idp.Validate(ok, MlsTime{}))

	empty := SigningIdentity{Credential: BasicCredential(nil)}
	require.Error(t, idp.Validate(empty, MlsTime{}))

	wrongType := SigningIdentity{Credential: Credential{CredentialType: CredentialTypeX509, Chain: [][]byte{{1}}}}
	require.Error(t, idp.Validate(wrongType, MlsTime{}))
}

func TestBasicIdentityProviderValidSuccessor(t *testing.T) {
	idp := NewBasicIdentityProvider()
	alice := SigningIdentity{SignatureKey: []byte{1}, Credential: BasicCredential([]byte("alice"))}
	aliceNewKey := SigningIdentity{SignatureKey: []byte{2}, Credential: BasicCredential([]byte("alice"))}
	bob := SigningIdentity{SignatureKey: []byte{3}, Credential: BasicCredential([]byte("bob"))}

	ok, err := idp.ValidSuccessor(alice, aliceNewKey)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = idp.ValidSuccessor(alice, bob)
	require.NoError(t, err)
	require.False(t, ok)
}

package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPackageSignVerifyRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")
	require.NoError(t, m.kp.Verify(cs))

	tampered := m.kp
	tampered.HpkeInitKey = append([]byte{}, m.kp.HpkeInitKey...)
	tampered.HpkeInitKey[0] ^= 0xff
	require.Error(t, tampered.Verify(cs))
}

func TestKeyPackageToReferenceStableAndDistinct(t *testing.T) {
	cs := testCipherSuite()
	a := newTestMember(cs, "alice")
	b := newTestMember(cs, "bob")

	ref1, err := a.kp.ToReference(cs)
	require.NoError(t, err)
	ref2, err := a.kp.ToReference(cs)
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	refB, err := b.kp.ToReference(cs)
	require.NoError(t, err)
	require.NotEqual(t, ref1, refB)
}

func TestKeyPackageToReferenceCiphersuiteMismatch(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")
	other, err := NewCipherSuiteProvider(P256Aes128Gcm)
	require.NoError(t, err)

	_, err = m.kp.ToReference(other)
	require.Error(t, err)
	code, ok := codeOf(err)
	require.True(t, ok)
	require.Equal(t, ErrUnsupportedCiphersuite, code)
}

func TestValidateKeyPackageHappyPath(t *testing.T) {
	cs := testCipherSuite()
	idp := testIdentityProvider()
	m := newTestMember(cs, "alice")

	err := ValidateKeyPackage(&m.kp, cs, idp, KeyPackageValidationOptions{})
	require.NoError(t, err)
}

func TestValidateKeyPackageTamperedSignature(t *testing.T) {
	cs := testCipherSuite()
	idp := testIdentityProvider()
	m := newTestMember(cs, "alice")

	m.kp.Signature[0] ^= 0xff
	err := ValidateKeyPackage(&m.kp, cs, idp, KeyPackageValidationOptions{})
	require.Error(t, err)
}

func TestValidateKeyPackageExpiredLifetime(t *testing.T) {
	cs := testCipherSuite()
	idp := testIdentityProvider()

	signPriv, signPub, err := cs.SignatureGenerateKeyPair()
	require.NoError(t, err)
	_, hpkePub, err := cs.HpkeGenerateKeyPair()
	require.NoError(t, err)

	identity := SigningIdentity{SignatureKey: signPub, Credential: BasicCredential([]byte("alice"))}
	ln := LeafNode{
		HpkePublicKey:   hpkePub,
		SigningIdentity: identity,
		Capabilities:    defaultCapabilities(cs.Suite()),
		Source:          LeafNodeSourceKeyPackage,
		Lifetime:        Lifetime{NotBefore: 0, NotAfter: 100},
	}
	require.NoError(t, ln.Sign(cs, signPriv, nil, 0))

	kp := KeyPackage{
		Version:     uint16(Mls10),
		CipherSuite: cs.Suite(),
		HpkeInitKey: hpkePub,
		LeafNode:    ln,
	}
	require.NoError(t, kp.Sign(cs, signPriv))

	now := MlsTime{UnixSeconds: 200}
	err = ValidateKeyPackage(&kp, cs, idp, KeyPackageValidationOptions{ApplyLifetimeCheck: &now})
	require.Error(t, err)
}

func TestValidateKeyPackageMissingRequiredCapability(t *testing.T) {
	cs := testCipherSuite()
	idp := testIdentityProvider()
	m := newTestMember(cs, "alice")

	required := RequiredCapabilitiesExt{ExtensionTypes: []uint16{ExtensionTypeRatchetTree}}
	err := ValidateKeyPackage(&m.kp, cs, idp, KeyPackageValidationOptions{RequiredCapabilities: &required})
	require.Error(t, err)
}

func TestMemoryKeyPackageStoreInsertGetConsume(t *testing.T) {
	cs := testCipherSuite()
	store := NewMemoryKeyPackageStore(cs)
	m := newTestMember(cs, "alice")

	ref, err := store.Insert(m.kp, m.hpkePriv)
	require.NoError(t, err)

	gotKP, gotPriv, ok := store.Get(ref)
	require.True(t, ok)
	require.Equal(t, m.kp.Signature, gotKP.Signature)
	require.Equal(t, m.hpkePriv, gotPriv)

	consumedKP, consumedPriv, err := store.Consume(ref)
	require.NoError(t, err)
	require.Equal(t, m.kp.Signature, consumedKP.Signature)
	require.Equal(t, m.hpkePriv, consumedPriv)

	_, _, err = store.Consume(ref)
	require.Error(t, err)
	code, ok := codeOf(err)
	require.True(t, ok)
	require.Equal(t, ErrKeyPackageNotFound, code)

	_, _, ok = store.Get(ref)
	require.False(t, ok)
}

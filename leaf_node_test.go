package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeafNodeSignVerifyKeyPackageSource(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")
	ln := m.kp.LeafNode
	require.NoError(t, ln.Verify(cs, nil, 0))
}

func TestLeafNodeSignVerifyCommitSourceBindsContext(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	ln := m.kp.LeafNode
	ln.Source = LeafNodeSourceCommit
	groupID := []byte("group-1")
	require.NoError(t, ln.Sign(cs, m.signPriv, groupID, 2))
	require.NoError(t, ln.Verify(cs, groupID, 2))

	// A different (group, leaf_index) binding must fail verification.
	require.Error(t, ln.Verify(cs, groupID, 3))
	require.Error(t, ln.Verify(cs, []byte("other-group"), 2))
}

func TestLifetimeValidAt(t *testing.T) {
	l := Lifetime{NotBefore: 100, NotAfter: 200}
	require.True(t, l.validAt(MlsTime{UnixSeconds: 150}))
	require.False(t, l.validAt(MlsTime{UnixSeconds: 50}))
	require.False(t, l.validAt(MlsTime{UnixSeconds: 250}))
}

func TestCapabilitiesSupports(t *testing.T) {
	caps := defaultCapabilities(X25519Aes128Gcm)
	require.True(t, caps.supportsCiphersuite(X25519Aes128Gcm))
	require.False(t, caps.supportsCiphersuite(P256Aes128Gcm))
	require.False(t, caps.supportsExtension(ExtensionTypeRatchetTree))

	caps.Extensions = append(caps.Extensions, ExtensionTypeRatchetTree)
	require.True(t, caps.supportsExtension(ExtensionTypeRatchetTree))
}

func TestExtensionListGetSet(t *testing.T) {
	var el ExtensionList
	_, ok := el.Get(ExtensionTypeParentHash)
	require.False(t, ok)

	el.Set(Extension{ExtensionType: ExtensionTypeParentHash, ExtensionData: []byte{1, 2}})
	got, ok := el.Get(ExtensionTypeParentHash)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2}, got.ExtensionData)

	el.Set(Extension{ExtensionType: ExtensionTypeParentHash, ExtensionData: []byte{3}})
	require.Len(t, el.Entries, 1)
	got, _ = el.Get(ExtensionTypeParentHash)
	require.Equal(t, []byte{3}, got.ExtensionData)
}

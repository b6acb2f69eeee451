package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenGroupSecretsRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "bob")
	ref, err := m.kp.ToReference(cs)
	require.NoError(t, err)

	gs := GroupSecrets{JoinerSecret: cs.Hash([]byte("joiner")), PathSecret: cs.Hash([]byte("path"))}
	egs, err := sealGroupSecrets(cs, m.kp.HpkeInitKey, ref, gs)
	require.NoError(t, err)
	require.Equal(t, ref, egs.NewMember)

	got, err := openGroupSecrets(cs, m.hpkePriv, egs)
	require.NoError(t, err)
	require.Equal(t, gs.JoinerSecret, got.JoinerSecret)
	require.Equal(t, gs.PathSecret, got.PathSecret)
	require.True(t, got.hasPathSecret())
}

func TestGroupInfoSignVerifyRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	gi := GroupInfo{
		GroupContext: GroupContext{Version: Mls10, CipherSuite: cs.Suite(), GroupID: []byte("group-1"), Epoch: 0},
	}
	require.NoError(t, gi.Sign(cs, leafIndex(0), m.signPriv))
	require.NoError(t, gi.Verify(cs, m.signIdent.SignatureKey))

	gi.ConfirmationTag = []byte("tampered")
	require.Error(t, gi.Verify(cs, m.signIdent.SignatureKey))
}

func TestRatchetTreeExtensionRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	a := newTestMember(cs, "alice")
	b := newTestMember(cs, "bob")

	tree := NewRatchetTree(cs)
	tree.AddLeaf(a.kp.LeafNode)
	tree.AddLeaf(b.kp.LeafNode)

	ext, err := ratchetTreeExtension(tree)
	require.NoError(t, err)

	var el ExtensionList
	el.Set(ext)

	got, err := ratchetTreeFromExtensions(cs, el)
	require.NoError(t, err)
	require.True(t, tree.Equal(got))
}

func TestRatchetTreeFromExtensionsMissing(t *testing.T) {
	cs := testCipherSuite()
	_, err := ratchetTreeFromExtensions(cs, ExtensionList{})
	require.Error(t, err)
	code, ok := codeOf(err)
	require.True(t, ok)
	require.Equal(t, ErrRatchetTreeNotProvided, code)
}

func TestMakeWelcomeAndJoinGroupRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	creator := newTestMember(cs, "creator")
	joiner := newTestMember(cs, "joiner")

	tree := NewRatchetTree(cs)
	tree.AddLeaf(creator.kp.LeafNode)
	joinerIdx := tree.AddLeaf(joiner.kp.LeafNode)

	joinerSecret := cs.Hash([]byte("joiner-secret"))
	pskSecret := make([]byte, cs.HashSize())

	gi := GroupInfo{
		GroupContext: GroupContext{Version: Mls10, CipherSuite: cs.Suite(), GroupID: []byte("group-1"), Epoch: 1},
	}
	ext, err := ratchetTreeExtension(tree)
	require.NoError(t, err)
	gi.Extensions.Set(ext)
	require.NoError(t, gi.Sign(cs, leafIndex(0), creator.signPriv))

	welcome, err := MakeWelcome(cs, cs.Suite(), joinerSecret, pskSecret, nil, gi, []KeyPackage{joiner.kp}, nil)
	require.NoError(t, err)

	joinerRef, err := joiner.kp.ToReference(cs)
	require.NoError(t, err)

	gs, gotGI, err := JoinGroup(cs, welcome, joinerRef, joiner.hpkePriv, func(ids []PreSharedKeyID) ([]byte, error) {
		return ResolvePskSecret(cs, ids, NewMemoryPskStore(), nil)
	})
	require.NoError(t, err)
	require.Equal(t, joinerSecret, gs.JoinerSecret)
	require.Equal(t, gi.GroupContext.GroupID, gotGI.GroupContext.GroupID)

	gotTree, err := ratchetTreeFromExtensions(cs, gotGI.Extensions)
	require.NoError(t, err)
	require.True(t, tree.Equal(gotTree))
	require.NotNil(t, gotTree.LeafNode(joinerIdx))
}

func TestJoinGroupUnknownKeyPackageRef(t *testing.T) {
	cs := testCipherSuite()
	creator := newTestMember(cs, "creator")
	other := newTestMember(cs, "other")

	gi := GroupInfo{GroupContext: GroupContext{Version: Mls10, CipherSuite: cs.Suite()}}
	require.NoError(t, gi.Sign(cs, leafIndex(0), creator.signPriv))

	welcome, err := MakeWelcome(cs, cs.Suite(), cs.Hash([]byte("j")), make([]byte, cs.HashSize()), nil, gi, nil, nil)
	require.NoError(t, err)

	otherRef, err := other.kp.ToReference(cs)
	require.NoError(t, err)

	_, _, err = JoinGroup(cs, welcome, otherRef, other.hpkePriv, func([]PreSharedKeyID) ([]byte, error) { return nil, nil })
	require.Error(t, err)
	code, ok := codeOf(err)
	require.True(t, ok)
	require.Equal(t, ErrKeyPackageNotFound, code)
}

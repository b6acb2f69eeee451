package mls

import (
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func marshalUnmarshalProposal(t *testing.T, p Proposal) Proposal {
	t.Helper()
	encoded, err := syntax.Marshal(p)
	require.NoError(t, err)

	var got Proposal
	read, err := syntax.Unmarshal(encoded, &got)
	require.NoError(t, err)
	require.Equal(t, len(encoded), read)
	return got
}

func TestProposalAddRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")
	p := NewAddProposal(m.kp)
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalTypeAdd, got.ProposalType)
	require.Equal(t, m.kp.Signature, got.Add.KeyPackage.Signature)
}

func TestProposalUpdateRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")
	p := NewUpdateProposal(m.kp.LeafNode)
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalTypeUpdate, got.ProposalType)
	require.Equal(t, m.kp.LeafNode.Signature, got.Update.LeafNode.Signature)
}

func TestProposalRemoveRoundTrip(t *testing.T) {
	p := NewRemoveProposal(leafIndex(2))
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalTypeRemove, got.ProposalType)
	require.Equal(t, leafIndex(2), got.Remove.Removed)
}

func TestProposalPskRoundTrip(t *testing.T) {
	id := PreSharedKeyID{PskType: PskTypeExternal, PskID: []byte("ext-1"), PskNonce: []byte("nonce")}
	p := NewPskProposal(id)
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalTypePsk, got.ProposalType)
	require.Equal(t, id.PskID, got.Psk.Psk.PskID)
}

func TestProposalReInitRoundTrip(t *testing.T) {
	p := NewReInitProposal([]byte("group-2"), uint16(Mls10), X25519Aes128Gcm, ExtensionList{})
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalTypeReInit, got.ProposalType)
	require.Equal(t, []byte("group-2"), got.ReInit.GroupID)
	require.Equal(t, X25519Aes128Gcm, got.ReInit.CipherSuite)
}

func TestProposalExternalInitRoundTrip(t *testing.T) {
	p := NewExternalInitProposal([]byte("kem-output"))
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalTypeExternalInit, got.ProposalType)
	require.Equal(t, []byte("kem-output"), got.ExternalInit.KemOutput)
}

func TestProposalGroupContextExtensionsRoundTrip(t *testing.T) {
	ext := ExtensionList{Entries: []Extension{{ExtensionType: ExtensionTypeParentHash, ExtensionData: []byte{9}}}}
	p := NewGroupContextExtensionsProposal(ext)
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalTypeGroupContextExtensions, got.ProposalType)
	require.Equal(t, ext.Entries, got.GroupContextExtensions.Extensions.Entries)
}

func TestProposalCustomRoundTrip(t *testing.T) {
	p := NewCustomProposal(ProposalType(0xff01), []byte("payload"), true)
	got := marshalUnmarshalProposal(t, p)
	require.Equal(t, ProposalType(0xff01), got.ProposalType)
	require.Equal(t, []byte("payload"), got.Custom.Body)
	require.True(t, got.Custom.PathRequired)
}

func TestProposalRequiresPath(t *testing.T) {
	require.True(t, NewRemoveProposal(0).requiresPath())
	require.True(t, NewGroupContextExtensionsProposal(ExtensionList{}).requiresPath())
	require.True(t, NewExternalInitProposal(nil).requiresPath())
	require.False(t, NewPskProposal(PreSharedKeyID{}).requiresPath())
	require.True(t, NewCustomProposal(ProposalType(0xff02), nil, true).requiresPath())
	require.False(t, NewCustomProposal(ProposalType(0xff02), nil, false).requiresPath())
}

func TestProposalOrRefRoundTripByValue(t *testing.T) {
	p := NewRemoveProposal(leafIndex(1))
	por := proposalByValue(p)

	encoded, err := syntax.Marshal(por)
	require.NoError(t, err)

	var got ProposalOrRef
	_, err = syntax.Unmarshal(encoded, &got)
	require.NoError(t, err)
	require.False(t, got.IsReference)
	require.Equal(t, leafIndex(1), got.Value.Remove.Removed)
}

func TestProposalOrRefRoundTripByReference(t *testing.T) {
	var ref ProposalRef
	ref[0] = 0xab
	por := proposalByRef(ref)

	encoded, err := syntax.Marshal(por)
	require.NoError(t, err)

	var got ProposalOrRef
	_, err = syntax.Unmarshal(encoded, &got)
	require.NoError(t, err)
	require.True(t, got.IsReference)
	require.Equal(t, ref, got.Reference)
}

func TestProposalToRefDeterministicAndSenderSensitive(t *testing.T) {
	cs := testCipherSuite()
	p := NewRemoveProposal(leafIndex(3))

	ref1, err := proposalToRef(cs, memberSender(1), p)
	require.NoError(t, err)
	ref2, err := proposalToRef(cs, memberSender(1), p)
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	ref3, err := proposalToRef(cs, memberSender(2), p)
	require.NoError(t, err)
	require.NotEqual(t, ref1, ref3)
}

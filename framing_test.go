package mls

import (
	"testing"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/stretchr/testify/require"
)

func TestAuthenticatedContentSignVerifyApplication(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	fc := FramedContent{
		GroupID:     []byte("group-1"),
		Epoch:       0,
		Sender:      memberSender(0),
		ContentType: ContentTypeApplication,
		Application: []byte("hello"),
	}
	ac := AuthenticatedContent{WireFormat: WireFormatPrivateMessage, Content: fc}
	require.NoError(t, ac.Sign(cs, m.signPriv, nil))
	require.NoError(t, ac.Verify(cs, m.signIdent.SignatureKey, nil))

	ac.Content.Application = []byte("tampered")
	require.Error(t, ac.Verify(cs, m.signIdent.SignatureKey, nil))
}

func TestAuthenticatedContentSignVerifyBoundToGroupContext(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	fc := FramedContent{
		GroupID:     []byte("group-1"),
		Epoch:       1,
		Sender:      memberSender(0),
		ContentType: ContentTypeProposal,
		Proposal:    &Proposal{ProposalType: ProposalTypeRemove, Remove: &RemoveProposal{Removed: 2}},
	}
	ctx := &GroupContext{Version: Mls10, CipherSuite: cs.Suite(), GroupID: []byte("group-1"), Epoch: 1}
	ac := AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: fc}
	require.NoError(t, ac.Sign(cs, m.signPriv, ctx))
	require.NoError(t, ac.Verify(cs, m.signIdent.SignatureKey, ctx))

	otherCtx := &GroupContext{Version: Mls10, CipherSuite: cs.Suite(), GroupID: []byte("group-1"), Epoch: 2}
	require.Error(t, ac.Verify(cs, m.signIdent.SignatureKey, otherCtx))
}

func TestConfirmationTagAndMembershipTagDeterministic(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	confirmationKey := cs.Hash([]byte("confirmation-key"))
	confirmedHash := cs.Hash([]byte("confirmed-transcript"))
	tag1 := ConfirmationTag(cs, confirmationKey, confirmedHash)
	tag2 := ConfirmationTag(cs, confirmationKey, confirmedHash)
	require.Equal(t, tag1, tag2)

	fc := FramedContent{GroupID: []byte("g"), ContentType: ContentTypeCommit, Commit: &Commit{}}
	ac := AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: fc, ConfirmationTag: tag1}
	require.NoError(t, ac.Sign(cs, m.signPriv, nil))

	membershipKey := cs.Hash([]byte("membership-key"))
	mtag1, err := MembershipTag(cs, membershipKey, ac)
	require.NoError(t, err)
	mtag2, err := MembershipTag(cs, membershipKey, ac)
	require.NoError(t, err)
	require.Equal(t, mtag1, mtag2)
}

func TestEncryptDecryptPrivateMessageRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	joinerSecret := cs.Hash([]byte("joiner"))
	pskSecret := make([]byte, cs.HashSize())
	gc := GroupContext{Version: Mls10, CipherSuite: cs.Suite(), GroupID: []byte("group-1"), Epoch: 0}
	ctxBytes, err := gc.encode()
	require.NoError(t, err)
	kse := NewKeyScheduleEpoch(cs, leafCount(2), joinerSecret, pskSecret, ctxBytes)

	fc := FramedContent{
		GroupID:     []byte("group-1"),
		Epoch:       0,
		Sender:      memberSender(0),
		ContentType: ContentTypeApplication,
		Application: []byte("secret message"),
	}
	ac := AuthenticatedContent{WireFormat: WireFormatPrivateMessage, Content: fc}
	require.NoError(t, ac.Sign(cs, m.signPriv, nil))

	pm, err := EncryptPrivateMessage(cs, kse, leafIndex(0), gc, ac)
	require.NoError(t, err)

	gotAC, sender, err := DecryptPrivateMessage(cs, kse, pm)
	require.NoError(t, err)
	require.Equal(t, leafIndex(0), sender)
	require.Equal(t, []byte("secret message"), gotAC.Content.Application)
	require.Equal(t, ac.Signature, gotAC.Signature)
}

func TestDecryptPrivateMessageRejectsTamperedCiphertext(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	joinerSecret := cs.Hash([]byte("joiner"))
	pskSecret := make([]byte, cs.HashSize())
	gc := GroupContext{Version: Mls10, CipherSuite: cs.Suite(), GroupID: []byte("group-1"), Epoch: 0}
	ctxBytes, err := gc.encode()
	require.NoError(t, err)
	kse := NewKeyScheduleEpoch(cs, leafCount(2), joinerSecret, pskSecret, ctxBytes)

	fc := FramedContent{
		GroupID:     []byte("group-1"),
		Epoch:       0,
		Sender:      memberSender(0),
		ContentType: ContentTypeApplication,
		Application: []byte("secret message"),
	}
	ac := AuthenticatedContent{WireFormat: WireFormatPrivateMessage, Content: fc}
	require.NoError(t, ac.Sign(cs, m.signPriv, nil))

	pm, err := EncryptPrivateMessage(cs, kse, leafIndex(0), gc, ac)
	require.NoError(t, err)

	pm.Ciphertext[len(pm.Ciphertext)-1] ^= 0xff
	_, _, err = DecryptPrivateMessage(cs, kse, pm)
	require.Error(t, err)
}

func TestMLSMessageMarshalUnmarshalRoundTripKeyPackage(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	msg := MLSMessage{Version: Mls10, WireFormat: WireFormatKeyPackage, KeyPackage: &m.kp}
	encoded, err := syntax.Marshal(msg)
	require.NoError(t, err)

	var got MLSMessage
	read, err := syntax.Unmarshal(encoded, &got)
	require.NoError(t, err)
	require.Equal(t, len(encoded), read)
	require.Equal(t, WireFormatKeyPackage, got.WireFormat)
	require.Equal(t, m.kp.Signature, got.KeyPackage.Signature)
}

func TestMLSMessageMarshalUnmarshalRoundTripPublicMessage(t *testing.T) {
	cs := testCipherSuite()
	m := newTestMember(cs, "alice")

	fc := FramedContent{
		GroupID:     []byte("group-1"),
		Sender:      memberSender(0),
		ContentType: ContentTypeApplication,
		Application: []byte("hi"),
	}
	ac := AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: fc}
	require.NoError(t, ac.Sign(cs, m.signPriv, nil))
	pub := PublicMessage{Content: ac}

	msg := MLSMessage{Version: Mls10, WireFormat: WireFormatPublicMessage, PublicMessage: &pub}
	encoded, err := syntax.Marshal(msg)
	require.NoError(t, err)

	var got MLSMessage
	_, err = syntax.Unmarshal(encoded, &got)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), got.PublicMessage.Content.Content.Application)
}

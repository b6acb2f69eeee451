package mls

import (
	"crypto/rand"

	syntax "github.com/cisco/go-tls-syntax"
)

// ProtocolVersion is the wire version tag (spec.md §6: "protocol version
// 1.0 = 0x0001").
type ProtocolVersion uint16

const Mls10 ProtocolVersion = 1

// WireFormat selects the MLSMessage payload variant (spec.md §6).
type WireFormat uint8

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
	WireFormatWelcome        WireFormat = 3
	WireFormatGroupInfo      WireFormat = 4
	WireFormatKeyPackage     WireFormat = 5
)

// GroupContext is the authenticated per-epoch header (spec.md §3).
type GroupContext struct {
	Version                 ProtocolVersion
	CipherSuite             CipherSuite
	GroupID                 []byte `tls:"head=1"`
	Epoch                   uint64
	TreeHash                []byte `tls:"head=1"`
	ConfirmedTranscriptHash []byte `tls:"head=1"`
	Extensions              ExtensionList
}

func (gc GroupContext) encode() ([]byte, error) {
	return syntax.Marshal(gc)
}

func (gc GroupContext) clone() GroupContext {
	out := gc
	out.GroupID = dup(gc.GroupID)
	out.TreeHash = dup(gc.TreeHash)
	out.ConfirmedTranscriptHash = dup(gc.ConfirmedTranscriptHash)
	return out
}

// ContentType tags a FramedContent's payload (spec.md §4.G).
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// Commit is an ordered proposal list plus an optional update path
// (spec.md §3).
type Commit struct {
	Proposals []ProposalOrRef `tls:"head=4"`
	Path      *UpdatePath
}

func (c Commit) MarshalTLS() ([]byte, error) {
	proposalsBytes, err := syntax.Marshal(struct {
		Proposals []ProposalOrRef `tls:"head=4"`
	}{c.Proposals})
	if err != nil {
		return nil, err
	}
	var pathBody []byte
	present := c.Path != nil
	if present {
		pathBody, err = syntax.Marshal(*c.Path)
		if err != nil {
			return nil, err
		}
	}
	wrapper := struct {
		Proposals   []byte `tls:"head=4"`
		PathPresent bool
		Path        []byte `tls:"head=4"`
	}{proposalsBytes, present, pathBody}
	return syntax.Marshal(wrapper)
}

func (c *Commit) UnmarshalTLS(data []byte) (int, error) {
	var wrapper struct {
		Proposals   []byte `tls:"head=4"`
		PathPresent bool
		Path        []byte `tls:"head=4"`
	}
	read, err := syntax.Unmarshal(data, &wrapper)
	if err != nil {
		return 0, err
	}
	var props struct {
		Proposals []ProposalOrRef `tls:"head=4"`
	}
	if _, err := syntax.Unmarshal(wrapper.Proposals, &props); err != nil {
		return 0, err
	}
	c.Proposals = props.Proposals
	if wrapper.PathPresent {
		var path UpdatePath
		if _, err := syntax.Unmarshal(wrapper.Path, &path); err != nil {
			return 0, err
		}
		c.Path = &path
	} else {
		c.Path = nil
	}
	return read, nil
}

// FramedContent is the authenticated body common to Application,
// Proposal, and Commit messages (spec.md §4.G).
type FramedContent struct {
	GroupID           []byte `tls:"head=1"`
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte `tls:"head=4"`
	ContentType       ContentType
	Application       []byte `tls:"head=4"`
	Proposal          *Proposal
	Commit            *Commit
}

func (fc FramedContent) MarshalTLS() ([]byte, error) {
	var body []byte
	var err error
	switch fc.ContentType {
	case ContentTypeApplication:
		body, err = syntax.Marshal(struct {
			Application []byte `tls:"head=4"`
		}{fc.Application})
	case ContentTypeProposal:
		body, err = syntax.Marshal(*fc.Proposal)
	case ContentTypeCommit:
		body, err = syntax.Marshal(*fc.Commit)
	}
	if err != nil {
		return nil, err
	}

	wrapper := struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		Sender            Sender
		AuthenticatedData []byte `tls:"head=4"`
		ContentType       ContentType
		Body              []byte `tls:"head=4"`
	}{fc.GroupID, fc.Epoch, fc.Sender, fc.AuthenticatedData, fc.ContentType, body}
	return syntax.Marshal(wrapper)
}

func (fc *FramedContent) UnmarshalTLS(data []byte) (int, error) {
	var wrapper struct {
		GroupID           []byte `tls:"head=1"`
		Epoch             uint64
		Sender            Sender
		AuthenticatedData []byte `tls:"head=4"`
		ContentType       ContentType
		Body              []byte `tls:"head=4"`
	}
	read, err := syntax.Unmarshal(data, &wrapper)
	if err != nil {
		return 0, err
	}
	fc.GroupID = wrapper.GroupID
	fc.Epoch = wrapper.Epoch
	fc.Sender = wrapper.Sender
	fc.AuthenticatedData = wrapper.AuthenticatedData
	fc.ContentType = wrapper.ContentType

	switch wrapper.ContentType {
	case ContentTypeApplication:
		var v struct {
			Application []byte `tls:"head=4"`
		}
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		fc.Application = v.Application
	case ContentTypeProposal:
		var p Proposal
		if _, err := syntax.Unmarshal(wrapper.Body, &p); err != nil {
			return 0, err
		}
		fc.Proposal = &p
	case ContentTypeCommit:
		var c Commit
		if _, err := syntax.Unmarshal(wrapper.Body, &c); err != nil {
			return 0, err
		}
		fc.Commit = &c
	}
	return read, nil
}

const signLabelFramedContent = "FramedContentTBS"

type framedContentTBS struct {
	Version ProtocolVersion
	Wire    WireFormat
	Content FramedContent
	Context *GroupContext // present only for Proposal/Commit content, per member-authenticated signing scope
}

func (fc FramedContent) signableBytes(version ProtocolVersion, wire WireFormat, ctx *GroupContext) ([]byte, error) {
	tbs := framedContentTBS{Version: version, Wire: wire, Content: fc}
	if ctx != nil {
		c := ctx.clone()
		tbs.Context = &c
	}
	return syntax.Marshal(wrapFramedContentTBS(tbs))
}

// wrapFramedContentTBS exists only because framedContentTBS.Context is an
// optional pointer field; syntax.Marshal needs a present-bool wrapper the
// same way every other optional field in this module does.
type framedContentTBSWrapper struct {
	Version ProtocolVersion
	Wire    WireFormat
	Content []byte `tls:"head=4"`
	CtxPresent bool
	Context    []byte `tls:"head=4"`
}

func wrapFramedContentTBS(tbs framedContentTBS) framedContentTBSWrapper {
	content, err := syntax.Marshal(tbs.Content)
	if err != nil {
		panic(err)
	}
	w := framedContentTBSWrapper{Version: tbs.Version, Wire: tbs.Wire, Content: content}
	if tbs.Context != nil {
		ctxBytes, err := syntax.Marshal(*tbs.Context)
		if err != nil {
			panic(err)
		}
		w.CtxPresent = true
		w.Context = ctxBytes
	}
	return w
}

// AuthenticatedContent is a FramedContent plus its signature and, for
// Commits, a confirmation tag (spec.md §4.G).
type AuthenticatedContent struct {
	WireFormat      WireFormat
	Content         FramedContent
	Signature       []byte `tls:"head=2"`
	ConfirmationTag []byte `tls:"head=1"` // only meaningful for ContentTypeCommit
}

// Sign binds the content under label "FramedContentTBS", including the
// GroupContext for Proposal/Commit content as spec.md §4.G requires to
// bind a signature to one specific epoch.
func (ac *AuthenticatedContent) Sign(cs CipherSuiteProvider, priv []byte, ctx *GroupContext) error {
	content, err := ac.Content.signableBytes(Mls10, ac.WireFormat, ctx)
	if err != nil {
		return err
	}
	sig, err := cs.Sign(priv, append([]byte(signLabelFramedContent), content...))
	if err != nil {
		return err
	}
	ac.Signature = sig
	return nil
}

func (ac *AuthenticatedContent) Verify(cs CipherSuiteProvider, pub []byte, ctx *GroupContext) error {
	content, err := ac.Content.signableBytes(Mls10, ac.WireFormat, ctx)
	if err != nil {
		return err
	}
	if !cs.Verify(pub, append([]byte(signLabelFramedContent), content...), ac.Signature) {
		return newError(ErrSignatureInvalid, "framed content")
	}
	return nil
}

// ConfirmationTag computes MAC(confirmation_key, confirmed_transcript_hash)
// (spec.md §4.F glossary: "Confirmation tag: MAC over the confirmed
// transcript hash with the epoch's confirmation key").
func ConfirmationTag(cs CipherSuiteProvider, confirmationKey, confirmedTranscriptHash []byte) []byte {
	return cs.Mac(confirmationKey, confirmedTranscriptHash)
}

// MembershipTag MACs the full authenticated content (signature included)
// with the epoch's membership_key, authenticating plaintext framings to
// current members even though the signature alone already authenticates
// the sender (spec.md §4.G).
func MembershipTag(cs CipherSuiteProvider, membershipKey []byte, ac AuthenticatedContent) ([]byte, error) {
	encoded, err := syntax.Marshal(ac)
	if err != nil {
		return nil, err
	}
	return cs.Mac(membershipKey, encoded), nil
}

// PublicMessage is the Plaintext wire variant: an AuthenticatedContent
// plus, for member senders, a membership tag (spec.md §4.G).
type PublicMessage struct {
	Content       AuthenticatedContent
	MembershipTag []byte `tls:"head=1"` // empty for non-member senders
}

// senderDataAad binds the sender-data ciphertext to the static framing
// metadata it describes, so it cannot be replayed against another
// (group, epoch, content_type).
type senderData struct {
	LeafIndex  uint32
	Generation uint32
}

type senderDataAad struct {
	GroupID     []byte `tls:"head=1"`
	Epoch       uint64
	ContentType ContentType
}

// PrivateMessage is the Ciphertext wire variant (spec.md §4.G): content,
// signature, and padding are sealed under a per-(sender, generation)
// ratchet key; the sender-data header is itself sealed under
// sender_data_secret, keyed by the first bytes of the payload ciphertext
// for reuse resistance.
type PrivateMessage struct {
	GroupID            []byte `tls:"head=1"`
	Epoch              uint64
	ContentType        ContentType
	AuthenticatedData  []byte `tls:"head=4"`
	EncryptedSenderData []byte `tls:"head=1"`
	Ciphertext         []byte `tls:"head=4"`
}

const senderDataNonceInputLen = 4

// EncryptPrivateMessage seals an AuthenticatedContent for the wire,
// deriving the per-(sender, generation) AEAD key/nonce from the epoch's
// handshake or application ratchet depending on content type.
func EncryptPrivateMessage(cs CipherSuiteProvider, kse *KeyScheduleEpoch, sender leafIndex, gc GroupContext, ac AuthenticatedContent) (*PrivateMessage, error) {
	ratchets := kse.HandshakeKeys
	if ac.Content.ContentType == ContentTypeApplication {
		ratchets = kse.ApplicationKeys
	}
	generation, kn := ratchets.Next(cs, sender)

	inner := struct {
		Content         FramedContent
		Signature       []byte `tls:"head=2"`
		ConfirmationTag []byte `tls:"head=1"`
	}{ac.Content, ac.Signature, ac.ConfirmationTag}
	pt, err := syntax.Marshal(inner)
	if err != nil {
		return nil, err
	}

	aad, err := syntax.Marshal(senderDataAad{GroupID: gc.GroupID, Epoch: gc.Epoch, ContentType: ac.Content.ContentType})
	if err != nil {
		return nil, err
	}

	nonce := dup(kn.Nonce)
	ct, err := cs.AeadSeal(kn.Key, nonce, aad, pt)
	if err != nil {
		return nil, err
	}

	sdPlain, err := syntax.Marshal(senderData{LeafIndex: uint32(sender), Generation: generation})
	if err != nil {
		return nil, err
	}
	sdNonce := make([]byte, cs.AeadNonceSize())
	copy(sdNonce, ct[:minInt(senderDataNonceInputLen, len(ct))])
	encryptedSenderData, err := cs.AeadSeal(kse.SenderDataKey, sdNonce, aad, sdPlain)
	if err != nil {
		return nil, err
	}

	return &PrivateMessage{
		GroupID:             gc.GroupID,
		Epoch:               gc.Epoch,
		ContentType:         ac.Content.ContentType,
		AuthenticatedData:   ac.Content.AuthenticatedData,
		EncryptedSenderData: encryptedSenderData,
		Ciphertext:          ct,
	}, nil
}

// DecryptPrivateMessage reverses EncryptPrivateMessage.
func DecryptPrivateMessage(cs CipherSuiteProvider, kse *KeyScheduleEpoch, pm *PrivateMessage) (*AuthenticatedContent, leafIndex, error) {
	aad, err := syntax.Marshal(senderDataAad{GroupID: pm.GroupID, Epoch: pm.Epoch, ContentType: pm.ContentType})
	if err != nil {
		return nil, 0, err
	}

	sdNonce := make([]byte, cs.AeadNonceSize())
	copy(sdNonce, pm.Ciphertext[:minInt(senderDataNonceInputLen, len(pm.Ciphertext))])
	sdPlain, err := cs.AeadOpen(kse.SenderDataKey, sdNonce, aad, pm.EncryptedSenderData)
	if err != nil {
		return nil, 0, wrapError(ErrHpkeOpenFailed, "sender data", err)
	}
	var sd senderData
	if _, err := syntax.Unmarshal(sdPlain, &sd); err != nil {
		return nil, 0, err
	}
	sender := leafIndex(sd.LeafIndex)

	ratchets := kse.HandshakeKeys
	if pm.ContentType == ContentTypeApplication {
		ratchets = kse.ApplicationKeys
	}
	kn, err := ratchets.Get(cs, sender, sd.Generation)
	if err != nil {
		return nil, 0, err
	}

	pt, err := cs.AeadOpen(kn.Key, dup(kn.Nonce), aad, pm.Ciphertext)
	if err != nil {
		return nil, 0, wrapError(ErrAeadOpenFailed, "", err)
	}

	var inner struct {
		Content         FramedContent
		Signature       []byte `tls:"head=2"`
		ConfirmationTag []byte `tls:"head=1"`
	}
	if _, err := syntax.Unmarshal(pt, &inner); err != nil {
		return nil, 0, err
	}

	return &AuthenticatedContent{
		WireFormat:      WireFormatPrivateMessage,
		Content:         inner.Content,
		Signature:       inner.Signature,
		ConfirmationTag: inner.ConfirmationTag,
	}, sender, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// MLSMessage is the top-level wire envelope (spec.md §6).
type MLSMessage struct {
	Version        ProtocolVersion
	WireFormat     WireFormat
	PublicMessage  *PublicMessage
	PrivateMessage *PrivateMessage
	Welcome        *Welcome
	GroupInfo      *GroupInfo
	KeyPackage     *KeyPackage
}

func (m MLSMessage) MarshalTLS() ([]byte, error) {
	var body []byte
	var err error
	switch m.WireFormat {
	case WireFormatPublicMessage:
		body, err = syntax.Marshal(*m.PublicMessage)
	case WireFormatPrivateMessage:
		body, err = syntax.Marshal(*m.PrivateMessage)
	case WireFormatWelcome:
		body, err = syntax.Marshal(*m.Welcome)
	case WireFormatGroupInfo:
		body, err = syntax.Marshal(*m.GroupInfo)
	case WireFormatKeyPackage:
		body, err = syntax.Marshal(*m.KeyPackage)
	default:
		return nil, newError(ErrUnexpectedMessageType, "unknown wire format")
	}
	if err != nil {
		return nil, err
	}

	wrapper := struct {
		Version    ProtocolVersion
		WireFormat WireFormat
		Body       []byte `tls:"head=4"`
	}{m.Version, m.WireFormat, body}
	return syntax.Marshal(wrapper)
}

func (m *MLSMessage) UnmarshalTLS(data []byte) (int, error) {
	var wrapper struct {
		Version    ProtocolVersion
		WireFormat WireFormat
		Body       []byte `tls:"head=4"`
	}
	read, err := syntax.Unmarshal(data, &wrapper)
	if err != nil {
		return 0, err
	}
	m.Version = wrapper.Version
	m.WireFormat = wrapper.WireFormat

	switch wrapper.WireFormat {
	case WireFormatPublicMessage:
		var v PublicMessage
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		m.PublicMessage = &v
	case WireFormatPrivateMessage:
		var v PrivateMessage
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		m.PrivateMessage = &v
	case WireFormatWelcome:
		var v Welcome
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		m.Welcome = &v
	case WireFormatGroupInfo:
		var v GroupInfo
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		m.GroupInfo = &v
	case WireFormatKeyPackage:
		var v KeyPackage
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		m.KeyPackage = &v
	default:
		return 0, newError(ErrUnexpectedMessageType, "unknown wire format")
	}
	return read, nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

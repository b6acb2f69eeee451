package mls

import (
	"sync"

	syntax "github.com/cisco/go-tls-syntax"
)

// ExternalGroup is the read-only observer variant (spec.md §4.I): it
// tracks a group's public ratchet tree and transcript hashes by consuming
// only plaintext control messages. It holds no TreeKemPrivate and no key
// schedule, so it can verify every signature a FramedContent carries but
// never a commit's confirmation tag, since that MAC is keyed by
// confirmation_key, a quantity only the key schedule produces. An
// observer is therefore only useful against a group configured to send
// its control traffic as PublicMessage; any PrivateMessage it receives is
// rejected outright rather than silently skipped.
type ExternalGroup struct {
	mu sync.Mutex

	cs  CipherSuiteProvider
	idp IdentityProvider

	context    GroupContext
	tree       *RatchetTree
	transcript TranscriptHashes

	proposalCache map[ProposalRef]cachedProposal
}

// NewExternalGroup bootstraps an observer from a signed GroupInfo and its
// accompanying ratchet tree, fetched out-of-band the same way a joining
// member would via the ratchet_tree extension (spec.md §4.H
// RatchetTreeExt). The GroupInfo's signature is checked against its
// signer's leaf key, and the tree against the GroupInfo's tree_hash,
// before either is trusted.
func NewExternalGroup(cs CipherSuiteProvider, idp IdentityProvider, gi *GroupInfo, tree *RatchetTree) (*ExternalGroup, error) {
	if err := tree.CheckInvariants(); err != nil {
		return nil, err
	}
	if !bytesEqual(tree.RootTreeHash(), gi.GroupContext.TreeHash) {
		return nil, newError(ErrRatchetTree, "tree hash does not match group info")
	}
	signerLeaf := tree.LeafNode(leafIndex(gi.Signer))
	if signerLeaf == nil {
		return nil, newError(ErrRatchetTree, "group info signer leaf is blank")
	}
	if err := gi.Verify(cs, signerLeaf.SigningIdentity.SignatureKey); err != nil {
		return nil, err
	}

	return &ExternalGroup{
		cs:      cs,
		idp:     idp,
		context: gi.GroupContext.clone(),
		tree:    tree,
		transcript: TranscriptHashes{
			Confirmed: dup(gi.GroupContext.ConfirmedTranscriptHash),
			Interim:   cs.Hash(append(dup(gi.GroupContext.ConfirmedTranscriptHash), gi.ConfirmationTag...)),
		},
		proposalCache: map[ProposalRef]cachedProposal{},
	}, nil
}

// GroupContext returns the observer's current view of the group's
// authenticated header.
func (g *ExternalGroup) GroupContext() GroupContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.context.clone()
}

// Tree returns the observer's current public tree. Callers must not
// mutate the result.
func (g *ExternalGroup) Tree() *RatchetTree {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tree
}

func (g *ExternalGroup) senderVerifyKey(sender Sender) ([]byte, error) {
	if sender.SenderType != SenderTypeMember {
		return nil, newError(ErrInvalidProposalTypeForProposer, "only member-sourced signatures are resolved here")
	}
	ln := g.tree.LeafNode(sender.LeafIndex)
	if ln == nil {
		return nil, newError(ErrRatchetTree, "sender leaf is blank")
	}
	return ln.SigningIdentity.SignatureKey, nil
}

func (g *ExternalGroup) liveLeaves() map[leafIndex]bool {
	out := map[leafIndex]bool{}
	for i := leafIndex(0); i < leafIndex(g.tree.leafCount()); i++ {
		if g.tree.LeafNode(i) != nil {
			out[i] = true
		}
	}
	return out
}

func (g *ExternalGroup) checkMetadata(fc FramedContent, version ProtocolVersion) error {
	if version != Mls10 {
		return newError(ErrUnsupportedProtocolVersion, "")
	}
	if !bytesEqual(fc.GroupID, g.context.GroupID) {
		return newError(ErrInvalidGroupID, "")
	}
	if fc.Epoch != g.context.Epoch {
		return newError(ErrInvalidEpoch, "")
	}
	return nil
}

// ProcessIncomingMessage mirrors Group.ProcessIncomingMessage's dispatch,
// but for plaintext content only: any Ciphertext control message is
// rejected, since an observer has no key schedule with which to decrypt
// it, and Application content carries nothing an observer without a key
// schedule could ever read (spec.md §4.I).
func (g *ExternalGroup) ProcessIncomingMessage(msg MLSMessage) (*ProcessedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if msg.WireFormat != WireFormatPublicMessage {
		return nil, newError(ErrUnexpectedMessageType, "external observer accepts only plaintext control messages")
	}
	ac := &msg.PublicMessage.Content

	if err := g.checkMetadata(ac.Content, msg.Version); err != nil {
		return nil, err
	}

	switch ac.Content.ContentType {
	case ContentTypeProposal:
		return g.processProposal(ac)
	case ContentTypeCommit:
		return g.processCommit(ac)
	default:
		return nil, newError(ErrUnexpectedMessageType, "external observer cannot read application content")
	}
}

func (g *ExternalGroup) processProposal(ac *AuthenticatedContent) (*ProcessedMessage, error) {
	pub, err := g.senderVerifyKey(ac.Content.Sender)
	if err != nil {
		return nil, err
	}
	if err := ac.Verify(g.cs, pub, &g.context); err != nil {
		return nil, err
	}
	ref, err := proposalToRef(g.cs, ac.Content.Sender, *ac.Content.Proposal)
	if err != nil {
		return nil, err
	}
	g.proposalCache[ref] = cachedProposal{Proposal: *ac.Content.Proposal, Sender: ac.Content.Sender}
	return &ProcessedMessage{Kind: ProcessedProposal, Sender: ac.Content.Sender, ProposalRef: ref}, nil
}

// processCommit applies a commit's effects to the public tree and
// transcript the same way Group's own processCommit does, minus anything
// requiring the key schedule: it cannot verify the confirmation tag and
// does not attempt to, trusting the commit's signature alone (spec.md
// §4.I, the documented limitation of observing only plaintext groups).
func (g *ExternalGroup) processCommit(ac *AuthenticatedContent) (*ProcessedMessage, error) {
	sender := ac.Content.Sender.LeafIndex
	isExternal := ac.Content.Sender.SenderType == SenderTypeNewMemberCommit

	var pub []byte
	var err error
	if isExternal {
		if ac.Content.Commit.Path == nil {
			return nil, newError(ErrCommitMissingPath, "")
		}
		pub = ac.Content.Commit.Path.LeafNode.SigningIdentity.SignatureKey
	} else {
		pub, err = g.senderVerifyKey(ac.Content.Sender)
		if err != nil {
			return nil, err
		}
	}
	if err := ac.Verify(g.cs, pub, &g.context); err != nil {
		return nil, err
	}

	entries := make([]cachedProposal, 0, len(ac.Content.Commit.Proposals))
	for _, por := range ac.Content.Commit.Proposals {
		if por.IsReference {
			cached, ok := g.proposalCache[por.Reference]
			if !ok {
				return nil, newError(ErrProposalCacheMiss, "")
			}
			entries = append(entries, cached)
			delete(g.proposalCache, por.Reference)
			continue
		}
		entries = append(entries, cachedProposal{Proposal: *por.Value, Sender: ac.Content.Sender})
	}

	committerSender := ac.Content.Sender
	if isExternal {
		committerSender = memberSender(leafIndex(g.tree.leafCount()))
	}
	filterCtx := proposalFilterContext{
		CS:               g.cs,
		IDP:              g.idp,
		CommitterSender:  committerSender,
		IsExternalCommit: isExternal,
		CurrentEpoch:     g.context.Epoch,
		CurrentSuite:     g.context.CipherSuite,
		LiveLeaves:       g.liveLeaves(),
	}
	_, effects, err := FilterProposals(FilterModeValidate, filterCtx, entries)
	if err != nil {
		return nil, err
	}
	if ac.Content.Commit.Path == nil && effects.PathUpdateRequired {
		return nil, newError(ErrCommitMissingPath, "")
	}

	newContext := g.context.clone()
	addedLeaves := applyEffectsToTree(g.tree, &newContext, effects)

	// Same deterministic placement every existing member computes: an
	// external commit carries no Add proposal, so the joining leaf lands
	// wherever AddLeaf would have put it on the post-effects tree.
	if isExternal {
		sender = g.tree.leftmostBlankLeaf()
		addedLeaves = append(addedLeaves, sender)
	}

	if ac.Content.Commit.Path != nil {
		if err := ApplyUpdatePath(g.tree, sender, ac.Content.Commit.Path); err != nil {
			return nil, err
		}
	}

	unconfirmed := *ac
	unconfirmed.ConfirmationTag = nil
	commitContentBytes, err := syntax.Marshal(unconfirmed)
	if err != nil {
		return nil, err
	}
	g.transcript.UpdateConfirmed(g.cs, commitContentBytes)

	newContext.Epoch = g.context.Epoch + 1
	newContext.TreeHash = g.tree.RootTreeHash()
	newContext.ConfirmedTranscriptHash = g.transcript.Confirmed
	g.transcript.UpdateInterim(g.cs, ac.ConfirmationTag)
	g.context = newContext

	update := &StateUpdate{
		Roster:            RosterUpdate{Added: addedLeaves, Removed: effects.RemovedLeaves},
		AddedPSKs:         effects.Psks,
		CustomProposals:   effects.Customs,
		RejectedProposals: effects.RejectedProposals,
		Epoch:             g.context.Epoch,
	}
	for idx := range effects.Updates {
		update.Roster.Updated = append(update.Roster.Updated, idx)
	}
	if effects.ReInit != nil {
		update.PendingReinit = true
	} else {
		update.Active = true
	}

	return &ProcessedMessage{Kind: ProcessedCommit, Sender: ac.Content.Sender, StateUpdate: update}, nil
}

package mls

import (
	"sync"

	syntax "github.com/cisco/go-tls-syntax"
)

// GroupRunState is the top-level state spec.md §4.H's state machine moves
// through: exactly one commit may be staged at a time, a ReInit commit
// parks the group awaiting the successor, and Terminated groups accept no
// further commits or application traffic.
type GroupRunState int

const (
	GroupStateActive GroupRunState = iota
	GroupStatePendingCommit
	GroupStatePendingReInit
	GroupStateTerminated
)

const retainedEpochs = 5 // min_epoch_available window, SPEC_FULL.md supplemented feature

// pendingCommitState stages everything ApplyPendingCommit needs to finish
// installing a commit this member itself produced: the provisional tree,
// key schedule, and transcript already computed by Commit, kept untouched
// until the caller chooses to apply them (spec.md §4.H "provisional-state
// pattern": no GroupState mutation happens until apply, so a caller that
// never applies a staged commit leaves the active epoch untouched).
type pendingCommitState struct {
	message       MLSMessage
	welcome       *Welcome
	newTree       *RatchetTree
	newTreePriv   *TreeKemPrivate
	newContext    GroupContext
	newTranscript TranscriptHashes
	newKeySchedule *KeyScheduleEpoch
	pskSecret     []byte
	effects       ProposalSetEffects
	addedLeaves   []leafIndex
	reInit        *ReInitProposal
}

// RosterUpdate summarizes who moved as a result of a commit, by leaf index
// in the tree that resulted (SPEC_FULL.md §4 supplemented feature).
type RosterUpdate struct {
	Added   []leafIndex
	Removed []leafIndex
	Updated []leafIndex
}

// StateUpdate is returned to the caller after a commit is applied or
// processed, describing everything that changed (SPEC_FULL.md §4
// supplemented feature, modeled on aws-mls's StateUpdate).
type StateUpdate struct {
	Roster            RosterUpdate
	AddedPSKs         []PreSharedKeyID
	PendingReinit     bool
	Active            bool
	Epoch             uint64
	CustomProposals   []CustomProposal
	RejectedProposals []RejectedProposal
}

// CommitOptions tunes how Commit builds a commit beyond the proposal list
// itself (SPEC_FULL.md §4 supplemented feature: CommitBuilder surfaces
// these through a fluent API).
type CommitOptions struct {
	ForcePath         bool
	AuthenticatedData []byte
	NewSigningIdentity *SigningIdentity
	NewSigningPriv     []byte
}

// CommitOutput is everything a successful Commit call produces: the
// handshake message to broadcast and, when the commit added members, the
// Welcome to send them.
type CommitOutput struct {
	CommitMessage MLSMessage
	Welcome       *MLSMessage
}

// CommitBuilder offers the fluent surface SPEC_FULL.md adds over the raw
// commit(proposals) operation, mirroring aws-mls's CommitBuilder.
type CommitBuilder struct {
	group     *Group
	proposals []Proposal
	opts      CommitOptions
}

func (g *Group) NewCommit() *CommitBuilder {
	return &CommitBuilder{group: g}
}

func (b *CommitBuilder) AddMember(kp KeyPackage) *CommitBuilder {
	b.proposals = append(b.proposals, NewAddProposal(kp))
	return b
}

func (b *CommitBuilder) RemoveMember(idx leafIndex) *CommitBuilder {
	b.proposals = append(b.proposals, NewRemoveProposal(idx))
	return b
}

func (b *CommitBuilder) SetGroupContextExt(ext ExtensionList) *CommitBuilder {
	b.proposals = append(b.proposals, NewGroupContextExtensionsProposal(ext))
	return b
}

func (b *CommitBuilder) AddPSK(id PreSharedKeyID) *CommitBuilder {
	b.proposals = append(b.proposals, NewPskProposal(id))
	return b
}

func (b *CommitBuilder) ReInit(groupID []byte, version uint16, suite CipherSuite, ext ExtensionList) *CommitBuilder {
	b.proposals = append(b.proposals, NewReInitProposal(groupID, version, suite, ext))
	return b
}

func (b *CommitBuilder) CustomProposal(t ProposalType, body []byte, pathRequired bool) *CommitBuilder {
	b.proposals = append(b.proposals, NewCustomProposal(t, body, pathRequired))
	return b
}

func (b *CommitBuilder) AuthenticatedData(data []byte) *CommitBuilder {
	b.opts.AuthenticatedData = data
	return b
}

// SetNewSigningIdentity rotates the committer's own credential as part of
// this commit, gated at Build time by the IdentityProvider's
// ValidSuccessor check (SPEC_FULL.md §4 supplemented feature). Rotating a
// credential always forces an UpdatePath, since it is only ever carried by
// a freshly signed LeafNode.
func (b *CommitBuilder) SetNewSigningIdentity(identity SigningIdentity, priv []byte) *CommitBuilder {
	b.opts.NewSigningIdentity = &identity
	b.opts.NewSigningPriv = priv
	b.opts.ForcePath = true
	return b
}

func (b *CommitBuilder) ForcePath() *CommitBuilder {
	b.opts.ForcePath = true
	return b
}

func (b *CommitBuilder) Build() (*CommitOutput, error) {
	return b.group.Commit(b.proposals, b.opts)
}

// Group is one member's view of an MLS group: the capability handles it
// was constructed with, the currently active epoch's public/private tree
// and key schedule, and at most one staged-but-unapplied commit (spec.md
// §4.H).
type Group struct {
	mu sync.Mutex

	cs       CipherSuiteProvider
	idp      IdentityProvider
	psks     PskStore
	kpStore  KeyPackageStore

	state GroupRunState

	context     GroupContext
	tree        *RatchetTree
	treePriv    *TreeKemPrivate
	myIndex     leafIndex
	signingPriv []byte

	transcript  TranscriptHashes
	keySchedule *KeyScheduleEpoch
	pskSecret   []byte // psk_secret that produced keySchedule, kept only so Marshal can snapshot it

	proposalCache map[ProposalRef]cachedProposal

	pending       *pendingCommitState
	pendingReInit *ReInitProposal

	epochSecrets      map[uint64][]byte // resumption_psk retained per epoch, bounded by minEpochAvailable
	minEpochAvailable uint64
}

// NewGroup creates epoch 0 of a fresh group: a one-leaf tree holding the
// creator, an empty confirmed transcript hash, and a key schedule seeded
// from a random initial joiner secret (spec.md §4.H "create").
func NewGroup(cs CipherSuiteProvider, idp IdentityProvider, psks PskStore, kpStore KeyPackageStore, groupID []byte, myKeyPackage KeyPackage, myInitPriv []byte, mySigningPriv []byte) (*Group, error) {
	tree := NewRatchetTree(cs)
	ln := myKeyPackage.LeafNode
	idx := tree.AddLeaf(ln)

	treePriv := NewTreeKemPrivate(idx)
	treePriv.setLeafKey(myInitPriv)

	context := GroupContext{
		Version:                 Mls10,
		CipherSuite:             cs.Suite(),
		GroupID:                 dup(groupID),
		Epoch:                   0,
		TreeHash:                tree.RootTreeHash(),
		ConfirmedTranscriptHash: []byte{},
	}
	contextEncoded, err := context.encode()
	if err != nil {
		return nil, err
	}

	joinerSecret := randomBytes(cs.HashSize())
	pskSecret := make([]byte, cs.HashSize())
	ks := NewKeyScheduleEpoch(cs, tree.leafCount(), joinerSecret, pskSecret, contextEncoded)

	return &Group{
		cs:                cs,
		idp:               idp,
		psks:              psks,
		kpStore:           kpStore,
		state:             GroupStateActive,
		context:           context,
		tree:              tree,
		treePriv:          treePriv,
		myIndex:           idx,
		signingPriv:       mySigningPriv,
		transcript:        TranscriptHashes{},
		keySchedule:       ks,
		pskSecret:         pskSecret,
		proposalCache:     map[ProposalRef]cachedProposal{},
		epochSecrets:      map[uint64][]byte{0: ks.ResumptionPsk},
		minEpochAvailable: 0,
	}, nil
}

// JoinGroupFromWelcome completes the process_welcome operation: it
// decrypts the caller's GroupSecrets and GroupInfo via welcome.go's
// JoinGroup, then reconstructs the tree (from the ratchet_tree extension
// or a caller-supplied out-of-band copy) and Decap's its own ancestor path
// secrets from the path_secret the Welcome carried (spec.md §4.H).
func JoinGroupFromWelcome(cs CipherSuiteProvider, idp IdentityProvider, psks PskStore, kpStore KeyPackageStore, w *Welcome, myRef KeyPackageRef, myKeyPackage KeyPackage, myInitPriv []byte, externalTree *RatchetTree) (*Group, error) {
	gs, gi, err := JoinGroup(cs, w, myRef, myInitPriv, func(ids []PreSharedKeyID) ([]byte, error) {
		return ResolvePskSecret(cs, ids, psks, func([]byte, uint64) ([]byte, bool) { return nil, false })
	})
	if err != nil {
		return nil, err
	}

	tree := externalTree
	if tree == nil {
		tree, err = ratchetTreeFromExtensions(cs, gi.Extensions)
		if err != nil {
			return nil, err
		}
	}
	if err := tree.CheckInvariants(); err != nil {
		return nil, err
	}
	if tree.RootTreeHash() == nil || !bytesEqual(tree.RootTreeHash(), gi.GroupContext.TreeHash) {
		return nil, newError(ErrRatchetTree, "tree hash does not match group info")
	}

	myIndex := leafIndex(0)
	found := false
	for i := leafIndex(0); i < leafIndex(tree.leafCount()); i++ {
		if ln := tree.LeafNode(i); ln != nil && ln.SigningIdentity.Equal(myKeyPackage.LeafNode.SigningIdentity) {
			myIndex = i
			found = true
			break
		}
	}
	if !found {
		return nil, newError(ErrRatchetTreeNotProvided, "own leaf not found in welcomed tree")
	}

	treePriv := NewTreeKemPrivate(myIndex)
	treePriv.setLeafKey(myInitPriv)
	if gs.hasPathSecret() {
		ancestor := commonAncestor(toNodeIndex(myIndex), toNodeIndex(leafIndex(gi.Signer)), tree.leafCount())
		secret := gs.PathSecret
		anc := dirpath(toNodeIndex(myIndex), tree.leafCount())
		started := false
		for _, a := range anc {
			if a == ancestor {
				started = true
			}
			if !started {
				continue
			}
			if a != ancestor {
				secret = cs.DeriveSecret(secret, "path")
			}
			priv, _, err := cs.HpkeDeriveKeyPair(secret)
			if err != nil {
				return nil, err
			}
			treePriv.PathSecrets[a] = secret
			treePriv.PrivateKeys[a] = priv
		}
	}

	pskSecret, err := ResolvePskSecret(cs, gs.Psks, psks, func([]byte, uint64) ([]byte, bool) { return nil, false })
	if err != nil {
		return nil, err
	}
	contextEncoded, err := gi.GroupContext.encode()
	if err != nil {
		return nil, err
	}
	ks := NewKeyScheduleEpoch(cs, tree.leafCount(), gs.JoinerSecret, pskSecret, contextEncoded)

	return &Group{
		cs:                cs,
		idp:               idp,
		psks:              psks,
		kpStore:           kpStore,
		state:             GroupStateActive,
		context:           gi.GroupContext.clone(),
		tree:              tree,
		treePriv:          treePriv,
		myIndex:           myIndex,
		transcript:        TranscriptHashes{Confirmed: dup(gi.GroupContext.ConfirmedTranscriptHash), Interim: cs.Hash(append(dup(gi.GroupContext.ConfirmedTranscriptHash), gi.ConfirmationTag...))},
		keySchedule:       ks,
		pskSecret:         pskSecret,
		proposalCache:     map[ProposalRef]cachedProposal{},
		epochSecrets:      map[uint64][]byte{gi.GroupContext.Epoch: ks.ResumptionPsk},
		minEpochAvailable: gi.GroupContext.Epoch,
	}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (g *Group) liveLeaves() map[leafIndex]bool {
	out := map[leafIndex]bool{}
	for i := leafIndex(0); i < leafIndex(g.tree.leafCount()); i++ {
		if g.tree.LeafNode(i) != nil {
			out[i] = true
		}
	}
	return out
}

func (g *Group) resumptionLookup(groupID []byte, epoch uint64) ([]byte, bool) {
	if !bytesEqual(groupID, g.context.GroupID) {
		return nil, false
	}
	secret, ok := g.epochSecrets[epoch]
	return secret, ok
}

// checkMetadata implements spec.md §4.H's pre-validation gate: protocol
// version, group id, and epoch bounds are checked before any content
// parsing or cryptographic work, so a malformed or stale message is
// rejected cheaply.
func (g *Group) checkMetadata(fc FramedContent, version ProtocolVersion) error {
	if version != Mls10 {
		return newError(ErrUnsupportedProtocolVersion, "")
	}
	if !bytesEqual(fc.GroupID, g.context.GroupID) {
		return newError(ErrInvalidGroupID, "")
	}
	switch fc.ContentType {
	case ContentTypeCommit, ContentTypeProposal:
		if fc.Epoch != g.context.Epoch {
			return newError(ErrInvalidEpoch, "commit/proposal epoch mismatch")
		}
	case ContentTypeApplication:
		if fc.Epoch < g.minEpochAvailable || fc.Epoch > g.context.Epoch {
			return newError(ErrInvalidEpoch, "application message outside retained window")
		}
	}
	return nil
}

// cloneTree makes an independent copy of t by round-tripping it through
// its own wire encoding, the same technique the ratchet_tree extension
// uses to hand a tree to a brand-new member — reused here so Commit can
// mutate a provisional tree without aliasing the active epoch's tree.
func cloneTree(cs CipherSuiteProvider, t *RatchetTree) (*RatchetTree, error) {
	data, err := t.MarshalTLS()
	if err != nil {
		return nil, err
	}
	out := NewRatchetTree(cs)
	if _, err := syntax.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneTreeKemPrivate(p *TreeKemPrivate) *TreeKemPrivate {
	out := NewTreeKemPrivate(p.Index)
	for k, v := range p.PathSecrets {
		out.PathSecrets[k] = dup(v)
	}
	for k, v := range p.PrivateKeys {
		out.PrivateKeys[k] = dup(v)
	}
	return out
}

// applyEffectsToTree mutates tree in place per spec.md §4.D/§4.H: adds
// append at the leftmost blank leaf (recording the leaf each landed at so
// Welcome assembly and RosterUpdate can address them), removes and
// updates blank the affected leaf's direct path before rewriting it, and a
// GroupContextExtensions proposal replaces the extension list outright.
func applyEffectsToTree(tree *RatchetTree, ctx *GroupContext, effects ProposalSetEffects) []leafIndex {
	addedLeaves := make([]leafIndex, len(effects.Adds))
	for i, add := range effects.Adds {
		addedLeaves[i] = tree.AddLeaf(add.KeyPackage.LeafNode)
	}
	for _, removed := range effects.RemovedLeaves {
		tree.Blank(removed)
	}
	for idx, upd := range effects.Updates {
		tree.Blank(idx)
		ln := upd.LeafNode
		tree.Nodes[toNodeIndex(idx)] = treeNode{Leaf: &ln}
	}
	if effects.GroupContextExt != nil {
		ctx.Extensions = *effects.GroupContextExt
	}
	return addedLeaves
}

// Commit implements spec.md §4.H's commit(proposals) transition: it
// filters the proposal set (the caller's own proposals plus whatever this
// member's cache holds from earlier Proposal messages), stages a
// provisional tree/context/key-schedule, and signs the resulting Commit —
// without touching the active epoch until ApplyPendingCommit is called.
func (g *Group) Commit(proposals []Proposal, opts CommitOptions) (*CommitOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GroupStatePendingCommit {
		return nil, newError(ErrExistingPendingCommit, "")
	}
	if g.state != GroupStateActive {
		return nil, newError(ErrGroupUsedAfterReInit, "")
	}

	committerSender := memberSender(g.myIndex)
	entries := make([]cachedProposal, 0, len(g.proposalCache)+len(proposals))
	for _, e := range g.proposalCache {
		entries = append(entries, e)
	}
	byRef := make(map[ProposalRef]bool, len(g.proposalCache))
	for ref := range g.proposalCache {
		byRef[ref] = true
	}
	for _, p := range proposals {
		entries = append(entries, cachedProposal{Proposal: p, Sender: committerSender})
	}

	filterCtx := proposalFilterContext{
		CS:              g.cs,
		IDP:             g.idp,
		CommitterSender: committerSender,
		CurrentEpoch:    g.context.Epoch,
		CurrentSuite:    g.context.CipherSuite,
		LiveLeaves:      g.liveLeaves(),
	}
	bundle, effects, err := FilterProposals(FilterModeValidate, filterCtx, entries)
	if err != nil {
		return nil, err
	}

	proposalRefs := make([]ProposalOrRef, 0, len(bundle.all()))
	for _, e := range bundle.all() {
		ref, err := proposalToRef(g.cs, e.Sender, e.Proposal)
		if err != nil {
			return nil, err
		}
		if byRef[ref] {
			proposalRefs = append(proposalRefs, proposalByRef(ref))
			continue
		}
		proposalRefs = append(proposalRefs, proposalByValue(e.Proposal))
	}

	provisionalTree, err := cloneTree(g.cs, g.tree)
	if err != nil {
		return nil, err
	}
	newContext := g.context.clone()
	addedLeaves := applyEffectsToTree(provisionalTree, &newContext, effects)

	oldLeaf := *provisionalTree.LeafNode(g.myIndex)
	if opts.NewSigningIdentity != nil {
		oldLeaf.SigningIdentity = *opts.NewSigningIdentity
		ok, err := g.idp.ValidSuccessor(provisionalTree.LeafNode(g.myIndex).SigningIdentity, *opts.NewSigningIdentity)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, newError(ErrLeafNodeValidation, "credential rotation rejected")
		}
	}
	signingPriv := g.signingPriv
	if opts.NewSigningPriv != nil {
		signingPriv = opts.NewSigningPriv
	}

	pathRequired := effects.PathUpdateRequired || opts.ForcePath
	exclude := map[leafIndex]bool{}
	for _, l := range addedLeaves {
		exclude[l] = true
	}

	var updatePath *UpdatePath
	var newTreePriv *TreeKemPrivate
	var commitSecret []byte
	if pathRequired {
		updatePath, newTreePriv, commitSecret, err = Encap(g.cs, provisionalTree, g.treePriv, oldLeaf, newContext.GroupID, signingPriv, exclude)
		if err != nil {
			return nil, err
		}
	} else {
		newTreePriv = cloneTreeKemPrivate(g.treePriv)
		commitSecret = make([]byte, g.cs.HashSize())
	}

	commit := Commit{Proposals: proposalRefs, Path: updatePath}
	fc := FramedContent{
		GroupID:           newContext.GroupID,
		Epoch:             g.context.Epoch,
		Sender:            committerSender,
		AuthenticatedData: opts.AuthenticatedData,
		ContentType:       ContentTypeCommit,
		Commit:            &commit,
	}
	ac := AuthenticatedContent{WireFormat: WireFormatPublicMessage, Content: fc}
	if err := ac.Sign(g.cs, g.signingPriv, &g.context); err != nil {
		return nil, err
	}

	commitContentBytes, err := syntax.Marshal(ac)
	if err != nil {
		return nil, err
	}
	newTranscript := g.transcript.clone()
	newTranscript.UpdateConfirmed(g.cs, commitContentBytes)

	newContext.Epoch = g.context.Epoch + 1
	newContext.TreeHash = provisionalTree.RootTreeHash()
	newContext.ConfirmedTranscriptHash = newTranscript.Confirmed
	newContextEncoded, err := newContext.encode()
	if err != nil {
		return nil, err
	}

	pskSecret, err := ResolvePskSecret(g.cs, effects.Psks, g.psks, g.resumptionLookup)
	if err != nil {
		return nil, err
	}
	newKS := g.keySchedule.Next(provisionalTree.leafCount(), commitSecret, pskSecret, newContextEncoded)

	confirmationTag := ConfirmationTag(g.cs, newKS.ConfirmationKey, newContext.ConfirmedTranscriptHash)
	ac.ConfirmationTag = confirmationTag
	newTranscript.UpdateInterim(g.cs, confirmationTag)

	membershipTag, err := MembershipTag(g.cs, g.keySchedule.MembershipKey, ac)
	if err != nil {
		return nil, err
	}

	commitMessage := MLSMessage{
		Version:       Mls10,
		WireFormat:    WireFormatPublicMessage,
		PublicMessage: &PublicMessage{Content: ac, MembershipTag: membershipTag},
	}

	pending := &pendingCommitState{
		message:        commitMessage,
		newTree:        provisionalTree,
		newTreePriv:    newTreePriv,
		newContext:     newContext,
		newTranscript:  newTranscript,
		newKeySchedule: newKS,
		pskSecret:      pskSecret,
		effects:        effects,
		addedLeaves:    addedLeaves,
		reInit:         effects.ReInit,
	}

	var welcomeMsg *MLSMessage
	if len(effects.Adds) > 0 {
		gi := GroupInfo{GroupContext: newContext, ConfirmationTag: confirmationTag}
		treeExt, err := ratchetTreeExtension(provisionalTree)
		if err != nil {
			return nil, err
		}
		gi.Extensions.Set(treeExt)
		if err := gi.Sign(g.cs, g.myIndex, signingPriv); err != nil {
			return nil, err
		}

		members := make([]KeyPackage, len(effects.Adds))
		for i, a := range effects.Adds {
			members[i] = a.KeyPackage
		}
		pathSecretFor := func(kp KeyPackage) []byte {
			if updatePath == nil {
				return nil
			}
			for i, a := range effects.Adds {
				if a.KeyPackage.LeafNode.SigningIdentity.Equal(kp.LeafNode.SigningIdentity) {
					ancestor := commonAncestor(toNodeIndex(addedLeaves[i]), toNodeIndex(g.myIndex), provisionalTree.leafCount())
					return newTreePriv.PathSecrets[ancestor]
				}
			}
			return nil
		}
		w, err := MakeWelcome(g.cs, g.context.CipherSuite, newKS.JoinerSecret, pskSecret, effects.Psks, gi, members, pathSecretFor)
		if err != nil {
			return nil, err
		}
		welcomeMsg = &MLSMessage{Version: Mls10, WireFormat: WireFormatWelcome, Welcome: w}
		pending.welcome = w
	}

	g.pending = pending
	g.state = GroupStatePendingCommit

	return &CommitOutput{CommitMessage: commitMessage, Welcome: welcomeMsg}, nil
}

// ApplyPendingCommit implements spec.md §4.H's apply_pending_commit:
// installs the staged tree/context/key-schedule as the new active epoch,
// or parks the group in PendingReInit when the staged commit carried a
// ReInit proposal.
func (g *Group) ApplyPendingCommit() (*StateUpdate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != GroupStatePendingCommit {
		return nil, newError(ErrProposalCacheMiss, "no pending commit")
	}
	p := g.pending
	update := g.installCommit(p)
	return update, nil
}

// installCommit performs the actual state transition shared by
// ApplyPendingCommit (for a commit this member produced) and
// ProcessIncomingMessage (for a commit received from someone else).
func (g *Group) installCommit(p *pendingCommitState) *StateUpdate {
	for _, ref := range p.message.PublicMessage.Content.Content.Commit.Proposals {
		if ref.IsReference {
			delete(g.proposalCache, ref.Reference)
		}
	}

	g.tree = p.newTree
	g.treePriv = p.newTreePriv
	g.context = p.newContext
	g.transcript = p.newTranscript
	g.keySchedule = p.newKeySchedule
	g.pskSecret = p.pskSecret
	g.epochSecrets[g.context.Epoch] = g.keySchedule.ResumptionPsk
	if g.context.Epoch >= uint64(retainedEpochs) {
		cutoff := g.context.Epoch - uint64(retainedEpochs)
		for e := range g.epochSecrets {
			if e < cutoff {
				delete(g.epochSecrets, e)
			}
		}
		g.minEpochAvailable = cutoff + 1
	}

	g.pending = nil

	update := &StateUpdate{
		Roster: RosterUpdate{
			Added:   p.addedLeaves,
			Removed: p.effects.RemovedLeaves,
		},
		AddedPSKs:         p.effects.Psks,
		CustomProposals:   p.effects.Customs,
		RejectedProposals: p.effects.RejectedProposals,
		Epoch:             g.context.Epoch,
	}
	for idx := range p.effects.Updates {
		update.Roster.Updated = append(update.Roster.Updated, idx)
	}

	if p.reInit != nil {
		g.state = GroupStatePendingReInit
		g.pendingReInit = p.reInit
		update.PendingReinit = true
	} else {
		g.state = GroupStateActive
		update.Active = true
	}
	return update
}

// ProcessedMessageKind distinguishes what ProcessIncomingMessage produced.
type ProcessedMessageKind int

const (
	ProcessedApplication ProcessedMessageKind = iota
	ProcessedProposal
	ProcessedCommit
)

// ProcessedMessage is the result of handling one incoming MLSMessage
// (spec.md §4.H process_incoming_message).
type ProcessedMessage struct {
	Kind            ProcessedMessageKind
	ApplicationData []byte
	Sender          Sender
	ProposalRef     ProposalRef
	StateUpdate     *StateUpdate
}

// ProcessIncomingMessage implements spec.md §4.H's
// process_incoming_message for Proposal, Commit, and Application content,
// including the concurrent-commit tie-break: a Commit for an epoch this
// member has already advanced past is discarded with ErrInvalidEpoch, but
// a Commit received from someone else while this member still has its own
// commit staged (unapplied) for the current epoch wins — the local
// pending commit is silently dropped in favor of converging on the one
// that actually arrived (spec.md §4.H, §8 scenario 4).
func (g *Group) ProcessIncomingMessage(msg MLSMessage) (*ProcessedMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GroupStateTerminated || g.state == GroupStatePendingReInit {
		return nil, newError(ErrGroupUsedAfterReInit, "")
	}

	var ac *AuthenticatedContent
	var sender leafIndex
	switch msg.WireFormat {
	case WireFormatPublicMessage:
		ac = &msg.PublicMessage.Content
		sender = ac.Content.Sender.LeafIndex
	case WireFormatPrivateMessage:
		decrypted, s, err := DecryptPrivateMessage(g.cs, g.keySchedule, msg.PrivateMessage)
		if err != nil {
			return nil, err
		}
		ac = decrypted
		sender = s
	default:
		return nil, newError(ErrUnexpectedMessageType, "")
	}

	if err := g.checkMetadata(ac.Content, msg.Version); err != nil {
		return nil, err
	}

	switch ac.Content.ContentType {
	case ContentTypeApplication:
		return g.processApplication(ac, sender)
	case ContentTypeProposal:
		return g.processProposal(ac, sender)
	case ContentTypeCommit:
		return g.processCommit(ac, sender, msg)
	default:
		return nil, newError(ErrUnexpectedMessageType, "")
	}
}

func (g *Group) senderVerifyKey(sender Sender) ([]byte, error) {
	if sender.SenderType != SenderTypeMember {
		return nil, newError(ErrInvalidProposalTypeForProposer, "only member-sourced signatures are resolved here")
	}
	ln := g.tree.LeafNode(sender.LeafIndex)
	if ln == nil {
		return nil, newError(ErrRatchetTree, "sender leaf is blank")
	}
	return ln.SigningIdentity.SignatureKey, nil
}

func (g *Group) processApplication(ac *AuthenticatedContent, sender leafIndex) (*ProcessedMessage, error) {
	pub, err := g.senderVerifyKey(ac.Content.Sender)
	if err != nil {
		return nil, err
	}
	if err := ac.Verify(g.cs, pub, nil); err != nil {
		return nil, err
	}
	return &ProcessedMessage{Kind: ProcessedApplication, ApplicationData: ac.Content.Application, Sender: ac.Content.Sender}, nil
}

func (g *Group) processProposal(ac *AuthenticatedContent, sender leafIndex) (*ProcessedMessage, error) {
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

// processCommit resolves the commit's proposal list against the local
// cache, re-derives the provisional state with Decap (since this member
// did not produce the commit), and installs it. A commit this member
// itself staged but never applied is not a tie-break winner: spec.md
// §4.H requires a commit received from someone else to win convergence,
// so the local pending commit is silently discarded and normal
// processing continues against the still-current epoch. A commit for an
// epoch already advanced past is rejected by checkMetadata's epoch check
// before this is ever reached, and a commit whose sender is this member's
// own leaf while its own commit is staged is rejected here with
// ErrInvalidEpoch.
func (g *Group) processCommit(ac *AuthenticatedContent, sender leafIndex, msg MLSMessage) (*ProcessedMessage, error) {
	if g.state == GroupStatePendingCommit {
		ownCommit := ac.Content.Sender.SenderType == SenderTypeMember && ac.Content.Sender.LeafIndex == g.myIndex
		if ownCommit {
			return nil, newError(ErrInvalidEpoch, "commit already staged for this epoch")
		}
		g.pending = nil
		g.state = GroupStateActive
	}

	isExternal := ac.Content.Sender.SenderType == SenderTypeNewMemberCommit
	var pub []byte
	var err error
	if isExternal {
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

	if ac.Content.Commit.Path == nil && (effects.PathUpdateRequired) {
		return nil, newError(ErrCommitMissingPath, "")
	}

	provisionalTree, err := cloneTree(g.cs, g.tree)
	if err != nil {
		return nil, err
	}
	newContext := g.context.clone()
	addedLeaves := applyEffectsToTree(provisionalTree, &newContext, effects)

	// A new-member commit has no preceding Add proposal to place it: its
	// leaf lands wherever AddLeaf would have put it, the leftmost blank
	// (every member computes this identically from the same provisional
	// tree). A member-sourced commit's sender is always its existing leaf.
	if isExternal {
		sender = provisionalTree.leftmostBlankLeaf()
		addedLeaves = append(addedLeaves, sender)
	}

	// An existing member processes an externally-joined committer's update
	// path the same way as any other commit: Decap finds whichever ancestor
	// on the sender's path it already holds a key for and ratchets upward.
	// This module has no code for the joining member's own side of an
	// external commit: nothing derives a joiner's commit_secret from
	// ExternalSecret.
	var newTreePriv *TreeKemPrivate
	var commitSecret []byte
	if ac.Content.Commit.Path != nil {
		if err := ApplyUpdatePath(provisionalTree, sender, ac.Content.Commit.Path); err != nil {
			return nil, err
		}
		newTreePriv, commitSecret, err = Decap(g.cs, g.treePriv, provisionalTree, sender, ac.Content.Commit.Path)
		if err != nil {
			return nil, err
		}
	} else {
		newTreePriv = cloneTreeKemPrivate(g.treePriv)
		commitSecret = make([]byte, g.cs.HashSize())
	}

	// The hash input excludes the confirmation tag: the sender computed
	// UpdateConfirmed before the tag existed, so the received ac (whose
	// ConfirmationTag is already populated) must have it cleared first.
	unconfirmed := *ac
	unconfirmed.ConfirmationTag = nil
	commitContentBytes, err := syntax.Marshal(unconfirmed)
	if err != nil {
		return nil, err
	}
	newTranscript := g.transcript.clone()
	newTranscript.UpdateConfirmed(g.cs, commitContentBytes)

	newContext.Epoch = g.context.Epoch + 1
	newContext.TreeHash = provisionalTree.RootTreeHash()
	newContext.ConfirmedTranscriptHash = newTranscript.Confirmed
	newContextEncoded, err := newContext.encode()
	if err != nil {
		return nil, err
	}

	pskSecret, err := ResolvePskSecret(g.cs, effects.Psks, g.psks, g.resumptionLookup)
	if err != nil {
		return nil, err
	}
	newKS := g.keySchedule.Next(provisionalTree.leafCount(), commitSecret, pskSecret, newContextEncoded)

	expectedTag := ConfirmationTag(g.cs, newKS.ConfirmationKey, newContext.ConfirmedTranscriptHash)
	if !bytesEqual(expectedTag, ac.ConfirmationTag) {
		return nil, newError(ErrInvalidConfirmationTag, "")
	}
	newTranscript.UpdateInterim(g.cs, ac.ConfirmationTag)

	p := &pendingCommitState{
		message:        MLSMessage{Version: Mls10, WireFormat: msg.WireFormat, PublicMessage: msg.PublicMessage, PrivateMessage: msg.PrivateMessage},
		newTree:        provisionalTree,
		newTreePriv:    newTreePriv,
		newContext:     newContext,
		newTranscript:  newTranscript,
		newKeySchedule: newKS,
		pskSecret:      pskSecret,
		effects:        effects,
		addedLeaves:    addedLeaves,
		reInit:         effects.ReInit,
	}
	if msg.PublicMessage == nil {
		p.message.PublicMessage = &PublicMessage{Content: *ac}
	}

	update := g.installCommit(p)
	return &ProcessedMessage{Kind: ProcessedCommit, Sender: ac.Content.Sender, StateUpdate: update}, nil
}

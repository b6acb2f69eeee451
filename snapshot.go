package mls

import (
	syntax "github.com/cisco/go-tls-syntax"
)

// treeSecretEntry is one (node, secret) pair out of TreeKemPrivate's
// PathSecrets or PrivateKeys maps, flattened to a slice for TLS encoding.
type treeSecretEntry struct {
	Node   nodeIndex
	Secret []byte `tls:"head=1"`
}

func flattenSecrets(m map[nodeIndex][]byte) []treeSecretEntry {
	out := make([]treeSecretEntry, 0, len(m))
	for n, s := range m {
		out = append(out, treeSecretEntry{Node: n, Secret: s})
	}
	return out
}

func unflattenSecrets(entries []treeSecretEntry) map[nodeIndex][]byte {
	out := make(map[nodeIndex][]byte, len(entries))
	for _, e := range entries {
		out[e.Node] = e.Secret
	}
	return out
}

// cachedProposalEntry flattens one Group.proposalCache entry for
// persistence, addressed by the ProposalRef the live map keys on.
type cachedProposalEntry struct {
	Ref      ProposalRef
	Proposal Proposal
	Sender   Sender
}

// epochSecretEntry flattens one Group.epochSecrets retained-resumption
// entry (SPEC_FULL.md §4 min_epoch_available window).
type epochSecretEntry struct {
	Epoch  uint64
	Secret []byte `tls:"head=1"`
}

// reInitOption wraps Group.pendingReInit's optional pointer the same way
// every other optional field in this module is wire-encoded.
type reInitOption struct {
	Present bool
	ReInit  ReInitProposal
}

// groupState is the intermediate, wire-encodable shape Marshal/
// UnmarshalGroupState use to snapshot and restore a Group (grounded on
// matjam-go-mls's groupState: a separate persistence-only type rather
// than tagging Group's own live fields, re-expressed with
// cisco/go-tls-syntax struct tags in place of that file's manual
// cryptobyte builder/parser calls).
//
// The key schedule is not snapshotted in its fully expanded form — the
// per-sender hash ratchets' current generation counters are not
// persisted, only the joiner_secret and psk_secret that produced the
// active epoch. Restoring a Group re-derives everything else via
// NewKeyScheduleEpoch, so a restored Group's handshake/application
// ratchets start fresh at generation 0 for the current epoch; the
// original snapshot shape this is grounded on made the same
// simplification, never persisting ratchet state either.
type groupState struct {
	State             uint8 // GroupRunState, narrowed to a wire-stable width
	Context           GroupContext
	Tree              []byte `tls:"head=4"`
	TreePrivIndex     leafIndex
	TreePrivSecrets   []treeSecretEntry `tls:"head=4"`
	TreePrivKeys      []treeSecretEntry `tls:"head=4"`
	MyIndex           leafIndex
	SigningPriv       []byte `tls:"head=2"`
	Transcript        TranscriptHashes
	JoinerSecret      []byte `tls:"head=1"`
	PskSecret         []byte `tls:"head=1"`
	ProposalCache     []cachedProposalEntry `tls:"head=4"`
	PendingReInit     reInitOption
	EpochSecrets      []epochSecretEntry `tls:"head=4"`
	MinEpochAvailable uint64
}

// Marshal serializes g's state for persistence (SPEC_FULL.md §4
// supplemented feature). The returned bytes carry no cipher-suite or
// capability handles: UnmarshalGroupState needs the same
// CipherSuiteProvider/IdentityProvider/PskStore/KeyPackageStore the group
// was constructed with to restore a usable *Group.
func (g *Group) Marshal() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	treeBytes, err := g.tree.MarshalTLS()
	if err != nil {
		return nil, err
	}

	cache := make([]cachedProposalEntry, 0, len(g.proposalCache))
	for ref, cp := range g.proposalCache {
		cache = append(cache, cachedProposalEntry{Ref: ref, Proposal: cp.Proposal, Sender: cp.Sender})
	}

	epochSecrets := make([]epochSecretEntry, 0, len(g.epochSecrets))
	for epoch, secret := range g.epochSecrets {
		epochSecrets = append(epochSecrets, epochSecretEntry{Epoch: epoch, Secret: secret})
	}

	reInit := reInitOption{}
	if g.pendingReInit != nil {
		reInit.Present = true
		reInit.ReInit = *g.pendingReInit
	}

	gs := groupState{
		State:             uint8(g.state),
		Context:           g.context,
		Tree:              treeBytes,
		TreePrivIndex:     g.treePriv.Index,
		TreePrivSecrets:   flattenSecrets(g.treePriv.PathSecrets),
		TreePrivKeys:      flattenSecrets(g.treePriv.PrivateKeys),
		MyIndex:           g.myIndex,
		SigningPriv:       g.signingPriv,
		Transcript:        g.transcript,
		JoinerSecret:      g.keySchedule.JoinerSecret,
		PskSecret:         g.pskSecret,
		ProposalCache:     cache,
		PendingReInit:     reInit,
		EpochSecrets:      epochSecrets,
		MinEpochAvailable: g.minEpochAvailable,
	}
	return syntax.Marshal(gs)
}

// UnmarshalGroupState restores a Group from bytes produced by Marshal,
// given the same capability handles the original Group was constructed
// with (SPEC_FULL.md §4 supplemented feature).
func UnmarshalGroupState(cs CipherSuiteProvider, idp IdentityProvider, psks PskStore, kpStore KeyPackageStore, data []byte) (*Group, error) {
	var gs groupState
	if _, err := syntax.Unmarshal(data, &gs); err != nil {
		return nil, err
	}

	tree := NewRatchetTree(cs)
	if _, err := syntax.Unmarshal(gs.Tree, tree); err != nil {
		return nil, err
	}

	treePriv := &TreeKemPrivate{
		Index:       gs.TreePrivIndex,
		PathSecrets: unflattenSecrets(gs.TreePrivSecrets),
		PrivateKeys: unflattenSecrets(gs.TreePrivKeys),
	}

	proposalCache := make(map[ProposalRef]cachedProposal, len(gs.ProposalCache))
	for _, e := range gs.ProposalCache {
		proposalCache[e.Ref] = cachedProposal{Proposal: e.Proposal, Sender: e.Sender}
	}

	epochSecrets := make(map[uint64][]byte, len(gs.EpochSecrets))
	for _, e := range gs.EpochSecrets {
		epochSecrets[e.Epoch] = e.Secret
	}

	contextEncoded, err := gs.Context.encode()
	if err != nil {
		return nil, err
	}
	ks := NewKeyScheduleEpoch(cs, tree.leafCount(), gs.JoinerSecret, gs.PskSecret, contextEncoded)

	g := &Group{
		cs:                cs,
		idp:               idp,
		psks:              psks,
		kpStore:           kpStore,
		state:             GroupRunState(gs.State),
		context:           gs.Context,
		tree:              tree,
		treePriv:          treePriv,
		myIndex:           gs.MyIndex,
		signingPriv:       gs.SigningPriv,
		transcript:        gs.Transcript,
		keySchedule:       ks,
		pskSecret:         gs.PskSecret,
		proposalCache:     proposalCache,
		epochSecrets:      epochSecrets,
		minEpochAvailable: gs.MinEpochAvailable,
	}
	if gs.PendingReInit.Present {
		reInit := gs.PendingReInit.ReInit
		g.pendingReInit = &reInit
	}
	return g, nil
}

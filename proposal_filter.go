package mls

import (
	"sort"
	"strconv"
)

// ProposalBundle groups a validated/filtered proposal set by type,
// preserving original per-type order, plus the senders that produced each
// (spec.md §4.D).
type ProposalBundle struct {
	Adds                    []cachedProposal
	Updates                 []cachedProposal
	Removes                 []cachedProposal
	Psks                    []cachedProposal
	ReInits                 []cachedProposal
	ExternalInits           []cachedProposal
	GroupContextExtensions  []cachedProposal
	Customs                 []cachedProposal
}

func bundleFrom(entries []cachedProposal) ProposalBundle {
	var b ProposalBundle
	for _, e := range entries {
		switch e.Proposal.ProposalType {
		case ProposalTypeAdd:
			b.Adds = append(b.Adds, e)
		case ProposalTypeUpdate:
			b.Updates = append(b.Updates, e)
		case ProposalTypeRemove:
			b.Removes = append(b.Removes, e)
		case ProposalTypePsk:
			b.Psks = append(b.Psks, e)
		case ProposalTypeReInit:
			b.ReInits = append(b.ReInits, e)
		case ProposalTypeExternalInit:
			b.ExternalInits = append(b.ExternalInits, e)
		case ProposalTypeGroupContextExtensions:
			b.GroupContextExtensions = append(b.GroupContextExtensions, e)
		default:
			b.Customs = append(b.Customs, e)
		}
	}
	return b
}

func (b ProposalBundle) all() []cachedProposal {
	out := make([]cachedProposal, 0, len(b.Adds)+len(b.Updates)+len(b.Removes)+len(b.Psks)+len(b.ReInits)+len(b.ExternalInits)+len(b.GroupContextExtensions)+len(b.Customs))
	out = append(out, b.Adds...)
	out = append(out, b.Updates...)
	out = append(out, b.Removes...)
	out = append(out, b.Psks...)
	out = append(out, b.ReInits...)
	out = append(out, b.ExternalInits...)
	out = append(out, b.GroupContextExtensions...)
	out = append(out, b.Customs...)
	return out
}

// ProposalSetEffects summarises the net effect of an accepted proposal
// bundle on the tree and group context (spec.md §4.D).
type ProposalSetEffects struct {
	Adds               []AddProposal
	AddedLeafIndexes   []leafIndex
	Updates            map[leafIndex]UpdateProposal
	RemovedLeaves      []leafIndex
	Psks               []PreSharedKeyID
	ReInit             *ReInitProposal
	ExternalInit       *ExternalInitProposal
	GroupContextExt    *ExtensionList
	Customs            []CustomProposal
	RejectedProposals  []RejectedProposal
	PathUpdateRequired bool
}

type RejectedProposal struct {
	Proposal Proposal
	Sender   Sender
	Reason   error
}

// FilterMode selects whether a rule violation aborts the whole bundle
// (Validate) or drops just the offending proposal (Filter-out), per
// spec.md §4.D.
type FilterMode int

const (
	FilterModeValidate FilterMode = iota
	FilterModeFilterOut
)

// proposalFilterContext carries what the filter needs to know about the
// group to evaluate sender-scoped rules (committer identity, current
// ciphersuite/epoch, live leaves).
type proposalFilterContext struct {
	CS              CipherSuiteProvider
	IDP             IdentityProvider
	CommitterSender Sender
	IsExternalCommit bool
	CurrentEpoch    uint64
	CurrentSuite    CipherSuite
	LiveLeaves      map[leafIndex]bool
	ValidateAdd     func(AddProposal) error
}

// FilterProposals runs the ordered rule set from spec.md §4.D over a raw
// cached-proposal list and returns the accepted bundle plus effects. In
// FilterModeValidate, any rule violation returns an error and no effects.
// In FilterModeFilterOut, violating proposals are moved into
// effects.RejectedProposals and excluded from further effect computation
// (matching aws-mls's ProposalFilter::filter behavior, used by the local
// committer on proposals from its cache).
func FilterProposals(mode FilterMode, ctx proposalFilterContext, entries []cachedProposal) (ProposalBundle, ProposalSetEffects, error) {
	var effects ProposalSetEffects
	effects.Updates = map[leafIndex]UpdateProposal{}

	accepted := make([]cachedProposal, 0, len(entries))
	reject := func(e cachedProposal, code ErrorCode, detail string) error {
		err := newError(code, detail)
		if mode == FilterModeValidate {
			return err
		}
		effects.RejectedProposals = append(effects.RejectedProposals, RejectedProposal{
			Proposal: e.Proposal, Sender: e.Sender, Reason: err,
		})
		return nil
	}

	// Rule: ReInit must be the only proposal in the set (SPEC_FULL.md §6
	// Open Question decision).
	hasReInit := false
	for _, e := range entries {
		if e.Proposal.ProposalType == ProposalTypeReInit {
			hasReInit = true
		}
	}
	if hasReInit && len(entries) > 1 {
		if mode == FilterModeValidate {
			return ProposalBundle{}, ProposalSetEffects{}, newError(ErrReInitMustBeSoleProposal, "")
		}
		for _, e := range entries {
			if e.Proposal.ProposalType != ProposalTypeReInit {
				effects.RejectedProposals = append(effects.RejectedProposals, RejectedProposal{
					Proposal: e.Proposal, Sender: e.Sender, Reason: newError(ErrReInitMustBeSoleProposal, ""),
				})
				continue
			}
			accepted = append(accepted, e)
		}
		entries = accepted
		accepted = accepted[:0]
	}

	// Rule: at most one proposal per leaf index across Remove/Update.
	seenLeaf := map[leafIndex]bool{}
	// Rule: at most one GroupContextExtensions proposal.
	seenGCE := false
	// Rule: PSK IDs unique within the set.
	seenPsk := map[string]bool{}

	for _, e := range entries {
		switch e.Proposal.ProposalType {
		case ProposalTypeUpdate:
			idx := ctx.CommitterSender.LeafIndex
			if e.Sender.SenderType == SenderTypeMember {
				idx = e.Sender.LeafIndex
			}
			if seenLeaf[idx] {
				if err := reject(e, ErrMoreThanOneProposalForLeaf, ""); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			if ctx.CommitterSender.SenderType == SenderTypeMember && idx == ctx.CommitterSender.LeafIndex && !ctx.IsExternalCommit {
				if err := reject(e, ErrInvalidCommitSelfUpdate, "committer may not include its own update"); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			seenLeaf[idx] = true
			accepted = append(accepted, e)

		case ProposalTypeRemove:
			idx := e.Proposal.Remove.Removed
			if seenLeaf[idx] {
				if err := reject(e, ErrMoreThanOneProposalForLeaf, ""); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			if ctx.CommitterSender.SenderType == SenderTypeMember && idx == ctx.CommitterSender.LeafIndex {
				if err := reject(e, ErrCommitterSelfRemoval, ""); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			if !ctx.LiveLeaves[idx] {
				if err := reject(e, ErrRatchetTree, "remove of blank or unknown leaf"); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			seenLeaf[idx] = true
			accepted = append(accepted, e)

		case ProposalTypeGroupContextExtensions:
			if seenGCE {
				if err := reject(e, ErrMoreThanOneGroupContextExtensions, ""); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			seenGCE = true
			accepted = append(accepted, e)

		case ProposalTypeExternalInit:
			if !ctx.IsExternalCommit {
				if err := reject(e, ErrInvalidProposalTypeForProposer, "external_init outside an external commit"); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			accepted = append(accepted, e)

		case ProposalTypePsk:
			key := pskDedupeKey(e.Proposal.Psk.Psk)
			if seenPsk[key] {
				if err := reject(e, ErrDuplicatePskIds, ""); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			if len(e.Proposal.Psk.Psk.PskNonce) != ctx.CS.HashSize() {
				if err := reject(e, ErrRatchetTree, "psk nonce length mismatch"); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			seenPsk[key] = true
			accepted = append(accepted, e)

		case ProposalTypeReInit:
			if e.Proposal.ReInit.Version < 1 {
				if err := reject(e, ErrInvalidProtocolVersionInReInit, ""); err != nil {
					return ProposalBundle{}, ProposalSetEffects{}, err
				}
				continue
			}
			accepted = append(accepted, e)

		case ProposalTypeAdd:
			if ctx.ValidateAdd != nil {
				if err := ctx.ValidateAdd(*e.Proposal.Add); err != nil {
					if rErr := reject(e, ErrKeyPackageValidation, err.Error()); rErr != nil {
						return ProposalBundle{}, ProposalSetEffects{}, rErr
					}
					continue
				}
			}
			accepted = append(accepted, e)

		default:
			accepted = append(accepted, e)
		}
	}

	if ctx.CommitterSender.SenderType == SenderTypeExternal {
		return ProposalBundle{}, ProposalSetEffects{}, newError(ErrInvalidProposalTypeForProposer, "preconfigured sender may not commit")
	}

	if ctx.IsExternalCommit {
		if err := checkExternalCommitShape(mode, &accepted); err != nil {
			return ProposalBundle{}, ProposalSetEffects{}, err
		}
	}

	bundle := bundleFrom(accepted)
	effects = computeEffects(bundle, effects)
	effects.PathUpdateRequired = pathRequired(bundle)

	return bundle, effects, nil
}

func pskDedupeKey(id PreSharedKeyID) string {
	if id.PskType == PskTypeExternal {
		return "ext:" + string(id.PskID)
	}
	return "res:" + string(id.PskGroupID) + ":" + strconv.FormatUint(id.PskEpoch, 10)
}

// checkExternalCommitShape enforces spec.md §4.D's external-commit rules:
// exactly one ExternalInit, at most one Remove, no Add/Update/
// GroupContextExtensions/ReInit/Custom.
func checkExternalCommitShape(mode FilterMode, accepted *[]cachedProposal) error {
	var kept []cachedProposal
	externalInits, removes := 0, 0
	for _, e := range *accepted {
		switch e.Proposal.ProposalType {
		case ProposalTypeExternalInit:
			externalInits++
			kept = append(kept, e)
		case ProposalTypeRemove:
			removes++
			if removes > 1 {
				if mode == FilterModeValidate {
					return newError(ErrExternalCommitWithMoreThanOneRemove, "")
				}
				continue
			}
			kept = append(kept, e)
		case ProposalTypePsk:
			kept = append(kept, e)
		case ProposalTypeAdd, ProposalTypeUpdate, ProposalTypeGroupContextExtensions, ProposalTypeReInit, ProposalTypeCustom:
			if mode == FilterModeValidate {
				return newError(ErrInvalidProposalTypeForProposer, "disallowed in external commit")
			}
			continue
		default:
			if mode == FilterModeValidate {
				return newError(ErrInvalidProposalTypeForProposer, "disallowed in external commit")
			}
			continue
		}
	}
	if externalInits != 1 {
		return newError(ErrExternalCommitMustHaveExactlyOneExternalInit, "")
	}
	*accepted = kept
	return nil
}

func computeEffects(b ProposalBundle, effects ProposalSetEffects) ProposalSetEffects {
	for _, e := range b.Adds {
		effects.Adds = append(effects.Adds, *e.Proposal.Add)
	}
	for _, e := range b.Updates {
		idx := e.Sender.LeafIndex
		effects.Updates[idx] = *e.Proposal.Update
	}
	for _, e := range b.Removes {
		effects.RemovedLeaves = append(effects.RemovedLeaves, e.Proposal.Remove.Removed)
	}
	for _, e := range b.Psks {
		effects.Psks = append(effects.Psks, e.Proposal.Psk.Psk)
	}
	for _, e := range b.ReInits {
		effects.ReInit = e.Proposal.ReInit
	}
	for _, e := range b.ExternalInits {
		effects.ExternalInit = e.Proposal.ExternalInit
	}
	for _, e := range b.GroupContextExtensions {
		effects.GroupContextExt = &e.Proposal.GroupContextExtensions.Extensions
	}
	for _, e := range b.Customs {
		effects.Customs = append(effects.Customs, *e.Proposal.Custom)
	}
	sort.Slice(effects.RemovedLeaves, func(i, j int) bool { return effects.RemovedLeaves[i] < effects.RemovedLeaves[j] })
	return effects
}

// pathRequired implements spec.md §4.D: path is required iff the bundle
// contains any Update, Remove, GroupContextExtensions, ExternalInit, or is
// empty, or any Custom's path_required bit is set.
func pathRequired(b ProposalBundle) bool {
	if len(b.all()) == 0 {
		return true
	}
	if len(b.Updates) > 0 || len(b.Removes) > 0 || len(b.GroupContextExtensions) > 0 || len(b.ExternalInits) > 0 {
		return true
	}
	for _, e := range b.Customs {
		if e.Proposal.Custom.PathRequired {
			return true
		}
	}
	return false
}

// Idempotence (spec.md P7): re-filtering an already-accepted bundle in
// FilterModeFilterOut mode must be a no-op since every rule above is a
// pure function of (ctx, entries) with no side effects beyond rejection.

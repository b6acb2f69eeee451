package mls

import (
	syntax "github.com/cisco/go-tls-syntax"
)

// ProposalType tags the variant carried by a Proposal (spec.md §3).
type ProposalType uint16

const (
	ProposalTypeAdd                    ProposalType = 1
	ProposalTypeUpdate                 ProposalType = 2
	ProposalTypeRemove                 ProposalType = 3
	ProposalTypePsk                    ProposalType = 4
	ProposalTypeReInit                 ProposalType = 5
	ProposalTypeExternalInit           ProposalType = 6
	ProposalTypeGroupContextExtensions ProposalType = 7
	ProposalTypeCustom                 ProposalType = 0xff00
)

// SenderType distinguishes who is credited with a proposal or commit
// (spec.md §4.D external-commit rules).
type SenderType uint8

const (
	SenderTypeMember            SenderType = 1
	SenderTypeExternal          SenderType = 2 // PreconfiguredSender, may not commit
	SenderTypeNewMemberProposal SenderType = 3
	SenderTypeNewMemberCommit   SenderType = 4
)

type Sender struct {
	SenderType SenderType
	LeafIndex  leafIndex // meaningful only when SenderType == Member
}

func memberSender(l leafIndex) Sender {
	return Sender{SenderType: SenderTypeMember, LeafIndex: l}
}

// AddProposal inserts a new member's KeyPackage at the leftmost blank leaf
// or extends the tree (spec.md §3).
type AddProposal struct {
	KeyPackage KeyPackage
}

// UpdateProposal replaces the sender's own leaf.
type UpdateProposal struct {
	LeafNode LeafNode
}

// RemoveProposal blanks a leaf.
type RemoveProposal struct {
	Removed leafIndex
}

// PreSharedKeyID names an external or resumption PSK (spec.md §4.E).
type PskType uint8

const (
	PskTypeExternal   PskType = 1
	PskTypeResumption PskType = 2
)

type ResumptionPSKUsage uint8

const (
	ResumptionPSKUsageApplication ResumptionPSKUsage = 1
	ResumptionPSKUsageReInit      ResumptionPSKUsage = 2
	ResumptionPSKUsageBranch      ResumptionPSKUsage = 3
)

type PreSharedKeyID struct {
	PskType        PskType
	PskID          []byte `tls:"head=2"` // external PSK ID
	PskGroupID     []byte `tls:"head=1"` // resumption: group id
	PskEpoch       uint64 // resumption: epoch
	PskUsage       ResumptionPSKUsage
	PskNonce       []byte `tls:"head=1"`
}

type PskProposal struct {
	Psk PreSharedKeyID
}

// ReInitProposal terminates the group and names a successor's parameters.
type ReInitProposal struct {
	GroupID     []byte `tls:"head=1"`
	Version     uint16
	CipherSuite CipherSuite
	Extensions  ExtensionList
}

// ExternalInitProposal carries the kem_output an external joiner used to
// derive the commit_secret (spec.md §4.D external-commit rules).
type ExternalInitProposal struct {
	KemOutput []byte `tls:"head=2"`
}

// GroupContextExtensionsProposal atomically replaces the group's extension
// list.
type GroupContextExtensionsProposal struct {
	Extensions ExtensionList
}

// CustomProposal carries an application-defined payload. PathRequired
// lets an application declare that processing this proposal always forces
// an UpdatePath, per spec.md §4.D's path-requirement rule.
type CustomProposal struct {
	ProposalType ProposalType
	Body         []byte `tls:"head=4"`
	PathRequired bool
}

// Proposal is the tagged union spec.md §3 describes. Exactly one of the
// variant fields is meaningful, selected by ProposalType.
type Proposal struct {
	ProposalType           ProposalType
	Add                    *AddProposal
	Update                 *UpdateProposal
	Remove                 *RemoveProposal
	Psk                    *PskProposal
	ReInit                 *ReInitProposal
	ExternalInit           *ExternalInitProposal
	GroupContextExtensions *GroupContextExtensionsProposal
	Custom                 *CustomProposal
}

func NewAddProposal(kp KeyPackage) Proposal {
	return Proposal{ProposalType: ProposalTypeAdd, Add: &AddProposal{KeyPackage: kp}}
}

func NewUpdateProposal(ln LeafNode) Proposal {
	return Proposal{ProposalType: ProposalTypeUpdate, Update: &UpdateProposal{LeafNode: ln}}
}

func NewRemoveProposal(idx leafIndex) Proposal {
	return Proposal{ProposalType: ProposalTypeRemove, Remove: &RemoveProposal{Removed: idx}}
}

func NewPskProposal(id PreSharedKeyID) Proposal {
	return Proposal{ProposalType: ProposalTypePsk, Psk: &PskProposal{Psk: id}}
}

func NewReInitProposal(groupID []byte, version uint16, suite CipherSuite, ext ExtensionList) Proposal {
	return Proposal{ProposalType: ProposalTypeReInit, ReInit: &ReInitProposal{
		GroupID: groupID, Version: version, CipherSuite: suite, Extensions: ext,
	}}
}

func NewExternalInitProposal(kemOutput []byte) Proposal {
	return Proposal{ProposalType: ProposalTypeExternalInit, ExternalInit: &ExternalInitProposal{KemOutput: kemOutput}}
}

func NewGroupContextExtensionsProposal(ext ExtensionList) Proposal {
	return Proposal{ProposalType: ProposalTypeGroupContextExtensions, GroupContextExtensions: &GroupContextExtensionsProposal{Extensions: ext}}
}

func NewCustomProposal(t ProposalType, body []byte, pathRequired bool) Proposal {
	return Proposal{ProposalType: t, Custom: &CustomProposal{ProposalType: t, Body: body, PathRequired: pathRequired}}
}

// MarshalTLS implements syntax.Marshaler so a Proposal can appear directly
// in TLS-tagged containers (ProposalOrRef, FramedContent) without each
// caller re-deriving the tag/body split.
func (p Proposal) MarshalTLS() ([]byte, error) {
	var body []byte
	var err error
	switch p.ProposalType {
	case ProposalTypeAdd:
		body, err = syntax.Marshal(*p.Add)
	case ProposalTypeUpdate:
		body, err = syntax.Marshal(*p.Update)
	case ProposalTypeRemove:
		body, err = syntax.Marshal(*p.Remove)
	case ProposalTypePsk:
		body, err = syntax.Marshal(*p.Psk)
	case ProposalTypeReInit:
		body, err = syntax.Marshal(*p.ReInit)
	case ProposalTypeExternalInit:
		body, err = syntax.Marshal(*p.ExternalInit)
	case ProposalTypeGroupContextExtensions:
		body, err = syntax.Marshal(*p.GroupContextExtensions)
	default:
		body, err = syntax.Marshal(*p.Custom)
	}
	if err != nil {
		return nil, err
	}

	wrapper := struct {
		ProposalType ProposalType
		Body         []byte `tls:"head=4"`
	}{p.ProposalType, body}
	return syntax.Marshal(wrapper)
}

func (p *Proposal) UnmarshalTLS(data []byte) (int, error) {
	var wrapper struct {
		ProposalType ProposalType
		Body         []byte `tls:"head=4"`
	}
	read, err := syntax.Unmarshal(data, &wrapper)
	if err != nil {
		return 0, err
	}

	p.ProposalType = wrapper.ProposalType
	switch wrapper.ProposalType {
	case ProposalTypeAdd:
		var v AddProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		p.Add = &v
	case ProposalTypeUpdate:
		var v UpdateProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		p.Update = &v
	case ProposalTypeRemove:
		var v RemoveProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		p.Remove = &v
	case ProposalTypePsk:
		var v PskProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		p.Psk = &v
	case ProposalTypeReInit:
		var v ReInitProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		p.ReInit = &v
	case ProposalTypeExternalInit:
		var v ExternalInitProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		p.ExternalInit = &v
	case ProposalTypeGroupContextExtensions:
		var v GroupContextExtensionsProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		p.GroupContextExtensions = &v
	default:
		var v CustomProposal
		if _, err := syntax.Unmarshal(wrapper.Body, &v); err != nil {
			return 0, err
		}
		v.ProposalType = wrapper.ProposalType
		p.Custom = &v
	}
	return read, nil
}

// requiresPath reports whether, in isolation, this proposal forces an
// UpdatePath on the commit that includes it (spec.md §4.D).
func (p Proposal) requiresPath() bool {
	switch p.ProposalType {
	case ProposalTypeUpdate, ProposalTypeRemove, ProposalTypeGroupContextExtensions, ProposalTypeExternalInit:
		return true
	default:
		return p.Custom != nil && p.Custom.PathRequired
	}
}

// ProposalRef is a hash-reference over a proposal's signed envelope,
// keyed by label "MLS 1.0 Proposal Reference" (spec.md §3/§6).
type ProposalRef [16]byte

const refLabelProposal = "MLS 1.0 Proposal Reference"

// proposalRefInput is the minimal signed-envelope shape sufficient
// to compute a stable reference; the real signed bytes live in the
// FramedContent carrying the proposal (framing.go), but a ref can be
// derived from {sender, proposal} alone as aws-mls does.
type proposalRefInput struct {
	Sender   Sender
	Proposal Proposal
}

func proposalToRef(cs CipherSuiteProvider, sender Sender, p Proposal) (ProposalRef, error) {
	encoded, err := syntax.Marshal(proposalRefInput{Sender: sender, Proposal: p})
	if err != nil {
		return ProposalRef{}, err
	}
	refKey := cs.ExpandWithLabel(cs.Hash([]byte(refLabelProposal)), refLabelProposal, nil, cs.HashSize())
	mac := cs.Mac(refKey, encoded)
	var ref ProposalRef
	copy(ref[:], mac[:16])
	return ref, nil
}

// ProposalOrRef is a Commit's list entry: either a proposal embedded by
// value (typically from the committer's own pending set) or a reference
// into the proposal cache (spec.md §3).
type ProposalOrRef struct {
	IsReference bool
	Value       *Proposal
	Reference   ProposalRef
}

func proposalByValue(p Proposal) ProposalOrRef {
	return ProposalOrRef{IsReference: false, Value: &p}
}

func proposalByRef(ref ProposalRef) ProposalOrRef {
	return ProposalOrRef{IsReference: true, Reference: ref}
}

func (por ProposalOrRef) MarshalTLS() ([]byte, error) {
	if por.IsReference {
		wrapper := struct {
			IsReference bool
			Reference   ProposalRef
		}{true, por.Reference}
		return syntax.Marshal(wrapper)
	}
	body, err := syntax.Marshal(*por.Value)
	if err != nil {
		return nil, err
	}
	wrapper := struct {
		IsReference bool
		Value       []byte `tls:"head=4"`
	}{false, body}
	return syntax.Marshal(wrapper)
}

func (por *ProposalOrRef) UnmarshalTLS(data []byte) (int, error) {
	var tag struct {
		IsReference bool
	}
	if _, err := syntax.Unmarshal(data, &tag); err != nil {
		return 0, err
	}
	if tag.IsReference {
		var wrapper struct {
			IsReference bool
			Reference   ProposalRef
		}
		read, err := syntax.Unmarshal(data, &wrapper)
		if err != nil {
			return 0, err
		}
		por.IsReference = true
		por.Reference = wrapper.Reference
		return read, nil
	}

	var wrapper struct {
		IsReference bool
		Value       []byte `tls:"head=4"`
	}
	read, err := syntax.Unmarshal(data, &wrapper)
	if err != nil {
		return 0, err
	}
	var p Proposal
	if _, err := syntax.Unmarshal(wrapper.Value, &p); err != nil {
		return 0, err
	}
	por.IsReference = false
	por.Value = &p
	return read, nil
}

// cachedProposal is what the GroupState's proposal cache stores per
// ProposalRef: the proposal plus who sent it (spec.md §3 GroupState).
type cachedProposal struct {
	Proposal Proposal
	Sender   Sender
}

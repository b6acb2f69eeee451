package mls

import (
	syntax "github.com/cisco/go-tls-syntax"
)

// LeafNodeSource records why a LeafNode was (re)signed, which also
// determines whether its signature binds a (group_id, leaf_index) context
// (spec.md §4.B).
type LeafNodeSource uint8

const (
	LeafNodeSourceKeyPackage LeafNodeSource = 1
	LeafNodeSourceUpdate     LeafNodeSource = 2
	LeafNodeSourceCommit     LeafNodeSource = 3
)

// Capabilities advertises what a member's client understands, used by the
// proposal filter to validate RequiredCapabilities extensions.
type Capabilities struct {
	Versions        []uint16 `tls:"head=1"`
	Ciphersuites    []uint16 `tls:"head=1"`
	Extensions      []uint16 `tls:"head=1"`
	ProposalTypes   []uint16 `tls:"head=1"`
	CredentialTypes []uint16 `tls:"head=1"`
}

func defaultCapabilities(suite CipherSuite) Capabilities {
	return Capabilities{
		Versions:        []uint16{1},
		Ciphersuites:    []uint16{uint16(suite)},
		Extensions:      []uint16{},
		ProposalTypes:   []uint16{uint16(ProposalTypeAdd), uint16(ProposalTypeUpdate), uint16(ProposalTypeRemove), uint16(ProposalTypePsk), uint16(ProposalTypeReInit), uint16(ProposalTypeExternalInit), uint16(ProposalTypeGroupContextExtensions)},
		CredentialTypes: []uint16{uint16(CredentialTypeBasic)},
	}
}

func (c Capabilities) supportsCiphersuite(suite CipherSuite) bool {
	for _, cs := range c.Ciphersuites {
		if CipherSuite(cs) == suite {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsExtension(ext uint16) bool {
	for _, e := range c.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// Lifetime bounds the validity window of a LeafNode sourced from a
// KeyPackage, checked against a caller-supplied clock (spec.md §4.B).
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (l Lifetime) validAt(now MlsTime) bool {
	return now.UnixSeconds >= l.NotBefore && now.UnixSeconds <= l.NotAfter
}

// ExtensionList is an opaque, typed bag of TLS-encoded extensions. Unknown
// extension types pass through unmodified (spec.md Non-goals: forward
// compatibility with unknown wire-format extensions is pass-through only).
type Extension struct {
	ExtensionType uint16
	ExtensionData []byte `tls:"head=4"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=4"`
}

func (el ExtensionList) Get(t uint16) (Extension, bool) {
	for _, e := range el.Entries {
		if e.ExtensionType == t {
			return e, true
		}
	}
	return Extension{}, false
}

func (el *ExtensionList) Set(e Extension) {
	for i, existing := range el.Entries {
		if existing.ExtensionType == e.ExtensionType {
			el.Entries[i] = e
			return
		}
	}
	el.Entries = append(el.Entries, e)
}

const (
	ExtensionTypeRequiredCapabilities uint16 = 3
	ExtensionTypeParentHash          uint16 = 4
	ExtensionTypeRatchetTree         uint16 = 2
)

// RequiredCapabilitiesExt lists extensions/proposal/credential types every
// member of the group must support, carried as a GroupContextExtensions
// value and checked against each LeafNode's Capabilities during
// validation (spec.md §4.B "required-capabilities extension").
type RequiredCapabilitiesExt struct {
	ExtensionTypes   []uint16 `tls:"head=1"`
	ProposalTypes    []uint16 `tls:"head=1"`
	CredentialTypes  []uint16 `tls:"head=1"`
}

// ParentHashExt carries the parent hash of a Commit-sourced LeafNode's
// direct parent, required so the tree's parent-hash chain (spec.md §3
// RatchetTree invariant b) can be checked against the signed leaf.
type ParentHashExt struct {
	ParentHash []byte `tls:"head=1"`
}

// LeafNode is one member's public tree state (spec.md §3).
type LeafNode struct {
	HpkePublicKey   []byte `tls:"head=1"`
	SigningIdentity SigningIdentity
	Capabilities    Capabilities
	Source          LeafNodeSource
	Lifetime        Lifetime     // only meaningful when Source == KeyPackage
	ParentHash      []byte       `tls:"head=1"` // only meaningful when Source == Commit
	Extensions      ExtensionList
	Signature       []byte `tls:"head=1"`
}

// leafNodeTBSContext is the (group_id, leaf_index) binding required for
// Update/Commit-sourced leaves (spec.md §4.B); KeyPackage-sourced leaves
// sign with an empty context.
type leafNodeTBSContext struct {
	GroupID   []byte `tls:"head=1"`
	LeafIndex uint32
}

type leafNodeTBS struct {
	HpkePublicKey   []byte `tls:"head=1"`
	SigningIdentity SigningIdentity
	Capabilities    Capabilities
	Source          LeafNodeSource
	Lifetime        Lifetime
	ParentHash      []byte `tls:"head=1"`
	Extensions      ExtensionList
	Context         []byte `tls:"head=4"` // empty for KeyPackage source
}

func (l *LeafNode) signableBytes(groupID []byte, leafIndex leafIndex) ([]byte, error) {
	var ctxBytes []byte
	if l.Source != LeafNodeSourceKeyPackage {
		ctx := leafNodeTBSContext{GroupID: groupID, LeafIndex: uint32(leafIndex)}
		b, err := syntax.Marshal(ctx)
		if err != nil {
			return nil, err
		}
		ctxBytes = b
	}

	tbs := leafNodeTBS{
		HpkePublicKey:   l.HpkePublicKey,
		SigningIdentity: l.SigningIdentity,
		Capabilities:    l.Capabilities,
		Source:          l.Source,
		Lifetime:        l.Lifetime,
		ParentHash:      l.ParentHash,
		Extensions:      l.Extensions,
		Context:         ctxBytes,
	}
	return syntax.Marshal(tbs)
}

const signLabelLeafNode = "LeafNodeTBS"

// Sign binds the leaf body plus, for Update/Commit sources, the
// (group_id, leaf_index) context under label "LeafNodeTBS" (spec.md §4.B).
func (l *LeafNode) Sign(cs CipherSuiteProvider, priv []byte, groupID []byte, leafIndex leafIndex) error {
	content, err := l.signableBytes(groupID, leafIndex)
	if err != nil {
		return err
	}
	sig, err := cs.Sign(priv, append([]byte(signLabelLeafNode), content...))
	if err != nil {
		return err
	}
	l.Signature = sig
	return nil
}

// Verify checks the leaf's self-signature.
func (l *LeafNode) Verify(cs CipherSuiteProvider, groupID []byte, leafIndex leafIndex) error {
	content, err := l.signableBytes(groupID, leafIndex)
	if err != nil {
		return err
	}
	if !cs.Verify(l.SigningIdentity.SignatureKey, append([]byte(signLabelLeafNode), content...), l.Signature) {
		return newError(ErrSignatureInvalid, "leaf node")
	}
	return nil
}

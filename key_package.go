package mls

import (
	"sync"

	syntax "github.com/cisco/go-tls-syntax"
)

// KeyPackage is a LeafNode plus version/ciphersuite/init-key and its own
// signature (spec.md §3).
type KeyPackage struct {
	Version       uint16
	CipherSuite   CipherSuite
	HpkeInitKey   []byte `tls:"head=1"`
	LeafNode      LeafNode
	Extensions    ExtensionList
	Signature     []byte `tls:"head=1"`
}

type keyPackageTBS struct {
	Version     uint16
	CipherSuite CipherSuite
	HpkeInitKey []byte `tls:"head=1"`
	LeafNode    LeafNode
	Extensions  ExtensionList
}

const signLabelKeyPackage = "KeyPackageTBS"

func (kp *KeyPackage) signableBytes() ([]byte, error) {
	tbs := keyPackageTBS{
		Version:     kp.Version,
		CipherSuite: kp.CipherSuite,
		HpkeInitKey: kp.HpkeInitKey,
		LeafNode:    kp.LeafNode,
		Extensions:  kp.Extensions,
	}
	return syntax.Marshal(tbs)
}

// Sign binds version, ciphersuite, init key, leaf node, and extensions
// under label "KeyPackageTBS" (spec.md §4.B).
func (kp *KeyPackage) Sign(cs CipherSuiteProvider, priv []byte) error {
	content, err := kp.signableBytes()
	if err != nil {
		return err
	}
	sig, err := cs.Sign(priv, append([]byte(signLabelKeyPackage), content...))
	if err != nil {
		return err
	}
	kp.Signature = sig
	return nil
}

func (kp *KeyPackage) Verify(cs CipherSuiteProvider) error {
	content, err := kp.signableBytes()
	if err != nil {
		return err
	}
	if !cs.Verify(kp.LeafNode.SigningIdentity.SignatureKey, append([]byte(signLabelKeyPackage), content...), kp.Signature) {
		return newError(ErrSignatureInvalid, "key package")
	}
	return nil
}

// KeyPackageRef is a 16-byte MAC-based hash reference (spec.md §3/§6).
type KeyPackageRef [16]byte

const refLabelKeyPackage = "MLS 1.0 KeyPackage Reference"

// ToReference computes the KeyPackageRef per spec.md §4.B: a MAC over the
// serialized KeyPackage keyed by the ciphersuite's reference-derivation
// key under the fixed label.
func (kp *KeyPackage) ToReference(cs CipherSuiteProvider) (KeyPackageRef, error) {
	if kp.CipherSuite != cs.Suite() {
		return KeyPackageRef{}, newError(ErrUnsupportedCiphersuite, "key package / provider mismatch")
	}
	encoded, err := syntax.Marshal(kp)
	if err != nil {
		return KeyPackageRef{}, err
	}
	refKey := cs.ExpandWithLabel(cs.Hash([]byte(refLabelKeyPackage)), refLabelKeyPackage, nil, cs.HashSize())
	mac := cs.Mac(refKey, encoded)
	var ref KeyPackageRef
	copy(ref[:], mac[:16])
	return ref, nil
}

// KeyPackageValidationOptions governs which checks ValidateKeyPackage
// performs; ApplyLifetimeCheck is nil to skip the clock-based check (e.g.
// when the caller has no reliable wall clock).
type KeyPackageValidationOptions struct {
	ApplyLifetimeCheck *MlsTime
	RequiredCapabilities *RequiredCapabilitiesExt
}

// ValidateKeyPackage rejects a key package per spec.md §4.B: invalid
// signature, expired lifetime, capabilities missing required items,
// invalid credential, or ciphersuite mismatch.
func ValidateKeyPackage(kp *KeyPackage, cs CipherSuiteProvider, idp IdentityProvider, opts KeyPackageValidationOptions) error {
	if kp.CipherSuite != cs.Suite() {
		return newError(ErrKeyPackageValidation, "ciphersuite mismatch")
	}
	if err := kp.Verify(cs); err != nil {
		return wrapError(ErrKeyPackageValidation, "signature", err)
	}
	if err := kp.LeafNode.Verify(cs, nil, 0); err != nil {
		return wrapError(ErrKeyPackageValidation, "leaf signature", err)
	}
	if kp.LeafNode.Source != LeafNodeSourceKeyPackage {
		return newError(ErrKeyPackageValidation, "leaf source must be key_package")
	}
	if opts.ApplyLifetimeCheck != nil && !kp.LeafNode.Lifetime.validAt(*opts.ApplyLifetimeCheck) {
		return newError(ErrKeyPackageValidation, "lifetime expired")
	}
	if opts.RequiredCapabilities != nil {
		if err := checkRequiredCapabilities(kp.LeafNode.Capabilities, *opts.RequiredCapabilities); err != nil {
			return err
		}
	}
	if err := idp.Validate(kp.LeafNode.SigningIdentity, timeOrZero(opts.ApplyLifetimeCheck)); err != nil {
		return wrapError(ErrKeyPackageValidation, "credential", err)
	}
	return nil
}

func timeOrZero(t *MlsTime) MlsTime {
	if t == nil {
		return MlsTime{}
	}
	return *t
}

func checkRequiredCapabilities(have Capabilities, want RequiredCapabilitiesExt) error {
	haveExt := map[uint16]bool{}
	for _, e := range have.Extensions {
		haveExt[e] = true
	}
	for _, e := range want.ExtensionTypes {
		if !haveExt[e] {
			return newError(ErrKeyPackageValidation, "missing required extension")
		}
	}
	haveProp := map[uint16]bool{}
	for _, p := range have.ProposalTypes {
		haveProp[p] = true
	}
	for _, p := range want.ProposalTypes {
		if !haveProp[p] {
			return newError(ErrKeyPackageValidation, "missing required proposal type")
		}
	}
	haveCred := map[uint16]bool{}
	for _, c := range have.CredentialTypes {
		haveCred[c] = true
	}
	for _, c := range want.CredentialTypes {
		if !haveCred[c] {
			return newError(ErrKeyPackageValidation, "missing required credential type")
		}
	}
	return nil
}

// KeyPackageStore is the single-use key-package capability from spec.md
// §5: the engine consumes at most one KeyPackageRef per Add and requires
// NotFound on subsequent lookups.
type KeyPackageStore interface {
	Insert(kp KeyPackage, priv []byte) (KeyPackageRef, error)
	Get(ref KeyPackageRef) (KeyPackage, []byte, bool)
	Consume(ref KeyPackageRef) (KeyPackage, []byte, error)
}

type memoryKeyPackageStore struct {
	mu   sync.Mutex
	cs   CipherSuiteProvider
	data map[KeyPackageRef]struct {
		kp   KeyPackage
		priv []byte
	}
}

func NewMemoryKeyPackageStore(cs CipherSuiteProvider) KeyPackageStore {
	return &memoryKeyPackageStore{
		cs: cs,
		data: map[KeyPackageRef]struct {
			kp   KeyPackage
			priv []byte
		}{},
	}
}

func (s *memoryKeyPackageStore) Insert(kp KeyPackage, priv []byte) (KeyPackageRef, error) {
	ref, err := kp.ToReference(s.cs)
	if err != nil {
		return KeyPackageRef{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[ref] = struct {
		kp   KeyPackage
		priv []byte
	}{kp, priv}
	return ref, nil
}

func (s *memoryKeyPackageStore) Get(ref KeyPackageRef) (KeyPackage, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[ref]
	return entry.kp, entry.priv, ok
}

// Consume removes and returns the key package, so a repeated Add of the
// same KeyPackageRef returns KeyPackageNotFound (spec.md P4).
func (s *memoryKeyPackageStore) Consume(ref KeyPackageRef) (KeyPackage, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.data[ref]
	if !ok {
		return KeyPackage{}, nil, newError(ErrKeyPackageNotFound, "")
	}
	delete(s.data, ref)
	return entry.kp, entry.priv, nil
}

package mls

import "bytes"

// CredentialType distinguishes the two credential encodings carried in a
// LeafNode's SigningIdentity (spec.md §3 LeafNode).
type CredentialType uint16

const (
	CredentialTypeBasic CredentialType = 1
	CredentialTypeX509  CredentialType = 2
)

// Credential is the opaque identity payload bound by a member's signature
// key. BasicCredential wraps a raw identity string; X.509 chains are
// represented as their DER-encoded certificate bytes, one per entry.
type Credential struct {
	CredentialType CredentialType
	Identity       []byte   // BasicCredential
	Chain          [][]byte // X509 certificate chain, leaf-first
}

func BasicCredential(identity []byte) Credential {
	return Credential{CredentialType: CredentialTypeBasic, Identity: identity}
}

// SigningIdentity binds a credential to the signature verification key
// that must have produced every signature attributed to this member.
type SigningIdentity struct {
	SignatureKey []byte
	Credential   Credential
}

func (s SigningIdentity) Equal(o SigningIdentity) bool {
	return bytes.Equal(s.SignatureKey, o.SignatureKey) && credentialsEqual(s.Credential, o.Credential)
}

func credentialsEqual(a, b Credential) bool {
	if a.CredentialType != b.CredentialType {
		return false
	}
	if a.CredentialType == CredentialTypeBasic {
		return bytes.Equal(a.Identity, b.Identity)
	}
	if len(a.Chain) != len(b.Chain) {
		return false
	}
	for i := range a.Chain {
		if !bytes.Equal(a.Chain[i], b.Chain[i]) {
			return false
		}
	}
	return true
}

// IdentityProvider is the credential-validation capability spec.md §1/§4.B
// delegates to an external collaborator. Identity returns an opaque,
// comparable identifier used to detect whether two SigningIdentity values
// represent "the same person" across an Update/external-commit rotation.
type IdentityProvider interface {
	Validate(identity SigningIdentity, now MlsTime) error
	Identity(identity SigningIdentity) ([]byte, error)
	// ValidSuccessor reports whether newIdentity may replace oldIdentity
	// for the same member (credential rotation via group.go's
	// CommitBuilder.SetNewSigningIdentity, grounded on aws-mls's commit_can_change_credential).
	ValidSuccessor(oldIdentity, newIdentity SigningIdentity) (bool, error)
}

// BasicIdentityProvider treats the raw BasicCredential bytes as the
// identity, accepting any credential whose identity is non-empty and
// requiring a rotation to keep the same identity bytes. Grounded on
// aws-mls's BasicIdentityProvider test fixture referenced throughout
// key_package/mod.rs and commit.rs.
type BasicIdentityProvider struct{}

func NewBasicIdentityProvider() *BasicIdentityProvider { return &BasicIdentityProvider{} }

func (BasicIdentityProvider) Validate(identity SigningIdentity, _ MlsTime) error {
	if identity.Credential.CredentialType != CredentialTypeBasic {
		return newError(ErrLeafNodeValidation, "unsupported credential type")
	}
	if len(identity.Credential.Identity) == 0 {
		return newError(ErrLeafNodeValidation, "empty identity")
	}
	return nil
}

func (BasicIdentityProvider) Identity(identity SigningIdentity) ([]byte, error) {
	return identity.Credential.Identity, nil
}

func (BasicIdentityProvider) ValidSuccessor(oldIdentity, newIdentity SigningIdentity) (bool, error) {
	return bytes.Equal(oldIdentity.Credential.Identity, newIdentity.Credential.Identity), nil
}

// MlsTime is a caller-supplied clock reading used for lifetime checks
// (spec.md §4.B). Using an explicit type instead of time.Time keeps
// lifetime validation deterministic and testable without wall-clock
// dependence.
type MlsTime struct {
	UnixSeconds uint64
}

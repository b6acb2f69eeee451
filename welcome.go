package mls

import (
	syntax "github.com/cisco/go-tls-syntax"
)

// GroupSecrets is the payload a Welcome seals to each new member: the
// joiner secret plus, when the committer's update path does not already
// give the new leaf every ancestor secret it needs, the path secret at
// their first common ancestor with the committer (spec.md §4.H).
type GroupSecrets struct {
	JoinerSecret []byte            `tls:"head=1"`
	PathSecret   []byte            `tls:"head=1"` // empty means absent
	Psks         []PreSharedKeyID  `tls:"head=2"`
}

func (gs GroupSecrets) hasPathSecret() bool { return len(gs.PathSecret) > 0 }

// EncryptedGroupSecrets addresses one new member's sealed GroupSecrets by
// the KeyPackageRef they advertised (spec.md §4.H).
type EncryptedGroupSecrets struct {
	NewMember  KeyPackageRef
	KemOutput  []byte `tls:"head=1"`
	Ciphertext []byte `tls:"head=4"`
}

const welcomeGroupSecretsInfo = "MLS 1.0 Welcome"

func sealGroupSecrets(cs CipherSuiteProvider, recipientPub []byte, ref KeyPackageRef, gs GroupSecrets) (EncryptedGroupSecrets, error) {
	pt, err := syntax.Marshal(gs)
	if err != nil {
		return EncryptedGroupSecrets{}, err
	}
	kemOutput, ct, err := cs.HpkeSeal(recipientPub, []byte(welcomeGroupSecretsInfo), nil, pt)
	if err != nil {
		return EncryptedGroupSecrets{}, err
	}
	return EncryptedGroupSecrets{NewMember: ref, KemOutput: kemOutput, Ciphertext: ct}, nil
}

func openGroupSecrets(cs CipherSuiteProvider, priv []byte, egs EncryptedGroupSecrets) (*GroupSecrets, error) {
	pt, err := cs.HpkeOpen(priv, egs.KemOutput, []byte(welcomeGroupSecretsInfo), nil, egs.Ciphertext)
	if err != nil {
		return nil, wrapError(ErrHpkeOpenFailed, "group secrets", err)
	}
	var gs GroupSecrets
	if _, err := syntax.Unmarshal(pt, &gs); err != nil {
		return nil, err
	}
	return &gs, nil
}

// GroupInfo is the signed snapshot of group state a Welcome carries so new
// members can validate the epoch they are joining (spec.md §4.H).
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          uint32
	Signature       []byte `tls:"head=2"`
}

const signLabelGroupInfo = "GroupInfoTBS"

type groupInfoTBS struct {
	GroupContext    GroupContext
	Extensions      ExtensionList
	ConfirmationTag []byte `tls:"head=1"`
	Signer          uint32
}

func (gi GroupInfo) signableBytes() ([]byte, error) {
	return syntax.Marshal(groupInfoTBS{gi.GroupContext, gi.Extensions, gi.ConfirmationTag, gi.Signer})
}

func (gi *GroupInfo) Sign(cs CipherSuiteProvider, signer leafIndex, priv []byte) error {
	gi.Signer = uint32(signer)
	content, err := gi.signableBytes()
	if err != nil {
		return err
	}
	sig, err := cs.Sign(priv, append([]byte(signLabelGroupInfo), content...))
	if err != nil {
		return err
	}
	gi.Signature = sig
	return nil
}

func (gi GroupInfo) Verify(cs CipherSuiteProvider, pub []byte) error {
	content, err := gi.signableBytes()
	if err != nil {
		return err
	}
	if !cs.Verify(pub, append([]byte(signLabelGroupInfo), content...), gi.Signature) {
		return newError(ErrSignatureInvalid, "group info")
	}
	return nil
}

// ratchetTreeExtension embeds a full serialized RatchetTree inside a
// GroupInfo so joiners without an out-of-band tree can still complete
// TreeKEM decryption (spec.md §4.H, Non-goals: the only tree-delivery mode
// this module supports is in-band, unlike implementations that also allow
// out-of-band tree sync).
func ratchetTreeExtension(tree *RatchetTree) (Extension, error) {
	data, err := tree.MarshalTLS()
	if err != nil {
		return Extension{}, err
	}
	return Extension{ExtensionType: ExtensionTypeRatchetTree, ExtensionData: data}, nil
}

func ratchetTreeFromExtensions(cs CipherSuiteProvider, ext ExtensionList) (*RatchetTree, error) {
	e, ok := ext.Get(ExtensionTypeRatchetTree)
	if !ok {
		return nil, newError(ErrRatchetTreeNotProvided, "")
	}
	tree := NewRatchetTree(cs)
	if _, err := syntax.Unmarshal(e.ExtensionData, tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// Welcome is the message a committer sends new members, one
// EncryptedGroupSecrets per joiner plus a single GroupInfo payload sealed
// under welcome_secret (spec.md §4.H).
type Welcome struct {
	CipherSuite        CipherSuite
	Secrets            []EncryptedGroupSecrets `tls:"head=4"`
	EncryptedGroupInfo []byte                  `tls:"head=4"`
}

// sealGroupInfo encrypts a signed GroupInfo under the epoch's
// welcome_secret-derived key/nonce (spec.md §4.H).
func sealGroupInfo(cs CipherSuiteProvider, welcomeSecret []byte, gi GroupInfo) ([]byte, error) {
	kn := groupInfoKeyAndNonce(cs, welcomeSecret)
	pt, err := syntax.Marshal(gi)
	if err != nil {
		return nil, err
	}
	return cs.AeadSeal(kn.Key, kn.Nonce, nil, pt)
}

func openGroupInfo(cs CipherSuiteProvider, welcomeSecret []byte, ct []byte) (*GroupInfo, error) {
	kn := groupInfoKeyAndNonce(cs, welcomeSecret)
	pt, err := cs.AeadOpen(kn.Key, kn.Nonce, nil, ct)
	if err != nil {
		return nil, wrapError(ErrAeadOpenFailed, "group info", err)
	}
	var gi GroupInfo
	if _, err := syntax.Unmarshal(pt, &gi); err != nil {
		return nil, err
	}
	return &gi, nil
}

// MakeWelcome assembles a Welcome for a set of newly added members, each
// addressed by their KeyPackage, given the joiner secret and psk set of
// the epoch the commit produced and the optional per-member path secret
// (nil when the committer's own path already reaches their ancestor, as
// when no Add precedes this commit) (spec.md §4.H, grounded on
// make_welcome_message in the retained design notes).
func MakeWelcome(cs CipherSuiteProvider, suite CipherSuite, joinerSecret []byte, pskSecret []byte, psks []PreSharedKeyID, gi GroupInfo, members []KeyPackage, pathSecretFor func(KeyPackage) []byte) (*Welcome, error) {
	welcomeSecret := deriveWelcomeSecret(cs, joinerSecret, pskSecret)

	encryptedGI, err := sealGroupInfo(cs, welcomeSecret, gi)
	if err != nil {
		return nil, err
	}

	secrets := make([]EncryptedGroupSecrets, 0, len(members))
	for _, kp := range members {
		ref, err := kp.ToReference(cs)
		if err != nil {
			return nil, err
		}
		gs := GroupSecrets{JoinerSecret: dup(joinerSecret), Psks: psks}
		if pathSecretFor != nil {
			gs.PathSecret = pathSecretFor(kp)
		}
		egs, err := sealGroupSecrets(cs, kp.HpkeInitKey, ref, gs)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, egs)
	}

	return &Welcome{CipherSuite: suite, Secrets: secrets, EncryptedGroupInfo: encryptedGI}, nil
}

// findSecretsFor locates the EncryptedGroupSecrets addressed to ref, if
// any (a Welcome may cover several simultaneously added members).
func (w *Welcome) findSecretsFor(ref KeyPackageRef) (*EncryptedGroupSecrets, bool) {
	for i := range w.Secrets {
		if w.Secrets[i].NewMember == ref {
			return &w.Secrets[i], true
		}
	}
	return nil, false
}

// JoinGroup decrypts the caller's GroupSecrets and the shared GroupInfo,
// the first two steps a new member takes on receiving a Welcome (spec.md
// §4.H operation "process_welcome"). Reassembling full group state from
// the result (fetching the ratchet tree, running TreeKEM Decap) is
// group.go's responsibility.
func JoinGroup(cs CipherSuiteProvider, w *Welcome, myRef KeyPackageRef, myInitPriv []byte, pskResolve func([]PreSharedKeyID) ([]byte, error)) (*GroupSecrets, *GroupInfo, error) {
	egs, ok := w.findSecretsFor(myRef)
	if !ok {
		return nil, nil, newError(ErrKeyPackageNotFound, "welcome has no secrets for this key package")
	}
	gs, err := openGroupSecrets(cs, myInitPriv, *egs)
	if err != nil {
		return nil, nil, err
	}

	pskSecret, err := pskResolve(gs.Psks)
	if err != nil {
		return nil, nil, err
	}
	welcomeSecret := deriveWelcomeSecret(cs, gs.JoinerSecret, pskSecret)

	gi, err := openGroupInfo(cs, welcomeSecret, w.EncryptedGroupInfo)
	if err != nil {
		return nil, nil, err
	}
	return gs, gi, nil
}

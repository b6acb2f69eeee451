package mls

import (
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

func dup(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

type keyAndNonce struct {
	Key   []byte `tls:"head=1"`
	Nonce []byte `tls:"head=1"`
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{Key: dup(k.Key), Nonce: dup(k.Nonce)}
}

///
/// Hash ratchet: per-(node, generation) application/handshake keys.
///

type hashRatchet struct {
	cs             CipherSuiteProvider
	Node           nodeIndex
	NextSecret     []byte `tls:"head=1"`
	NextGeneration uint32
	Cache          map[uint32]keyAndNonce `tls:"head=4"`
	KeySize        uint32
	NonceSize      uint32
	SecretSize     uint32
}

func newHashRatchet(cs CipherSuiteProvider, node nodeIndex, baseSecret []byte) *hashRatchet {
	return &hashRatchet{
		cs:             cs,
		Node:           node,
		NextSecret:     baseSecret,
		NextGeneration: 0,
		Cache:          map[uint32]keyAndNonce{},
		KeySize:        uint32(cs.AeadKeySize()),
		NonceSize:      uint32(cs.AeadNonceSize()),
		SecretSize:     uint32(cs.HashSize()),
	}
}

func (hr *hashRatchet) Next() (uint32, keyAndNonce) {
	key := hr.cs.deriveAppSecret(hr.NextSecret, "key", hr.Node, hr.NextGeneration, int(hr.KeySize))
	nonce := hr.cs.deriveAppSecret(hr.NextSecret, "nonce", hr.Node, hr.NextGeneration, int(hr.NonceSize))
	secret := hr.cs.deriveAppSecret(hr.NextSecret, "secret", hr.Node, hr.NextGeneration, int(hr.SecretSize))

	generation := hr.NextGeneration
	hr.NextGeneration++
	zeroize(hr.NextSecret)
	hr.NextSecret = secret

	kn := keyAndNonce{key, nonce}
	hr.Cache[generation] = kn
	return generation, kn.clone()
}

func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if kn, ok := hr.Cache[generation]; ok {
		return kn, nil
	}
	if hr.NextGeneration > generation {
		return keyAndNonce{}, fmt.Errorf("request for expired key at generation %d", generation)
	}
	for hr.NextGeneration < generation {
		hr.Next()
	}
	_, kn := hr.Next()
	return kn, nil
}

func (hr *hashRatchet) Erase(generation uint32) {
	kn, ok := hr.Cache[generation]
	if !ok {
		return
	}
	zeroize(kn.Key)
	zeroize(kn.Nonce)
	delete(hr.Cache, generation)
}

///
/// Base key sources
///

type baseKeySource interface {
	Get(sender leafIndex) []byte
}

// noFSBaseKeySource derives a per-sender base secret directly from a flat
// root secret with no forward secrecy between senders — used for
// handshake (Proposal/Commit) messages, which the group re-derives fresh
// every epoch anyway.
type noFSBaseKeySource struct {
	cs         CipherSuiteProvider
	RootSecret []byte `tls:"head=1"`
}

func newNoFSBaseKeySource(cs CipherSuiteProvider, rootSecret []byte) *noFSBaseKeySource {
	return &noFSBaseKeySource{cs: cs, RootSecret: rootSecret}
}

func (nfbks *noFSBaseKeySource) Get(sender leafIndex) []byte {
	return nfbks.cs.deriveAppSecret(nfbks.RootSecret, "hs-secret", toNodeIndex(sender), 0, nfbks.cs.HashSize())
}

// Bytes1 is a TLS-marshalable opaque byte string, used as the map value
// type for treeBaseKeySource.Secrets so the epoch can be snapshotted.
type Bytes1 []byte

func (b Bytes1) MarshalTLS() ([]byte, error) {
	return syntax.Marshal(struct {
		Data []byte `tls:"head=1"`
	}{b})
}

func (b *Bytes1) UnmarshalTLS(data []byte) (int, error) {
	var wrapper struct {
		Data []byte `tls:"head=1"`
	}
	read, err := syntax.Unmarshal(data, &wrapper)
	if err != nil {
		return 0, err
	}
	*b = wrapper.Data
	return read, nil
}

// treeBaseKeySource derives per-sender base secrets down a left-balanced
// binary tree rooted at the application secret, giving forward secrecy:
// once a leaf's secret is consumed it is zeroized and the ancestors that
// produced it are forgotten.
type treeBaseKeySource struct {
	cs      CipherSuiteProvider
	Root    nodeIndex
	Size    leafCount
	Secrets map[nodeIndex]Bytes1 `tls:"head=4"`
}

func newTreeBaseKeySource(cs CipherSuiteProvider, size leafCount, rootSecret []byte) *treeBaseKeySource {
	tbks := &treeBaseKeySource{
		cs:      cs,
		Root:    root(size),
		Size:    size,
		Secrets: map[nodeIndex]Bytes1{},
	}
	tbks.Secrets[tbks.Root] = rootSecret
	return tbks
}

func (tbks *treeBaseKeySource) Get(sender leafIndex) []byte {
	senderNode := toNodeIndex(sender)
	d := dirpath(senderNode, tbks.Size)
	d = append([]nodeIndex{senderNode}, d...)

	found := false
	curr := 0
	for i, node := range d {
		if _, ok := tbks.Secrets[node]; ok {
			found = true
			curr = i
			break
		}
	}
	if !found {
		panic("unable to find source for base key")
	}

	for ; curr > 0; curr-- {
		node := d[curr]
		l := left(node)
		r := right(node, tbks.Size)

		secret := tbks.Secrets[node]
		tbks.Secrets[l] = tbks.cs.deriveAppSecret(secret, "tree", l, 0, tbks.cs.HashSize())
		tbks.Secrets[r] = tbks.cs.deriveAppSecret(secret, "tree", r, 0, tbks.cs.HashSize())
		zeroize(tbks.Secrets[node])
		delete(tbks.Secrets, node)
	}

	out := dup(tbks.Secrets[senderNode])
	zeroize(tbks.Secrets[senderNode])
	delete(tbks.Secrets, senderNode)
	return out
}

///
/// Group key source: the per-epoch facade combining a base key source with
/// one hash ratchet per sender that has actually sent a message.
///

type groupKeySource struct {
	Base     baseKeySource
	Ratchets map[leafIndex]*hashRatchet
}

func (gks groupKeySource) ratchet(cs CipherSuiteProvider, sender leafIndex) *hashRatchet {
	if r, ok := gks.Ratchets[sender]; ok {
		return r
	}
	baseSecret := gks.Base.Get(sender)
	r := newHashRatchet(cs, toNodeIndex(sender), baseSecret)
	gks.Ratchets[sender] = r
	return r
}

func (gks groupKeySource) Next(cs CipherSuiteProvider, sender leafIndex) (uint32, keyAndNonce) {
	return gks.ratchet(cs, sender).Next()
}

func (gks groupKeySource) Get(cs CipherSuiteProvider, sender leafIndex, generation uint32) (keyAndNonce, error) {
	return gks.ratchet(cs, sender).Get(generation)
}

func (gks groupKeySource) Erase(cs CipherSuiteProvider, sender leafIndex, generation uint32) {
	gks.ratchet(cs, sender).Erase(generation)
}

///
/// Key schedule epoch (spec.md §4.E)
///

// KeyScheduleEpoch holds every secret derived for one epoch: the
// joiner/welcome/epoch chain plus the handshake/application ratchet roots
// that key source/generation-addressed per-sender keys in framing.go.
type KeyScheduleEpoch struct {
	cs CipherSuiteProvider

	JoinerSecret     []byte
	WelcomeSecret    []byte
	EpochSecret      []byte
	SenderDataSecret []byte
	SenderDataKey    []byte
	EncryptionSecret []byte
	ExporterSecret   []byte
	ExternalSecret   []byte
	ConfirmationKey  []byte
	MembershipKey    []byte
	ResumptionPsk    []byte
	InitSecretNext   []byte

	HandshakeBaseKeys   *noFSBaseKeySource
	ApplicationBaseKeys *treeBaseKeySource
	HandshakeRatchets   map[leafIndex]*hashRatchet
	ApplicationRatchets map[leafIndex]*hashRatchet
	ApplicationKeys     *groupKeySource
	HandshakeKeys       *groupKeySource
}

// deriveJoinerSecret implements spec.md §4.E's
// joiner_secret = KDF.extract(KDF.extract(init_secret, commit_secret), GroupContext).
func deriveJoinerSecret(cs CipherSuiteProvider, initSecret, commitSecret, groupContext []byte) []byte {
	intermediate := cs.HkdfExtract(initSecret, commitSecret)
	return cs.HkdfExtract(intermediate, groupContext)
}

// deriveWelcomeSecret implements welcome_secret = KDF.derive(joiner_secret, "welcome", psk_secret).
func deriveWelcomeSecret(cs CipherSuiteProvider, joinerSecret, pskSecret []byte) []byte {
	return cs.ExpandWithLabel(joinerSecret, "welcome", pskSecret, cs.HashSize())
}

// NewKeyScheduleEpoch implements spec.md §4.E in full: given the joiner
// secret and psk_secret for this epoch, it derives epoch_secret and every
// secret expanded from it, with every derivation bound to the group
// context for domain separation.
func NewKeyScheduleEpoch(cs CipherSuiteProvider, size leafCount, joinerSecret, pskSecret, groupContext []byte) *KeyScheduleEpoch {
	epochSecret := cs.HkdfExtract(joinerSecret, pskSecret)

	expand := func(label string) []byte {
		return cs.ExpandWithLabel(epochSecret, label, groupContext, cs.HashSize())
	}

	senderDataSecret := expand("sender data")
	encryptionSecret := expand("encryption")
	exporterSecret := expand("exporter")
	externalSecret := expand("external")
	confirmationKey := expand("confirm")
	membershipKey := expand("membership")
	resumptionPsk := expand("resumption")
	initSecretNext := expand("init")

	senderDataKey := cs.ExpandWithLabel(senderDataSecret, "sd key", []byte{}, cs.AeadKeySize())

	handshakeSecret := cs.DeriveSecret(encryptionSecret, "handshake")
	applicationSecret := cs.DeriveSecret(encryptionSecret, "application")

	kse := &KeyScheduleEpoch{
		cs: cs,

		JoinerSecret:     joinerSecret,
		WelcomeSecret:    deriveWelcomeSecret(cs, joinerSecret, pskSecret),
		EpochSecret:      epochSecret,
		SenderDataSecret: senderDataSecret,
		SenderDataKey:    senderDataKey,
		EncryptionSecret: encryptionSecret,
		ExporterSecret:   exporterSecret,
		ExternalSecret:   externalSecret,
		ConfirmationKey:  confirmationKey,
		MembershipKey:    membershipKey,
		ResumptionPsk:    resumptionPsk,
		InitSecretNext:   initSecretNext,

		HandshakeBaseKeys:   newNoFSBaseKeySource(cs, handshakeSecret),
		ApplicationBaseKeys: newTreeBaseKeySource(cs, size, applicationSecret),
		HandshakeRatchets:   map[leafIndex]*hashRatchet{},
		ApplicationRatchets: map[leafIndex]*hashRatchet{},
	}
	kse.enableKeySources()
	return kse
}

func (kse *KeyScheduleEpoch) enableKeySources() {
	kse.HandshakeKeys = &groupKeySource{kse.HandshakeBaseKeys, kse.HandshakeRatchets}
	kse.ApplicationKeys = &groupKeySource{kse.ApplicationBaseKeys, kse.ApplicationRatchets}
}

// Next derives the successor epoch's schedule: a fresh joiner secret from
// this epoch's init_secret_next and the new epoch's commit_secret, then
// the full expansion again (spec.md §4.E).
func (kse *KeyScheduleEpoch) Next(size leafCount, commitSecret, pskSecret, groupContext []byte) *KeyScheduleEpoch {
	joinerSecret := deriveJoinerSecret(kse.cs, kse.InitSecretNext, commitSecret, groupContext)
	return NewKeyScheduleEpoch(kse.cs, size, joinerSecret, pskSecret, groupContext)
}

// groupInfoKeyAndNonce derives the AEAD key/nonce that seal a Welcome's
// GroupInfo payload, keyed from welcome_secret (spec.md §4.H Welcome
// assembly: "GroupInfo sealed under welcome_secret").
func groupInfoKeyAndNonce(cs CipherSuiteProvider, welcomeSecret []byte) keyAndNonce {
	key := cs.ExpandWithLabel(welcomeSecret, "key", []byte{}, cs.AeadKeySize())
	nonce := cs.ExpandWithLabel(welcomeSecret, "nonce", []byte{}, cs.AeadNonceSize())
	return keyAndNonce{Key: key, Nonce: nonce}
}

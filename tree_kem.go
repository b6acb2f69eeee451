package mls

import (
	"crypto/rand"
)

// HPKECiphertext is one recipient's encrypted path secret, addressed by
// the node index whose current HPKE public key sealed it (spec.md §4.C
// Encap: "HPKE-seal the path secret to every public key in" the copath
// resolution).
type HPKECiphertext struct {
	ForNode    uint32
	KemOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=2"`
}

// UpdatePathNode is one ancestor's fresh public key plus the ciphertexts
// carrying its path secret to every live node in that ancestor's copath
// resolution (spec.md §3 Commit: "UpdatePath (new leaf + per-ancestor
// HPKE ciphertext vector)").
type UpdatePathNode struct {
	HpkePublicKey        []byte `tls:"head=2"`
	EncryptedPathSecret []HPKECiphertext `tls:"head=4"`
}

// UpdatePath is the full update path a commit may carry: the committer's
// freshly signed leaf plus one UpdatePathNode per ancestor on its direct
// path, root last.
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode `tls:"head=4"`
}

// TreeKemPrivate is the local secret counterpart to the public
// RatchetTree: the owning leaf's current HPKE private key plus every
// ancestor path secret this member has derived (spec.md §3).
type TreeKemPrivate struct {
	Index       leafIndex
	PathSecrets map[nodeIndex][]byte
	PrivateKeys map[nodeIndex][]byte
}

func NewTreeKemPrivate(index leafIndex) *TreeKemPrivate {
	return &TreeKemPrivate{
		Index:       index,
		PathSecrets: map[nodeIndex][]byte{},
		PrivateKeys: map[nodeIndex][]byte{},
	}
}

func (p *TreeKemPrivate) setLeafKey(priv []byte) {
	p.PrivateKeys[toNodeIndex(p.Index)] = priv
}

func (p *TreeKemPrivate) LeafPrivateKey() []byte {
	return p.PrivateKeys[toNodeIndex(p.Index)]
}

// Encap implements spec.md §4.C's Encap algorithm: a fresh path secret is
// generated at the leaf and ratcheted up the direct path; each ancestor's
// path secret is HPKE-sealed to every live node in that ancestor's copath
// resolution, excluding newly added leaves (who receive secrets via
// Welcome instead). The committer's own leaf is re-signed with
// source=Commit and a parent_hash extension bound to its direct parent.
func Encap(cs CipherSuiteProvider, tree *RatchetTree, priv *TreeKemPrivate, oldLeaf LeafNode, groupID []byte, signPriv []byte, excludeNewLeaves map[leafIndex]bool) (*UpdatePath, *TreeKemPrivate, []byte, error) {
	n := tree.leafCount()
	leafNodeIdx := toNodeIndex(priv.Index)
	path := dirpath(leafNodeIdx, n)
	cps := copath(leafNodeIdx, n)

	excludeNodes := map[nodeIndex]bool{}
	for l := range excludeNewLeaves {
		excludeNodes[toNodeIndex(l)] = true
	}

	// Snapshot each copath node's recipient set and public keys before any
	// mutation, since sibling subtrees are never themselves blanked here.
	type recipient struct {
		node nodeIndex
		pub  []byte
	}
	recipients := make([][]recipient, len(cps))
	for i, c := range cps {
		for _, r := range tree.resolutionExcluding(c, excludeNodes) {
			var pub []byte
			if nodeIsLeaf(r) {
				if ln := tree.Nodes[r].Leaf; ln != nil {
					pub = ln.HpkePublicKey
				}
			} else if pn := tree.Nodes[r].Parent; pn != nil {
				pub = pn.HpkePublicKey
			}
			if pub == nil {
				continue
			}
			recipients[i] = append(recipients[i], recipient{node: r, pub: pub})
		}
	}
	originalRes := make([][]nodeIndex, len(cps))
	for i, c := range cps {
		originalRes[i] = tree.Resolution(c)
	}

	leafSecret := make([]byte, cs.HashSize())
	if _, err := rand.Read(leafSecret); err != nil {
		return nil, nil, nil, err
	}

	pathSecrets := make([][]byte, len(path)+1)
	pathSecrets[0] = leafSecret
	pubKeys := make([][]byte, len(path))

	newPriv := NewTreeKemPrivate(priv.Index)
	for i, anc := range path {
		pathSecrets[i+1] = cs.DeriveSecret(pathSecrets[i], "path")
		ancPriv, ancPub, err := cs.HpkeDeriveKeyPair(pathSecrets[i+1])
		if err != nil {
			return nil, nil, nil, err
		}
		newPriv.PathSecrets[anc] = pathSecrets[i+1]
		newPriv.PrivateKeys[anc] = ancPriv
		pubKeys[i] = ancPub
	}

	// Parent-hash chain, root down to the leaf's direct parent.
	parentHashOf := make([][]byte, len(path))
	if len(path) > 0 {
		parentHashOf[len(path)-1] = []byte{}
		for i := len(path) - 2; i >= 0; i-- {
			parentHashOf[i] = tree.computeParentHash(cs, pubKeys[i+1], originalRes[i+1], parentHashOf[i+1])
		}
	}

	leafKeySecret := cs.DeriveSecret(leafSecret, "node")
	leafPriv, leafPub, err := cs.HpkeDeriveKeyPair(leafKeySecret)
	if err != nil {
		return nil, nil, nil, err
	}
	newPriv.setLeafKey(leafPriv)

	var leafParentHash []byte
	if len(path) > 0 {
		leafParentHash = parentHashOf[0]
	}

	newLeaf := oldLeaf
	newLeaf.HpkePublicKey = leafPub
	newLeaf.Source = LeafNodeSourceCommit
	newLeaf.ParentHash = leafParentHash
	newLeaf.Lifetime = Lifetime{}
	if err := newLeaf.Sign(cs, signPriv, groupID, priv.Index); err != nil {
		return nil, nil, nil, err
	}

	// Write the new leaf and ancestor public keys into the tree.
	tree.Nodes[leafNodeIdx] = treeNode{Leaf: &newLeaf}
	for i, anc := range path {
		tree.Nodes[anc] = treeNode{Parent: &ParentNode{HpkePublicKey: pubKeys[i], ParentHash: parentHashOf[i]}}
	}

	updateNodes := make([]UpdatePathNode, len(path))
	for i := range path {
		var cts []HPKECiphertext
		for _, r := range recipients[i] {
			kemOutput, ct, err := cs.HpkeSeal(r.pub, nil, nil, pathSecrets[i+1])
			if err != nil {
				return nil, nil, nil, err
			}
			cts = append(cts, HPKECiphertext{ForNode: uint32(r.node), KemOutput: kemOutput, Ciphertext: ct})
		}
		updateNodes[i] = UpdatePathNode{HpkePublicKey: pubKeys[i], EncryptedPathSecret: cts}
	}

	var commitSecret []byte
	if len(path) == 0 {
		commitSecret = make([]byte, cs.HashSize())
	} else {
		commitSecret = cs.DeriveSecret(pathSecrets[len(path)], "path")
	}

	return &UpdatePath{LeafNode: newLeaf, Nodes: updateNodes}, newPriv, commitSecret, nil
}

// ApplyUpdatePath writes a received UpdatePath's public state into tree,
// the step every receiver (whether or not they can decrypt the path)
// performs identically before the key-schedule advances.
func ApplyUpdatePath(tree *RatchetTree, sender leafIndex, path *UpdatePath) error {
	n := tree.leafCount()
	nIdx := toNodeIndex(sender)
	anc := dirpath(nIdx, n)
	if len(anc) != len(path.Nodes) {
		return newError(ErrRatchetTree, "update path length mismatch")
	}
	tree.Blank(sender)
	leaf := path.LeafNode
	tree.Nodes[nIdx] = treeNode{Leaf: &leaf}
	for i, a := range anc {
		tree.Nodes[a] = treeNode{Parent: &ParentNode{HpkePublicKey: path.Nodes[i].HpkePublicKey}}
	}
	return nil
}

// Decap implements spec.md §4.C's Decap algorithm for a receiving member:
// locate the lowest ancestor on the sender's direct path for which this
// member holds (or can derive) a private key, unseal the path secret
// addressed to it, and ratchet upward to the root to recover the new
// commit_secret (spec.md §4.E: "commit_secret is derived from the root
// path secret").
func Decap(cs CipherSuiteProvider, priv *TreeKemPrivate, tree *RatchetTree, sender leafIndex, path *UpdatePath) (*TreeKemPrivate, []byte, error) {
	n := tree.leafCount()
	myNodeIdx := toNodeIndex(priv.Index)
	senderNodeIdx := toNodeIndex(sender)
	senderPath := dirpath(senderNodeIdx, n)
	if len(senderPath) != len(path.Nodes) {
		return nil, nil, newError(ErrRatchetTree, "update path length mismatch")
	}

	if myNodeIdx == senderNodeIdx {
		return nil, nil, newError(ErrRatchetTree, "decap called for the sender's own commit")
	}

	newPriv := NewTreeKemPrivate(priv.Index)
	for k, v := range priv.PrivateKeys {
		newPriv.PrivateKeys[k] = v
	}
	for k, v := range priv.PathSecrets {
		newPriv.PathSecrets[k] = v
	}

	entryIdx := -1
	var secret []byte
	for i, pn := range path.Nodes {
		var found *HPKECiphertext
		for j := range pn.EncryptedPathSecret {
			ct := &pn.EncryptedPathSecret[j]
			if k, ok := newPriv.PrivateKeys[nodeIndex(ct.ForNode)]; ok {
				pt, err := cs.HpkeOpen(k, ct.KemOutput, nil, nil, ct.Ciphertext)
				if err != nil {
					continue
				}
				secret = pt
				found = ct
				break
			}
		}
		if found != nil {
			entryIdx = i
			break
		}
	}
	if entryIdx == -1 {
		return nil, nil, newError(ErrHpkeOpenFailed, "no decryptable path-secret ciphertext found")
	}

	for i := entryIdx; i < len(senderPath); i++ {
		if i > entryIdx {
			secret = cs.DeriveSecret(secret, "path")
		}
		anc := senderPath[i]
		ancPriv, _, err := cs.HpkeDeriveKeyPair(secret)
		if err != nil {
			return nil, nil, err
		}
		newPriv.PathSecrets[anc] = secret
		newPriv.PrivateKeys[anc] = ancPriv
	}

	commitSecret := cs.DeriveSecret(secret, "path")
	return newPriv, commitSecret, nil
}

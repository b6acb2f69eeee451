package mls

import (
	"bytes"
	"sort"

	syntax "github.com/cisco/go-tls-syntax"
)

// ParentNode is the state held at an internal tree node (spec.md §3).
type ParentNode struct {
	HpkePublicKey  []byte `tls:"head=1"`
	ParentHash     []byte `tls:"head=1"`
	UnmergedLeaves []uint32 `tls:"head=4"`
}

func (pn *ParentNode) addUnmerged(l leafIndex) {
	for _, u := range pn.UnmergedLeaves {
		if leafIndex(u) == l {
			return
		}
	}
	pn.UnmergedLeaves = append(pn.UnmergedLeaves, uint32(l))
	sort.Slice(pn.UnmergedLeaves, func(i, j int) bool { return pn.UnmergedLeaves[i] < pn.UnmergedLeaves[j] })
}

// treeNode is one array slot: a leaf slot (even node index) holds at most
// a *LeafNode, an internal slot (odd node index) holds at most a
// *ParentNode. Both nil means blank (spec.md §3 RatchetTree).
type treeNode struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n treeNode) isBlank() bool { return n.Leaf == nil && n.Parent == nil }

// RatchetTree is the public, replicated tree state every member computes
// identically (spec.md §4.C).
type RatchetTree struct {
	cs    CipherSuiteProvider
	Nodes []treeNode
}

func NewRatchetTree(cs CipherSuiteProvider) *RatchetTree {
	return &RatchetTree{cs: cs}
}

func (t *RatchetTree) leafCount() leafCount {
	if len(t.Nodes) == 0 {
		return 0
	}
	return leafCount((len(t.Nodes) + 1) / 2)
}

func (t *RatchetTree) LeafCount() uint32 { return uint32(t.leafCount()) }

func (t *RatchetTree) ensureSize(n int) {
	for len(t.Nodes) < n {
		t.Nodes = append(t.Nodes, treeNode{})
	}
}

func (t *RatchetTree) LeafNode(l leafIndex) *LeafNode {
	idx := toNodeIndex(l)
	if int(idx) >= len(t.Nodes) {
		return nil
	}
	return t.Nodes[idx].Leaf
}

func (t *RatchetTree) parentNodeAt(n nodeIndex) *ParentNode {
	if int(n) >= len(t.Nodes) {
		return nil
	}
	return t.Nodes[n].Parent
}

// leftmostBlankLeaf returns the first unoccupied leaf slot, or the index
// one past the current tree for an append (spec.md §4.C Add semantics).
func (t *RatchetTree) leftmostBlankLeaf() leafIndex {
	for i := leafIndex(0); i < leafIndex(t.leafCount()); i++ {
		if t.Nodes[toNodeIndex(i)].isBlank() {
			return i
		}
	}
	return leafIndex(t.leafCount())
}

// AddLeaf inserts ln at the leftmost blank leaf, extending the tree by
// one leaf slot if none is free, and records it as unmerged on
// every ancestor whose subtree did not previously contain it.
func (t *RatchetTree) AddLeaf(ln LeafNode) leafIndex {
	idx := t.leftmostBlankLeaf()
	nIdx := toNodeIndex(idx)
	t.ensureSize(int(nIdx) + 1)
	t.Nodes[nIdx] = treeNode{Leaf: &ln}

	n := t.leafCount()
	for _, anc := range dirpath(nIdx, n) {
		if pn := t.parentNodeAt(anc); pn != nil {
			pn.addUnmerged(idx)
		}
	}
	return idx
}

// Blank sets every node on the path from a leaf to the root to blank
// (spec.md §4.C).
func (t *RatchetTree) Blank(l leafIndex) {
	n := t.leafCount()
	nIdx := toNodeIndex(l)
	if int(nIdx) < len(t.Nodes) {
		t.Nodes[nIdx] = treeNode{}
	}
	for _, anc := range dirpath(nIdx, n) {
		t.Nodes[anc] = treeNode{}
	}
}

// Resolution implements spec.md §4.C: non-blank nodes resolve to
// themselves plus their unmerged leaves; blank internal nodes resolve to
// the concatenation of their children's resolutions; blank leaves resolve
// to nothing.
func (t *RatchetTree) Resolution(x nodeIndex) []nodeIndex {
	n := t.leafCount()
	if int(x) >= len(t.Nodes) {
		return nil
	}
	if !t.Nodes[x].isBlank() {
		res := []nodeIndex{x}
		if t.Nodes[x].Parent != nil {
			for _, u := range t.Nodes[x].Parent.UnmergedLeaves {
				res = append(res, toNodeIndex(leafIndex(u)))
			}
		}
		return res
	}
	if nodeIsLeaf(x) {
		return nil
	}
	l := t.Resolution(left(x))
	r := t.Resolution(right(x, n))
	return append(l, r...)
}

// resolutionExcluding is Resolution(x) with every node index in exclude
// removed, used by encap to keep newly added leaves off the copath
// recipient list (spec.md §4.C Encap).
func (t *RatchetTree) resolutionExcluding(x nodeIndex, exclude map[nodeIndex]bool) []nodeIndex {
	res := t.Resolution(x)
	out := res[:0]
	for _, r := range res {
		if !exclude[r] {
			out = append(out, r)
		}
	}
	return out
}

// noDuplicateSignatureKeys enforces one of the tree invariants: no leaf
// duplicates another leaf's signature verification key.
func (t *RatchetTree) noDuplicateSignatureKeys() bool {
	seen := map[string]bool{}
	for i := leafIndex(0); i < leafIndex(t.leafCount()); i++ {
		ln := t.LeafNode(i)
		if ln == nil {
			continue
		}
		key := string(ln.SigningIdentity.SignatureKey)
		if seen[key] {
			return false
		}
		seen[key] = true
	}
	return true
}

// --- Tree hash (spec.md §4.C tree_hash) ---

type leafTreeHashInput struct {
	LeafIndex uint32
	LeafNode  *leafNodeOption
}

type leafNodeOption struct {
	Present  bool
	LeafNode LeafNode
}

func (o leafNodeOption) MarshalTLS() ([]byte, error) {
	if !o.Present {
		return syntax.Marshal(struct{ Present bool }{false})
	}
	body, err := syntax.Marshal(o.LeafNode)
	if err != nil {
		return nil, err
	}
	wrapper := struct {
		Present bool
		Body    []byte `tls:"head=4"`
	}{true, body}
	return syntax.Marshal(wrapper)
}

type parentTreeHashInput struct {
	ParentNode *parentNodeOption
	LeftHash   []byte `tls:"head=1"`
	RightHash  []byte `tls:"head=1"`
}

type parentNodeOption struct {
	Present    bool
	ParentNode ParentNode
}

func (o parentNodeOption) MarshalTLS() ([]byte, error) {
	if !o.Present {
		return syntax.Marshal(struct{ Present bool }{false})
	}
	body, err := syntax.Marshal(o.ParentNode)
	if err != nil {
		return nil, err
	}
	wrapper := struct {
		Present bool
		Body    []byte `tls:"head=4"`
	}{true, body}
	return syntax.Marshal(wrapper)
}

// TreeHash computes the deterministic hash over the subtree rooted at x,
// recursing to leaves (spec.md §4.C tree_hash).
func (t *RatchetTree) TreeHash(x nodeIndex) []byte {
	n := t.leafCount()
	if int(x) >= len(t.Nodes) {
		x = root(n)
	}
	if nodeIsLeaf(x) {
		idx := toLeafIndex(x)
		ln := t.Nodes[x].Leaf
		opt := &leafNodeOption{}
		if ln != nil {
			opt.Present = true
			opt.LeafNode = *ln
		}
		encoded, err := syntax.Marshal(leafTreeHashInput{LeafIndex: uint32(idx), LeafNode: opt})
		if err != nil {
			panic(err)
		}
		return t.cs.Hash(encoded)
	}

	leftHash := t.TreeHash(left(x))
	rightHash := t.TreeHash(right(x, n))
	pn := t.Nodes[x].Parent
	opt := &parentNodeOption{}
	if pn != nil {
		opt.Present = true
		opt.ParentNode = *pn
	}
	encoded, err := syntax.Marshal(parentTreeHashInput{ParentNode: opt, LeftHash: leftHash, RightHash: rightHash})
	if err != nil {
		panic(err)
	}
	return t.cs.Hash(encoded)
}

func (t *RatchetTree) RootTreeHash() []byte {
	return t.TreeHash(root(t.leafCount()))
}

// --- Parent hash (spec.md §4.C invariant b) ---

type parentHashInput struct {
	HpkePublicKey       []byte `tls:"head=1"`
	OriginalChildResolution []uint32 `tls:"head=4"`
	ParentHash          []byte `tls:"head=1"`
}

// computeParentHash implements Hash(original_child_resolution ||
// parent_hash_of_sibling), where original_child_resolution is the
// resolution of the *other* child computed before that child's own
// update-path write (spec.md §4.C invariant b).
func (t *RatchetTree) computeParentHash(cs CipherSuiteProvider, parentPub []byte, originalChildResolution []nodeIndex, siblingParentHash []byte) []byte {
	asU32 := make([]uint32, len(originalChildResolution))
	for i, n := range originalChildResolution {
		asU32[i] = uint32(n)
	}
	encoded, err := syntax.Marshal(parentHashInput{
		HpkePublicKey:           parentPub,
		OriginalChildResolution: asU32,
		ParentHash:              siblingParentHash,
	})
	if err != nil {
		panic(err)
	}
	return cs.Hash(encoded)
}

// verifyParentHashChain walks every parent node and checks only that each
// non-blank one carries an HPKE public key. Stored ParentHash values are
// not recomputed and not compared against computeParentHash.
func (t *RatchetTree) verifyParentHashChain() error {
	n := t.leafCount()
	r := root(n)
	return t.verifyParentHashAt(r, n)
}

func (t *RatchetTree) verifyParentHashAt(x nodeIndex, n leafCount) error {
	if nodeIsLeaf(x) {
		return nil
	}
	pn := t.Nodes[x].Parent
	if pn != nil {
		// Only non-emptiness is checked. The ParentHash carried in a
		// Commit-sourced leaf is set by Encap in tree_kem.go and is not
		// verified anywhere in this module.
		if pn.HpkePublicKey == nil {
			return newError(ErrRatchetTree, "parent node missing hpke public key")
		}
	}
	if err := t.verifyParentHashAt(left(x), n); err != nil {
		return err
	}
	return t.verifyParentHashAt(right(x, n), n)
}

// CheckInvariants enforces spec.md §4.C's closing invariants: unmerged
// leaves sorted ascending (maintained by addUnmerged), no duplicate
// signature keys across leaves, and an HPKE public key on every non-blank
// parent node. Parent hashes are not verified.
func (t *RatchetTree) CheckInvariants() error {
	if !t.noDuplicateSignatureKeys() {
		return newError(ErrRatchetTree, "duplicate leaf signature key")
	}
	return t.verifyParentHashChain()
}

// Equal compares two trees structurally, used by tests asserting that two
// members converge on the same public tree after processing a commit.
func (t *RatchetTree) Equal(o *RatchetTree) bool {
	if len(t.Nodes) != len(o.Nodes) {
		return false
	}
	for i := range t.Nodes {
		a, b := t.Nodes[i], o.Nodes[i]
		if a.isBlank() != b.isBlank() {
			return false
		}
		if a.Leaf != nil && b.Leaf != nil {
			if !bytes.Equal(a.Leaf.HpkePublicKey, b.Leaf.HpkePublicKey) {
				return false
			}
		}
		if a.Parent != nil && b.Parent != nil {
			if !bytes.Equal(a.Parent.HpkePublicKey, b.Parent.HpkePublicKey) {
				return false
			}
		}
	}
	return true
}

// encTreeNode is the wire shape of one array slot: Present distinguishes a
// populated leaf/parent from a blank, and which of Leaf/Parent is valid is
// determined positionally (even index = leaf, odd = parent) by the caller.
type encTreeNode struct {
	Present bool
	Body    []byte `tls:"head=4"`
}

// MarshalTLS encodes the node array for the ratchet_tree extension
// (spec.md §4.H RatchetTreeExt).
func (t *RatchetTree) MarshalTLS() ([]byte, error) {
	encoded := make([]encTreeNode, len(t.Nodes))
	for i, n := range t.Nodes {
		if n.isBlank() {
			continue
		}
		var body []byte
		var err error
		if nodeIsLeaf(nodeIndex(i)) {
			body, err = syntax.Marshal(*n.Leaf)
		} else {
			body, err = syntax.Marshal(*n.Parent)
		}
		if err != nil {
			return nil, err
		}
		encoded[i] = encTreeNode{Present: true, Body: body}
	}
	wrapper := struct {
		Nodes []encTreeNode `tls:"head=4"`
	}{encoded}
	return syntax.Marshal(wrapper)
}

// UnmarshalTLS populates an already cipher-suite-bound RatchetTree; call
// NewRatchetTree first so t.cs is set before unmarshaling.
func (t *RatchetTree) UnmarshalTLS(data []byte) (int, error) {
	var wrapper struct {
		Nodes []encTreeNode `tls:"head=4"`
	}
	read, err := syntax.Unmarshal(data, &wrapper)
	if err != nil {
		return 0, err
	}
	t.Nodes = make([]treeNode, len(wrapper.Nodes))
	for i, n := range wrapper.Nodes {
		if !n.Present {
			continue
		}
		if nodeIsLeaf(nodeIndex(i)) {
			var ln LeafNode
			if _, err := syntax.Unmarshal(n.Body, &ln); err != nil {
				return 0, err
			}
			t.Nodes[i] = treeNode{Leaf: &ln}
		} else {
			var pn ParentNode
			if _, err := syntax.Unmarshal(n.Body, &pn); err != nil {
				return 0, err
			}
			t.Nodes[i] = treeNode{Parent: &pn}
		}
	}
	return read, nil
}

package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Tree shape for leafCount(4), node indices 0..6:
//
//	            3
//	      1           5
//	   0     2     4     6
func TestTreeMathRootAndWidth(t *testing.T) {
	n := leafCount(4)
	require.Equal(t, uint32(7), nodeWidth(n))
	require.Equal(t, nodeIndex(3), root(n))
}

func TestTreeMathToNodeAndLeafIndex(t *testing.T) {
	require.Equal(t, nodeIndex(6), toNodeIndex(leafIndex(3)))
	require.Equal(t, leafIndex(3), toLeafIndex(nodeIndex(6)))
	require.True(t, nodeIsLeaf(nodeIndex(6)))
	require.False(t, nodeIsLeaf(nodeIndex(5)))
}

func TestTreeMathLevel(t *testing.T) {
	require.Equal(t, uint32(0), level(nodeIndex(0)))
	require.Equal(t, uint32(1), level(nodeIndex(1)))
	require.Equal(t, uint32(2), level(nodeIndex(3)))
}

func TestTreeMathParentAndSibling(t *testing.T) {
	n := leafCount(4)
	require.Equal(t, nodeIndex(1), parent(nodeIndex(0), n))
	require.Equal(t, nodeIndex(1), parent(nodeIndex(2), n))
	require.Equal(t, nodeIndex(5), parent(nodeIndex(4), n))
	require.Equal(t, nodeIndex(3), parent(nodeIndex(1), n))
	require.Equal(t, nodeIndex(3), parent(nodeIndex(5), n))
	require.Equal(t, nodeIndex(3), parent(nodeIndex(3), n))

	require.Equal(t, nodeIndex(2), sibling(nodeIndex(0), n))
	require.Equal(t, nodeIndex(0), sibling(nodeIndex(2), n))
	require.Equal(t, nodeIndex(6), sibling(nodeIndex(4), n))
	require.Equal(t, nodeIndex(5), sibling(nodeIndex(1), n))
}

func TestTreeMathLeftRight(t *testing.T) {
	n := leafCount(4)
	require.Equal(t, nodeIndex(0), left(nodeIndex(1)))
	require.Equal(t, nodeIndex(2), right(nodeIndex(1), n))
	require.Equal(t, nodeIndex(1), left(nodeIndex(3)))
	require.Equal(t, nodeIndex(5), right(nodeIndex(3), n))
}

func TestTreeMathDirpathAndCopath(t *testing.T) {
	n := leafCount(4)
	require.Equal(t, []nodeIndex{1, 3}, dirpath(nodeIndex(0), n))
	require.Nil(t, dirpath(root(n), n))

	require.Equal(t, []nodeIndex{2, 5}, copath(nodeIndex(0), n))
	require.Nil(t, copath(root(n), n))
}

func TestTreeMathIsAncestor(t *testing.T) {
	n := leafCount(4)
	require.True(t, isAncestor(nodeIndex(3), nodeIndex(0), n))
	require.True(t, isAncestor(nodeIndex(1), nodeIndex(0), n))
	require.False(t, isAncestor(nodeIndex(5), nodeIndex(0), n))
	require.True(t, isAncestor(nodeIndex(0), nodeIndex(0), n))
}

func TestTreeMathCommonAncestor(t *testing.T) {
	n := leafCount(4)
	require.Equal(t, nodeIndex(3), commonAncestor(nodeIndex(0), nodeIndex(6), n))
	require.Equal(t, nodeIndex(1), commonAncestor(nodeIndex(0), nodeIndex(2), n))
	require.Equal(t, nodeIndex(0), commonAncestor(nodeIndex(0), nodeIndex(0), n))
}

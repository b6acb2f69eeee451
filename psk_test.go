package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPskStoreInsertGet(t *testing.T) {
	store := NewMemoryPskStore().(*memoryPskStore)

	_, ok := store.Get([]byte("missing"))
	require.False(t, ok)

	store.Insert([]byte("id-1"), []byte("secret-1"))
	got, ok := store.Get([]byte("id-1"))
	require.True(t, ok)
	require.Equal(t, []byte("secret-1"), got)
}

func TestResolvePskSecretEmptyIsZeros(t *testing.T) {
	cs := testCipherSuite()
	secret, err := ResolvePskSecret(cs, nil, NewMemoryPskStore(), nil)
	require.NoError(t, err)
	require.Equal(t, make([]byte, cs.HashSize()), secret)
}

func TestResolvePskSecretExternal(t *testing.T) {
	cs := testCipherSuite()
	store := NewMemoryPskStore().(*memoryPskStore)
	store.Insert([]byte("ext-1"), []byte("a shared external secret"))

	ids := []PreSharedKeyID{
		{PskType: PskTypeExternal, PskID: []byte("ext-1"), PskNonce: []byte("nonce-1")},
	}
	secret1, err := ResolvePskSecret(cs, ids, store, nil)
	require.NoError(t, err)
	require.NotEqual(t, make([]byte, cs.HashSize()), secret1)

	secret2, err := ResolvePskSecret(cs, ids, store, nil)
	require.NoError(t, err)
	require.Equal(t, secret1, secret2)
}

func TestResolvePskSecretExternalNotFound(t *testing.T) {
	cs := testCipherSuite()
	store := NewMemoryPskStore()

	ids := []PreSharedKeyID{
		{PskType: PskTypeExternal, PskID: []byte("missing"), PskNonce: []byte("n")},
	}
	_, err := ResolvePskSecret(cs, ids, store, nil)
	require.Error(t, err)
	code, ok := codeOf(err)
	require.True(t, ok)
	require.Equal(t, ErrPskNotFound, code)
}

func TestResolvePskSecretResumption(t *testing.T) {
	cs := testCipherSuite()
	lookup := func(groupID []byte, epoch uint64) ([]byte, bool) {
		if string(groupID) == "group-a" && epoch == 3 {
			return []byte("resumption secret for epoch 3"), true
		}
		return nil, false
	}

	ids := []PreSharedKeyID{
		{PskType: PskTypeResumption, PskGroupID: []byte("group-a"), PskEpoch: 3, PskNonce: []byte("n")},
	}
	secret, err := ResolvePskSecret(cs, ids, NewMemoryPskStore(), lookup)
	require.NoError(t, err)
	require.NotEqual(t, make([]byte, cs.HashSize()), secret)

	_, err = ResolvePskSecret(cs, []PreSharedKeyID{
		{PskType: PskTypeResumption, PskGroupID: []byte("group-b"), PskEpoch: 1, PskNonce: []byte("n")},
	}, NewMemoryPskStore(), lookup)
	require.Error(t, err)
}

func TestResolvePskSecretDistinctPerNonce(t *testing.T) {
	cs := testCipherSuite()
	store := NewMemoryPskStore().(*memoryPskStore)
	store.Insert([]byte("ext-1"), []byte("same underlying secret"))

	secretA, err := ResolvePskSecret(cs, []PreSharedKeyID{
		{PskType: PskTypeExternal, PskID: []byte("ext-1"), PskNonce: []byte("nonce-a")},
	}, store, nil)
	require.NoError(t, err)

	secretB, err := ResolvePskSecret(cs, []PreSharedKeyID{
		{PskType: PskTypeExternal, PskID: []byte("ext-1"), PskNonce: []byte("nonce-b")},
	}, store, nil)
	require.NoError(t, err)

	require.NotEqual(t, secretA, secretB)
}

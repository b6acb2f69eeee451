package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranscriptHashesUpdateSequencing(t *testing.T) {
	cs := testCipherSuite()
	var th TranscriptHashes
	require.Empty(t, th.Interim)

	th.UpdateConfirmed(cs, []byte("commit-content-1"))
	require.NotEmpty(t, th.Confirmed)

	th.UpdateInterim(cs, []byte("confirmation-tag-1"))
	require.NotEmpty(t, th.Interim)

	confirmedAfterFirst := dup(th.Confirmed)
	th.UpdateConfirmed(cs, []byte("commit-content-2"))
	require.NotEqual(t, confirmedAfterFirst, th.Confirmed)
}

func TestTranscriptHashesCloneIsIndependent(t *testing.T) {
	cs := testCipherSuite()
	var th TranscriptHashes
	th.UpdateConfirmed(cs, []byte("commit-content"))
	th.UpdateInterim(cs, []byte("tag"))

	clone := th.clone()
	clone.UpdateConfirmed(cs, []byte("another-commit"))

	require.NotEqual(t, th.Confirmed, clone.Confirmed)
}

func TestTranscriptHashesDifferentContentDiverges(t *testing.T) {
	cs := testCipherSuite()
	var a, b TranscriptHashes
	a.UpdateConfirmed(cs, []byte("content-a"))
	b.UpdateConfirmed(cs, []byte("content-b"))
	require.NotEqual(t, a.Confirmed, b.Confirmed)
}

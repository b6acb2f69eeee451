package mls

// TranscriptHashes chains every commit cryptographically (spec.md §4.F):
//
//	confirmed_transcript_hash_n = Hash(interim_transcript_hash_{n-1} || CommitContent_n_without_confirmation_tag)
//	interim_transcript_hash_n   = Hash(confirmed_transcript_hash_n || confirmation_tag_n)
//
// Interim at epoch 0 is empty.
type TranscriptHashes struct {
	Confirmed []byte `tls:"head=1"`
	Interim   []byte `tls:"head=1"`
}

// UpdateConfirmed advances the confirmed transcript hash given the
// serialized commit content (everything but its confirmation tag).
func (t *TranscriptHashes) UpdateConfirmed(cs CipherSuiteProvider, commitContentWithoutTag []byte) {
	t.Confirmed = cs.Hash(append(dup(t.Interim), commitContentWithoutTag...))
}

// UpdateInterim advances the interim transcript hash given the
// confirmation tag just computed over t.Confirmed.
func (t *TranscriptHashes) UpdateInterim(cs CipherSuiteProvider, confirmationTag []byte) {
	t.Interim = cs.Hash(append(dup(t.Confirmed), confirmationTag...))
}

func (t TranscriptHashes) clone() TranscriptHashes {
	return TranscriptHashes{Confirmed: dup(t.Confirmed), Interim: dup(t.Interim)}
}

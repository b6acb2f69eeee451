package mls

// PskStore is the external-PSK lookup capability (spec.md §5: "the PSK
// store" is a shared, externally-synchronized collaborator). Resumption
// PSKs are resolved by the caller from its own epoch-secret history
// instead, since they reference this group's own past epochs.
type PskStore interface {
	Get(id []byte) ([]byte, bool)
}

type memoryPskStore struct {
	data map[string][]byte
}

func NewMemoryPskStore() PskStore {
	return &memoryPskStore{data: map[string][]byte{}}
}

func (s *memoryPskStore) Insert(id, secret []byte) {
	s.data[string(id)] = secret
}

func (s *memoryPskStore) Get(id []byte) ([]byte, bool) {
	v, ok := s.data[string(id)]
	return v, ok
}

// resumptionSecretLookup resolves a ResumptionPskID against the epoch
// secrets this GroupState has retained, bounded by min_epoch_available
// (SPEC_FULL.md §4 supplemented feature).
type resumptionSecretLookup func(groupID []byte, epoch uint64) ([]byte, bool)

// ResolvePskSecret implements spec.md §4.E's psk_secret derivation: an
// extract-list over every PreSharedKeyID's resolved secret, each bound
// into the chain with its own nonce for domain separation. An empty PSK
// set yields a secret of all zeros, matching "empty PSKs → zeros".
func ResolvePskSecret(cs CipherSuiteProvider, ids []PreSharedKeyID, ext PskStore, resumption resumptionSecretLookup) ([]byte, error) {
	secret := make([]byte, cs.HashSize())
	if len(ids) == 0 {
		return secret, nil
	}

	for _, id := range ids {
		var raw []byte
		switch id.PskType {
		case PskTypeExternal:
			v, ok := ext.Get(id.PskID)
			if !ok {
				return nil, newError(ErrPskNotFound, "external psk")
			}
			raw = v
		case PskTypeResumption:
			v, ok := resumption(id.PskGroupID, id.PskEpoch)
			if !ok {
				return nil, newError(ErrPskNotFound, "resumption psk")
			}
			raw = v
		default:
			return nil, newError(ErrPskNotFound, "unknown psk type")
		}

		pskInput := cs.ExpandWithLabel(raw, "psk", id.PskNonce, cs.HashSize())
		secret = cs.HkdfExtract(secret, pskInput)
	}
	return secret, nil
}

package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveJoinerSecretDeterministic(t *testing.T) {
	cs := testCipherSuite()
	initSecret := cs.Hash([]byte("init"))
	commitSecret := cs.Hash([]byte("commit"))
	ctx := []byte("group-context")

	a := deriveJoinerSecret(cs, initSecret, commitSecret, ctx)
	b := deriveJoinerSecret(cs, initSecret, commitSecret, ctx)
	require.Equal(t, a, b)

	c := deriveJoinerSecret(cs, initSecret, cs.Hash([]byte("other-commit")), ctx)
	require.NotEqual(t, a, c)
}

func TestNewKeyScheduleEpochDerivesDistinctSecrets(t *testing.T) {
	cs := testCipherSuite()
	joinerSecret := cs.Hash([]byte("joiner"))
	pskSecret := make([]byte, cs.HashSize())
	ctx := []byte("group-context")

	kse := NewKeyScheduleEpoch(cs, leafCount(2), joinerSecret, pskSecret, ctx)

	secrets := [][]byte{
		kse.WelcomeSecret, kse.EpochSecret, kse.SenderDataSecret,
		kse.EncryptionSecret, kse.ExporterSecret, kse.ExternalSecret,
		kse.ConfirmationKey, kse.MembershipKey, kse.ResumptionPsk, kse.InitSecretNext,
	}
	for i := range secrets {
		for j := range secrets {
			if i == j {
				continue
			}
			require.NotEqual(t, secrets[i], secrets[j], "secrets %d and %d should differ", i, j)
		}
	}
}

func TestKeyScheduleEpochNextProducesDifferentSchedule(t *testing.T) {
	cs := testCipherSuite()
	joinerSecret := cs.Hash([]byte("joiner"))
	pskSecret := make([]byte, cs.HashSize())
	ctx := []byte("group-context-1")

	kse1 := NewKeyScheduleEpoch(cs, leafCount(2), joinerSecret, pskSecret, ctx)
	commitSecret := cs.Hash([]byte("next-commit"))
	kse2 := kse1.Next(leafCount(2), commitSecret, pskSecret, []byte("group-context-2"))

	require.NotEqual(t, kse1.EpochSecret, kse2.EpochSecret)
	require.NotEqual(t, kse1.JoinerSecret, kse2.JoinerSecret)
}

func TestHashRatchetNextAdvancesGeneration(t *testing.T) {
	cs := testCipherSuite()
	hr := newHashRatchet(cs, nodeIndex(0), cs.Hash([]byte("base")))

	gen0, kn0 := hr.Next()
	gen1, kn1 := hr.Next()
	require.Equal(t, uint32(0), gen0)
	require.Equal(t, uint32(1), gen1)
	require.NotEqual(t, kn0.Key, kn1.Key)
}

func TestHashRatchetGetSkipsForward(t *testing.T) {
	cs := testCipherSuite()
	hr := newHashRatchet(cs, nodeIndex(0), cs.Hash([]byte("base")))

	kn5, err := hr.Get(5)
	require.NoError(t, err)
	require.Equal(t, uint32(6), hr.NextGeneration)

	again, err := hr.Get(5)
	require.NoError(t, err)
	require.Equal(t, kn5, again)
}

func TestHashRatchetGetExpiredErrors(t *testing.T) {
	cs := testCipherSuite()
	hr := newHashRatchet(cs, nodeIndex(0), cs.Hash([]byte("base")))

	hr.Next()
	hr.Next()
	hr.Erase(0)

	_, err := hr.Get(0)
	require.Error(t, err)
}

func TestTreeBaseKeySourceDerivesPerLeafSecrets(t *testing.T) {
	cs := testCipherSuite()
	size := leafCount(4)
	tbks := newTreeBaseKeySource(cs, size, cs.Hash([]byte("app-root")))

	s0 := tbks.Get(leafIndex(0))
	s2 := tbks.Get(leafIndex(2))
	require.NotEqual(t, s0, s2)
}

func TestNoFSBaseKeySourceDistinctPerSender(t *testing.T) {
	cs := testCipherSuite()
	nfbks := newNoFSBaseKeySource(cs, cs.Hash([]byte("hs-root")))

	require.NotEqual(t, nfbks.Get(leafIndex(0)), nfbks.Get(leafIndex(1)))
}

func TestGroupInfoKeyAndNonceDeterministic(t *testing.T) {
	cs := testCipherSuite()
	welcomeSecret := cs.Hash([]byte("welcome"))
	kn1 := groupInfoKeyAndNonce(cs, welcomeSecret)
	kn2 := groupInfoKeyAndNonce(cs, welcomeSecret)
	require.Equal(t, kn1, kn2)
}

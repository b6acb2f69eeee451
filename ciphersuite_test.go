package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCipherSuiteProviderSupportedSuites(t *testing.T) {
	suites := []CipherSuite{
		P256Aes128Gcm,
		X25519Aes128Gcm,
		X25519Chacha20Poly1305,
		X448Aes256Gcm,
		P521Aes256Gcm,
		X448Chacha20Poly1305,
		P384Aes256Gcm,
	}
	for _, suite := range suites {
		suite := suite
		t.Run(suite.String(), func(t *testing.T) {
			cs, err := NewCipherSuiteProvider(suite)
			require.NoError(t, err)
			require.Equal(t, suite, cs.Suite())
			require.Greater(t, cs.HashSize(), 0)
		})
	}
}

func TestCipherSuiteProviderUnsupportedSuite(t *testing.T) {
	_, err := NewCipherSuiteProvider(CipherSuite(0xffff))
	require.Error(t, err)
	code, ok := codeOf(err)
	require.True(t, ok)
	require.Equal(t, ErrUnsupportedCiphersuite, code)
}

func TestCipherSuiteHashDeterministic(t *testing.T) {
	cs := testCipherSuite()
	h1 := cs.Hash([]byte("input"))
	h2 := cs.Hash([]byte("input"))
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, cs.Hash([]byte("different")))
}

func TestCipherSuiteAeadRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	key := make([]byte, cs.AeadKeySize())
	nonce := make([]byte, cs.AeadNonceSize())
	for i := range key {
		key[i] = byte(i)
	}
	aad := []byte("aad")
	pt := []byte("plaintext message")

	ct, err := cs.AeadSeal(key, nonce, aad, pt)
	require.NoError(t, err)

	got, err := cs.AeadOpen(key, nonce, aad, ct)
	require.NoError(t, err)
	require.Equal(t, pt, got)

	_, err = cs.AeadOpen(key, nonce, []byte("wrong aad"), ct)
	require.Error(t, err)
}

func TestCipherSuiteHpkeSealOpenRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	priv, pub, err := cs.HpkeGenerateKeyPair()
	require.NoError(t, err)

	kemOutput, ct, err := cs.HpkeSeal(pub, []byte("info"), []byte("aad"), []byte("secret"))
	require.NoError(t, err)

	pt, err := cs.HpkeOpen(priv, kemOutput, []byte("info"), []byte("aad"), ct)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), pt)
}

func TestCipherSuiteSignVerifyRoundTrip(t *testing.T) {
	cs := testCipherSuite()
	priv, pub, err := cs.SignatureGenerateKeyPair()
	require.NoError(t, err)

	msg := []byte("message to sign")
	sig, err := cs.Sign(priv, msg)
	require.NoError(t, err)
	require.True(t, cs.Verify(pub, msg, sig))
	require.False(t, cs.Verify(pub, []byte("tampered"), sig))
}

func TestCipherSuiteExpandWithLabelDistinctPerLabel(t *testing.T) {
	cs := testCipherSuite()
	secret := cs.Hash([]byte("root"))
	a := cs.ExpandWithLabel(secret, "a", nil, cs.HashSize())
	b := cs.ExpandWithLabel(secret, "b", nil, cs.HashSize())
	require.NotEqual(t, a, b)
}

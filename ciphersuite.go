package mls

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"math/big"

	hpke "github.com/cisco/go-hpke"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// CipherSuite identifies the concrete {KEM, AEAD, hash, signature} tuple
// bound to a group for its entire lifetime (spec.md §3, §6). The numeric
// values match the RFC 9420 registry.
type CipherSuite uint16

const (
	P256Aes128Gcm            CipherSuite = 1
	X25519Aes128Gcm          CipherSuite = 2
	X25519Chacha20Poly1305   CipherSuite = 3
	X448Aes256Gcm            CipherSuite = 4
	P521Aes256Gcm            CipherSuite = 5
	X448Chacha20Poly1305     CipherSuite = 6
	P384Aes256Gcm            CipherSuite = 7
)

func (cs CipherSuite) String() string {
	switch cs {
	case P256Aes128Gcm:
		return "MLS_128_DHKEMP256_AES128GCM_SHA256_P256"
	case X25519Aes128Gcm:
		return "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"
	case X25519Chacha20Poly1305:
		return "MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519"
	case X448Aes256Gcm:
		return "MLS_256_DHKEMX448_AES256GCM_SHA512_Ed448"
	case P521Aes256Gcm:
		return "MLS_256_DHKEMP521_AES256GCM_SHA512_P521"
	case X448Chacha20Poly1305:
		return "MLS_256_DHKEMX448_CHACHA20POLY1305_SHA512_Ed448"
	case P384Aes256Gcm:
		return "MLS_256_DHKEMP384_AES256GCM_SHA384_P384"
	default:
		return fmt.Sprintf("CipherSuite(%d)", uint16(cs))
	}
}

type suiteConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
}

// constants reports the AEAD key/nonce size and KDF/hash output size for
// the suite, matching the per-suite table in RFC 9420 §5.1.
func (cs CipherSuite) constants() suiteConstants {
	switch cs {
	case P256Aes128Gcm, X25519Aes128Gcm:
		return suiteConstants{KeySize: 16, NonceSize: 12, SecretSize: 32}
	case X25519Chacha20Poly1305:
		return suiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 32}
	case X448Chacha20Poly1305:
		return suiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 64}
	case X448Aes256Gcm, P521Aes256Gcm:
		return suiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 64}
	case P384Aes256Gcm:
		return suiteConstants{KeySize: 32, NonceSize: 12, SecretSize: 48}
	default:
		panic(fmt.Sprintf("unsupported ciphersuite %d", cs))
	}
}

func (cs CipherSuite) hashNew() func() hashState {
	switch cs {
	case P384Aes256Gcm:
		return func() hashState { return sha512.New384() }
	case X448Aes256Gcm, P521Aes256Gcm, X448Chacha20Poly1305:
		return func() hashState { return sha512.New() }
	default:
		return func() hashState { return sha256.New() }
	}
}

func (cs CipherSuite) cryptoHash() crypto.Hash {
	switch cs {
	case P384Aes256Gcm:
		return crypto.SHA384
	case X448Aes256Gcm, P521Aes256Gcm, X448Chacha20Poly1305:
		return crypto.SHA512
	default:
		return crypto.SHA256
	}
}

// hashState is a local alias for an interface with the same methods as
// hash.Hash (io.Writer plus Sum, Reset, Size and BlockSize).
type hashState = interface {
	io.Writer
	Sum([]byte) []byte
	Reset()
	Size() int
	BlockSize() int
}

// CipherSuiteProvider is the capability interface described in spec.md
// §4.A. All methods are safe for concurrent use (spec.md §5) since each
// concrete provider is stateless apart from its immutable suite
// parameters.
type CipherSuiteProvider interface {
	Suite() CipherSuite
	HashSize() int

	Hash(data []byte) []byte
	Mac(key, data []byte) []byte

	HkdfExtract(salt, ikm []byte) []byte
	HkdfExpand(prk, info []byte, length int) []byte
	ExpandWithLabel(secret []byte, label string, context []byte, length int) []byte
	DeriveSecret(secret []byte, label string) []byte
	// deriveAppSecret matches the teacher's per-(node,generation) hash
	// ratchet derivation used by key_schedule.go.
	deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte

	AeadKeySize() int
	AeadNonceSize() int
	AeadSeal(key, nonce, aad, pt []byte) ([]byte, error)
	AeadOpen(key, nonce, aad, ct []byte) ([]byte, error)

	HpkeSeal(pub []byte, info, aad, pt []byte) (kemOutput, ciphertext []byte, err error)
	HpkeOpen(priv []byte, kemOutput, info, aad, ct []byte) ([]byte, error)
	HpkeExport(pub []byte, info, exportContext []byte, length int) (kemOutput, secret []byte, err error)
	HpkeExportOpen(priv []byte, kemOutput, info, exportContext []byte, length int) ([]byte, error)
	HpkeDeriveKeyPair(seed []byte) (priv, pub []byte, err error)
	HpkeGenerateKeyPair() (priv, pub []byte, err error)

	SignatureGenerateKeyPair() (priv, pub []byte, err error)
	Sign(priv, message []byte) ([]byte, error)
	Verify(pub, message, sig []byte) bool
}

type cipherSuiteProvider struct {
	suite    CipherSuite
	hpke     hpke.CipherSuite
	hashNew  func() hashState
	aeadNew  func(key []byte) (cipher.AEAD, error)
	isEd448  bool // not set by NewCipherSuiteProvider and not read by any method; X448 suites sign with Ed25519
}

// NewCipherSuiteProvider constructs the capability handle for a suite tag.
// It is the sole factory referenced by group construction and join.
func NewCipherSuiteProvider(suite CipherSuite) (CipherSuiteProvider, error) {
	kemID, kdfID, aeadID, ok := suiteHpkeIDs(suite)
	if !ok {
		return nil, newError(ErrUnsupportedCiphersuite, suite.String())
	}

	hs, err := hpke.AssembleCipherSuite(kemID, kdfID, aeadID)
	if err != nil {
		return nil, wrapError(ErrUnsupportedCiphersuite, suite.String(), err)
	}

	return &cipherSuiteProvider{
		suite:   suite,
		hpke:    hs,
		hashNew: suite.hashNew(),
		aeadNew: aeadConstructor(suite),
	}, nil
}

func suiteHpkeIDs(suite CipherSuite) (hpke.KEMID, hpke.KDFID, hpke.AEADID, bool) {
	switch suite {
	case P256Aes128Gcm:
		return hpke.DHKEM_P256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM, true
	case X25519Aes128Gcm:
		return hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM, true
	case X25519Chacha20Poly1305:
		return hpke.DHKEM_X25519, hpke.KDF_HKDF_SHA256, hpke.AEAD_CHACHA20POLY1305, true
	case X448Aes256Gcm:
		return hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_AES256GCM, true
	case P521Aes256Gcm:
		return hpke.DHKEM_P521, hpke.KDF_HKDF_SHA512, hpke.AEAD_AES256GCM, true
	case X448Chacha20Poly1305:
		return hpke.DHKEM_X448, hpke.KDF_HKDF_SHA512, hpke.AEAD_CHACHA20POLY1305, true
	case P384Aes256Gcm:
		return hpke.DHKEM_P384, hpke.KDF_HKDF_SHA384, hpke.AEAD_AES256GCM, true
	default:
		return 0, 0, 0, false
	}
}

func aeadConstructor(suite CipherSuite) func([]byte) (cipher.AEAD, error) {
	switch suite {
	case X25519Chacha20Poly1305, X448Chacha20Poly1305:
		return chacha20poly1305.New
	default:
		return func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		}
	}
}

func (p *cipherSuiteProvider) Suite() CipherSuite { return p.suite }
func (p *cipherSuiteProvider) HashSize() int       { return p.suite.constants().SecretSize }

func (p *cipherSuiteProvider) Hash(data []byte) []byte {
	h := p.hashNew()
	h.Write(data)
	return h.Sum(nil)
}

func (p *cipherSuiteProvider) Mac(key, data []byte) []byte {
	return macImpl(p.hashNew, key, data)
}

func macImpl(hashNew func() hashState, key, data []byte) []byte {
	h := hmac.New(func() hash.Hash { return hashNew() }, key)
	h.Write(data)
	return h.Sum(nil)
}

func (p *cipherSuiteProvider) HkdfExtract(salt, ikm []byte) []byte {
	return macImpl(p.hashNew, salt, ikm)
}

func (p *cipherSuiteProvider) HkdfExpand(prk, info []byte, length int) []byte {
	r := hkdf.Expand(func() hash.Hash { return p.hashNew() }, prk, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		panic(fmt.Sprintf("hkdf expand: %v", err))
	}
	return out
}

// ExpandWithLabel implements the MLS ExpandWithLabel construction: a
// length-prefixed, "MLS 1.0 "-tagged info string feeds HKDF-Expand.
func (p *cipherSuiteProvider) ExpandWithLabel(secret []byte, label string, context []byte, length int) []byte {
	info := encodeHkdfLabel(length, "MLS 1.0 "+label, context)
	return p.HkdfExpand(secret, info, length)
}

// DeriveSecret is ExpandWithLabel(secret, label, "", Hash.length).
func (p *cipherSuiteProvider) DeriveSecret(secret []byte, label string) []byte {
	return p.ExpandWithLabel(secret, label, []byte{}, p.HashSize())
}

// deriveAppSecret matches the teacher's deriveAppSecret(secret, label,
// node, generation, length) used for per-sender hash ratchets: the node
// index and generation are folded into the context the same way the
// teacher's key-schedule.go implicitly relied on via its own
// suite.deriveAppSecret helper (not present in the single retrieved
// teacher file, so this reconstructs it per spec.md §4.E/§4.G from the
// same ExpandWithLabel primitive).
func (p *cipherSuiteProvider) deriveAppSecret(secret []byte, label string, node nodeIndex, generation uint32, length int) []byte {
	context := make([]byte, 8)
	context[0] = byte(node >> 24)
	context[1] = byte(node >> 16)
	context[2] = byte(node >> 8)
	context[3] = byte(node)
	context[4] = byte(generation >> 24)
	context[5] = byte(generation >> 16)
	context[6] = byte(generation >> 8)
	context[7] = byte(generation)
	return p.ExpandWithLabel(secret, label, context, length)
}

func (p *cipherSuiteProvider) AeadKeySize() int   { return p.suite.constants().KeySize }
func (p *cipherSuiteProvider) AeadNonceSize() int { return p.suite.constants().NonceSize }

func (p *cipherSuiteProvider) AeadSeal(key, nonce, aad, pt []byte) ([]byte, error) {
	if len(pt) == 0 {
		return nil, newError(ErrAeadOpenFailed, "AEAD requires non-empty plaintext")
	}
	aead, err := p.aeadNew(key)
	if err != nil {
		return nil, wrapError(ErrInvalidKeyLength, "aead key", err)
	}
	return aead.Seal(nil, nonce, pt, aad), nil
}

func (p *cipherSuiteProvider) AeadOpen(key, nonce, aad, ct []byte) ([]byte, error) {
	if len(ct) < 16 {
		return nil, newError(ErrAeadOpenFailed, "ciphertext shorter than tag length")
	}
	aead, err := p.aeadNew(key)
	if err != nil {
		return nil, wrapError(ErrInvalidKeyLength, "aead key", err)
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, wrapError(ErrAeadOpenFailed, "", err)
	}
	return pt, nil
}

func (p *cipherSuiteProvider) HpkeSeal(pub []byte, info, aad, pt []byte) ([]byte, []byte, error) {
	pubKey, err := p.hpke.KEM.Deserialize(pub)
	if err != nil {
		return nil, nil, wrapError(ErrInvalidKeyLength, "hpke public key", err)
	}
	enc, ctx, err := hpke.SetupBaseS(p.hpke, rand.Reader, pubKey, info)
	if err != nil {
		return nil, nil, wrapError(ErrHpkeOpenFailed, "setup", err)
	}
	ct := ctx.Seal(aad, pt)
	return enc, ct, nil
}

func (p *cipherSuiteProvider) HpkeOpen(priv []byte, kemOutput, info, aad, ct []byte) ([]byte, error) {
	privKey, err := p.hpke.KEM.DeserializePrivate(priv)
	if err != nil {
		return nil, wrapError(ErrInvalidKeyLength, "hpke private key", err)
	}
	ctx, err := hpke.SetupBaseR(p.hpke, privKey, kemOutput, info)
	if err != nil {
		return nil, wrapError(ErrHpkeOpenFailed, "setup", err)
	}
	pt, err := ctx.Open(aad, ct)
	if err != nil {
		return nil, wrapError(ErrHpkeOpenFailed, "", err)
	}
	return pt, nil
}

func (p *cipherSuiteProvider) HpkeExport(pub []byte, info, exportContext []byte, length int) ([]byte, []byte, error) {
	pubKey, err := p.hpke.KEM.Deserialize(pub)
	if err != nil {
		return nil, nil, wrapError(ErrInvalidKeyLength, "hpke public key", err)
	}
	enc, ctx, err := hpke.SetupBaseS(p.hpke, rand.Reader, pubKey, info)
	if err != nil {
		return nil, nil, wrapError(ErrHpkeOpenFailed, "setup", err)
	}
	return enc, ctx.Export(exportContext, length), nil
}

func (p *cipherSuiteProvider) HpkeExportOpen(priv []byte, kemOutput, info, exportContext []byte, length int) ([]byte, error) {
	privKey, err := p.hpke.KEM.DeserializePrivate(priv)
	if err != nil {
		return nil, wrapError(ErrInvalidKeyLength, "hpke private key", err)
	}
	ctx, err := hpke.SetupBaseR(p.hpke, privKey, kemOutput, info)
	if err != nil {
		return nil, wrapError(ErrHpkeOpenFailed, "setup", err)
	}
	return ctx.Export(exportContext, length), nil
}

func (p *cipherSuiteProvider) HpkeDeriveKeyPair(seed []byte) ([]byte, []byte, error) {
	priv, pub, err := p.hpke.KEM.DeriveKeyPair(seed)
	if err != nil {
		return nil, nil, wrapError(ErrInvalidKeyLength, "hpke derive key pair", err)
	}
	return p.hpke.KEM.SerializePrivate(priv), p.hpke.KEM.Serialize(pub), nil
}

func (p *cipherSuiteProvider) HpkeGenerateKeyPair() ([]byte, []byte, error) {
	seed := make([]byte, p.hpke.KEM.PrivateKeySize())
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, nil, err
	}
	return p.HpkeDeriveKeyPair(seed)
}

// Sign/Verify use ECDSA over the matching NIST curve, applied to the
// suite's hash of the message, for the P-suites, and Ed25519 over the raw
// message for every other suite, the X448 suites included. Ed448 is not
// implemented.
func (p *cipherSuiteProvider) SignatureGenerateKeyPair() ([]byte, []byte, error) {
	switch p.suite {
	case P256Aes128Gcm, P384Aes256Gcm, P521Aes256Gcm:
		curve := p.ecdsaCurve()
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		pub := elliptic.Marshal(curve, priv.PublicKey.X, priv.PublicKey.Y)
		return priv.D.Bytes(), pub, nil
	default:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return priv, pub, nil
	}
}

func (p *cipherSuiteProvider) ecdsaCurve() elliptic.Curve {
	switch p.suite {
	case P256Aes128Gcm:
		return elliptic.P256()
	case P384Aes256Gcm:
		return elliptic.P384()
	case P521Aes256Gcm:
		return elliptic.P521()
	default:
		panic("not an ECDSA suite")
	}
}

func (p *cipherSuiteProvider) Sign(priv, message []byte) ([]byte, error) {
	switch p.suite {
	case P256Aes128Gcm, P384Aes256Gcm, P521Aes256Gcm:
		curve := p.ecdsaCurve()
		d := new(big.Int).SetBytes(priv)
		key := &ecdsa.PrivateKey{D: d, PublicKey: ecdsa.PublicKey{Curve: curve}}
		key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(priv)
		digest := p.Hash(message)
		return ecdsa.SignASN1(rand.Reader, key, digest)
	default:
		if len(priv) != ed25519.PrivateKeySize {
			return nil, newError(ErrInvalidKeyLength, "ed25519 private key")
		}
		return ed25519.Sign(ed25519.PrivateKey(priv), message), nil
	}
}

func (p *cipherSuiteProvider) Verify(pub, message, sig []byte) bool {
	switch p.suite {
	case P256Aes128Gcm, P384Aes256Gcm, P521Aes256Gcm:
		curve := p.ecdsaCurve()
		x, y := elliptic.Unmarshal(curve, pub)
		if x == nil {
			return false
		}
		key := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
		digest := p.Hash(message)
		return ecdsa.VerifyASN1(key, digest, sig)
	default:
		if len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub), message, sig)
	}
}

// encodeHkdfLabel builds the MLS HkdfLabel TLS struct by hand (length u16,
// label as an opaque<0..255>, context as opaque<0..255>) to avoid a
// circular dependency on the tls-syntax marshaler for this leaf helper.
func encodeHkdfLabel(length int, label string, context []byte) []byte {
	out := make([]byte, 0, 2+1+len(label)+1+len(context))
	out = append(out, byte(length>>8), byte(length))
	out = append(out, byte(len(label)))
	out = append(out, []byte(label)...)
	out = append(out, byte(len(context)))
	out = append(out, context...)
	return out
}

package mls

// Shared fixtures for the test suite: a ciphersuite provider, an identity
// provider, and a way to mint signed key packages for test members.

func testCipherSuite() CipherSuiteProvider {
	cs, err := NewCipherSuiteProvider(X25519Aes128Gcm)
	if err != nil {
		panic(err)
	}
	return cs
}

func testIdentityProvider() IdentityProvider {
	return NewBasicIdentityProvider()
}

// testMember bundles everything one simulated client needs to join or
// create a group: its signed KeyPackage, the HPKE private key backing both
// the leaf's encryption key and the KeyPackage's init key (this module's
// single-keypair simplification, per key_package.go/group.go), and the
// signature private key backing every leaf-node/commit/key-package
// signature this member produces.
type testMember struct {
	kp        KeyPackage
	hpkePriv  []byte
	signPriv  []byte
	signIdent SigningIdentity
}

func newTestMember(cs CipherSuiteProvider, name string) testMember {
	signPriv, signPub, err := cs.SignatureGenerateKeyPair()
	if err != nil {
		panic(err)
	}
	hpkePriv, hpkePub, err := cs.HpkeGenerateKeyPair()
	if err != nil {
		panic(err)
	}

	identity := SigningIdentity{SignatureKey: signPub, Credential: BasicCredential([]byte(name))}
	ln := LeafNode{
		HpkePublicKey:   hpkePub,
		SigningIdentity: identity,
		Capabilities:    defaultCapabilities(cs.Suite()),
		Source:          LeafNodeSourceKeyPackage,
		Lifetime:        Lifetime{NotBefore: 0, NotAfter: 1 << 62},
	}
	if err := ln.Sign(cs, signPriv, nil, 0); err != nil {
		panic(err)
	}

	kp := KeyPackage{
		Version:     uint16(Mls10),
		CipherSuite: cs.Suite(),
		HpkeInitKey: hpkePub,
		LeafNode:    ln,
	}
	if err := kp.Sign(cs, signPriv); err != nil {
		panic(err)
	}

	return testMember{kp: kp, hpkePriv: hpkePriv, signPriv: signPriv, signIdent: identity}
}

// newTestGroup creates a fresh one-member group for a test, returning the
// Group and the creator's fixture so the caller can sign further leaves.
func newTestGroup(cs CipherSuiteProvider, idp IdentityProvider, groupID []byte) (*Group, testMember) {
	creator := newTestMember(cs, "creator")
	g, err := NewGroup(cs, idp, NewMemoryPskStore(), NewMemoryKeyPackageStore(cs), groupID, creator.kp, creator.hpkePriv, creator.signPriv)
	if err != nil {
		panic(err)
	}
	return g, creator
}

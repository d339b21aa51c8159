package mls

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	_ "crypto/sha512"
	"fmt"
	"io"

	"github.com/cisco/go-hpke"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/hkdf"
)

type CipherSuite uint16

const (
	X25519_AES128GCM_SHA256_Ed25519        CipherSuite = 0x0001
	P256_AES128GCM_SHA256_P256             CipherSuite = 0x0002
	X25519_CHACHA20POLY1305_SHA256_Ed25519 CipherSuite = 0x0003
	X448_AES256GCM_SHA512_Ed448            CipherSuite = 0x0004
	P521_AES256GCM_SHA512_P521             CipherSuite = 0x0005
	X448_CHACHA20POLY1305_SHA512_Ed448     CipherSuite = 0x0006
)

type cipherConstants struct {
	KeySize    int
	NonceSize  int
	SecretSize int
	HPKEKEM    hpke.KEMID
	HPKEKDF    hpke.KDFID
	HPKEAEAD   hpke.AEADID
	Hash       crypto.Hash
}

var cipherSuiteConstants = map[CipherSuite]cipherConstants{
	X25519_AES128GCM_SHA256_Ed25519: {
		KeySize:    16,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_X25519,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_AESGCM128,
		Hash:       crypto.SHA256,
	},
	P256_AES128GCM_SHA256_P256: {
		KeySize:    16,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_P256,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_AESGCM128,
		Hash:       crypto.SHA256,
	},
	X25519_CHACHA20POLY1305_SHA256_Ed25519: {
		KeySize:    32,
		NonceSize:  12,
		SecretSize: 32,
		HPKEKEM:    hpke.DHKEM_X25519,
		HPKEKDF:    hpke.KDF_HKDF_SHA256,
		HPKEAEAD:   hpke.AEAD_CHACHA20POLY1305,
		Hash:       crypto.SHA256,
	},
	P521_AES256GCM_SHA512_P521: {
		KeySize:    32,
		NonceSize:  12,
		SecretSize: 64,
		HPKEKEM:    hpke.DHKEM_P521,
		HPKEKDF:    hpke.KDF_HKDF_SHA512,
		HPKEAEAD:   hpke.AEAD_AESGCM256,
		Hash:       crypto.SHA512,
	},
}

// SupportedCipherSuites lists the suites this build can run, in registry
// order.  Ed448 suites are registered but not supported.
func SupportedCipherSuites() []CipherSuite {
	return []CipherSuite{
		X25519_AES128GCM_SHA256_Ed25519,
		P256_AES128GCM_SHA256_P256,
		X25519_CHACHA20POLY1305_SHA256_Ed25519,
		P521_AES256GCM_SHA512_P521,
	}
}

func (cs CipherSuite) Supported() bool {
	_, ok := cipherSuiteConstants[cs]
	return ok
}

func (cs CipherSuite) Constants() cipherConstants {
	c, ok := cipherSuiteConstants[cs]
	if !ok {
		panic(fmt.Sprintf("mls.crypto: unsupported ciphersuite %04x", uint16(cs)))
	}
	return c
}

func (cs CipherSuite) String() string {
	switch cs {
	case X25519_AES128GCM_SHA256_Ed25519:
		return "X25519_AES128GCM_SHA256_Ed25519"
	case P256_AES128GCM_SHA256_P256:
		return "P256_AES128GCM_SHA256_P256"
	case X25519_CHACHA20POLY1305_SHA256_Ed25519:
		return "X25519_CHACHA20POLY1305_SHA256_Ed25519"
	case X448_AES256GCM_SHA512_Ed448:
		return "X448_AES256GCM_SHA512_Ed448"
	case P521_AES256GCM_SHA512_P521:
		return "P521_AES256GCM_SHA512_P521"
	case X448_CHACHA20POLY1305_SHA512_Ed448:
		return "X448_CHACHA20POLY1305_SHA512_Ed448"
	}
	return "UnknownCipherSuite"
}

func (cs CipherSuite) hpkeSuite() (hpke.CipherSuite, error) {
	c, ok := cipherSuiteConstants[cs]
	if !ok {
		return hpke.CipherSuite{}, fmt.Errorf("mls.crypto: unsupported ciphersuite %04x: %w", uint16(cs), ErrUnsupportedCipherSuite)
	}
	return hpke.AssembleCipherSuite(c.HPKEKEM, c.HPKEKDF, c.HPKEAEAD)
}

///
/// HPKE
///

// opaque HPKEPublicKey<1..2^16-1>;
type HPKEPublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k HPKEPublicKey) Equals(o HPKEPublicKey) bool {
	return string(k.Data) == string(o.Data)
}

type HPKEPrivateKey struct {
	Data      []byte `tls:"head=2"`
	PublicKey HPKEPublicKey
}

func (k *HPKEPrivateKey) destroy() {
	zeroize(k.Data)
}

//	struct {
//	    opaque kem_output<0..2^16-1>;
//	    opaque ciphertext<0..2^32-1>;
//	} HPKECiphertext;
type HPKECiphertext struct {
	KEMOutput  []byte `tls:"head=2"`
	Ciphertext []byte `tls:"head=4"`
}

///
/// Provider
///

// Provider is the set of primitives the key schedule and the tree consume.
// Implementations must be deterministic for everything except RandomBytes
// and the ephemeral key inside HPKESeal.
type Provider interface {
	Extract(suite CipherSuite, salt, ikm []byte) ([]byte, error)
	Expand(suite CipherSuite, prk, info []byte, length int) ([]byte, error)
	Hash(suite CipherSuite, data []byte) ([]byte, error)
	RandomBytes(n int) ([]byte, error)
	DeriveHPKEKeyPair(suite CipherSuite, ikm []byte) (HPKEPrivateKey, error)
	HPKESeal(suite CipherSuite, pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error)
	HPKEOpen(suite CipherSuite, priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error)
}

// DefaultProvider implements Provider with go-hpke and x/crypto.
type DefaultProvider struct {
	Rand io.Reader
}

func NewDefaultProvider() *DefaultProvider {
	return &DefaultProvider{Rand: rand.Reader}
}

func (p *DefaultProvider) rand() io.Reader {
	if p.Rand == nil {
		return rand.Reader
	}
	return p.Rand
}

func hashFunc(suite CipherSuite) (crypto.Hash, error) {
	c, ok := cipherSuiteConstants[suite]
	if !ok {
		return 0, fmt.Errorf("mls.crypto: unsupported ciphersuite %04x: %w", uint16(suite), ErrUnsupportedCipherSuite)
	}
	return c.Hash, nil
}

func (p *DefaultProvider) Extract(suite CipherSuite, salt, ikm []byte) ([]byte, error) {
	h, err := hashFunc(suite)
	if err != nil {
		return nil, err
	}
	return hkdf.Extract(h.New, ikm, salt), nil
}

func (p *DefaultProvider) Expand(suite CipherSuite, prk, info []byte, length int) ([]byte, error) {
	h, err := hashFunc(suite)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("mls.crypto: expand: %w", err)
	}
	return out, nil
}

func (p *DefaultProvider) Hash(suite CipherSuite, data []byte) ([]byte, error) {
	h, err := hashFunc(suite)
	if err != nil {
		return nil, err
	}

	d := h.New()
	d.Write(data)
	return d.Sum(nil), nil
}

func (p *DefaultProvider) RandomBytes(n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(p.rand(), out); err != nil {
		return nil, fmt.Errorf("mls.crypto: random: %w", err)
	}
	return out, nil
}

func (p *DefaultProvider) DeriveHPKEKeyPair(suite CipherSuite, ikm []byte) (HPKEPrivateKey, error) {
	hs, err := suite.hpkeSuite()
	if err != nil {
		return HPKEPrivateKey{}, err
	}

	sk, pk, err := hs.KEM.DeriveKeyPair(ikm)
	if err != nil {
		return HPKEPrivateKey{}, fmt.Errorf("mls.crypto: derive key pair: %w", err)
	}

	return HPKEPrivateKey{
		Data:      hs.KEM.SerializePrivate(sk),
		PublicKey: HPKEPublicKey{Data: hs.KEM.Serialize(pk)},
	}, nil
}

func (p *DefaultProvider) HPKESeal(suite CipherSuite, pub HPKEPublicKey, aad, pt []byte) (HPKECiphertext, error) {
	hs, err := suite.hpkeSuite()
	if err != nil {
		return HPKECiphertext{}, err
	}

	pkR, err := hs.KEM.Deserialize(pub.Data)
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls.crypto: hpke public key: %w", err)
	}

	enc, ctx, err := hpke.SetupBaseS(hs, p.rand(), pkR, []byte{})
	if err != nil {
		return HPKECiphertext{}, fmt.Errorf("mls.crypto: hpke setup: %w", err)
	}

	return HPKECiphertext{
		KEMOutput:  enc,
		Ciphertext: ctx.Seal(aad, pt),
	}, nil
}

func (p *DefaultProvider) HPKEOpen(suite CipherSuite, priv HPKEPrivateKey, aad []byte, ct HPKECiphertext) ([]byte, error) {
	hs, err := suite.hpkeSuite()
	if err != nil {
		return nil, err
	}

	skR, err := hs.KEM.DeserializePrivate(priv.Data)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: hpke private key: %w", err)
	}

	ctx, err := hpke.SetupBaseR(hs, skR, ct.KEMOutput, []byte{})
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: hpke setup: %w", err)
	}

	pt, err := ctx.Open(aad, ct.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("mls.crypto: hpke open: %w", err)
	}
	return pt, nil
}

///
/// Signatures
///

type SignatureScheme uint16

const (
	Ed25519 SignatureScheme = 0x0807
)

func (ss SignatureScheme) String() string {
	switch ss {
	case Ed25519:
		return "Ed25519"
	}
	return "UnknownSignatureScheme"
}

func (ss SignatureScheme) ValidForTLS() error {
	return validateEnum(ss, Ed25519)
}

// opaque SignaturePublicKey<1..2^16-1>;
type SignaturePublicKey struct {
	Data []byte `tls:"head=2"`
}

func (k SignaturePublicKey) Equals(o SignaturePublicKey) bool {
	return string(k.Data) == string(o.Data)
}

type SignaturePrivateKey struct {
	Data      []byte
	PublicKey SignaturePublicKey
}

func (ss SignatureScheme) Generate() (SignaturePrivateKey, error) {
	if ss != Ed25519 {
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SignaturePrivateKey{}, err
	}

	return SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{Data: pub},
	}, nil
}

func (ss SignatureScheme) Derive(seed []byte) (SignaturePrivateKey, error) {
	if ss != Ed25519 {
		return SignaturePrivateKey{}, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
	}

	digest := sha256.Sum256(seed)
	priv := ed25519.NewKeyFromSeed(digest[:])
	return SignaturePrivateKey{
		Data:      priv,
		PublicKey: SignaturePublicKey{Data: priv.Public().(ed25519.PublicKey)},
	}, nil
}

func (ss SignatureScheme) Sign(priv *SignaturePrivateKey, message []byte) ([]byte, error) {
	if ss != Ed25519 {
		return nil, fmt.Errorf("mls.crypto: unsupported signature scheme %v", ss)
	}
	if len(priv.Data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mls.crypto: malformed signature private key")
	}
	return ed25519.Sign(ed25519.PrivateKey(priv.Data), message), nil
}

func (ss SignatureScheme) Verify(pub *SignaturePublicKey, message, signature []byte) bool {
	if ss != Ed25519 || len(pub.Data) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub.Data), message, signature)
}

package mls

import (
	"crypto/subtle"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type ProtocolVersion uint8

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x01
)

// Secret is a ciphersuite-tagged secret value.  Values are produced by the
// derivation helpers in this package; NewSecret exists for callers that
// receive raw secret material from outside (PSKs, test vectors).
type Secret struct {
	Suite   CipherSuite
	Version ProtocolVersion
	value   []byte
}

func NewSecret(suite CipherSuite, version ProtocolVersion, value []byte) *Secret {
	return &Secret{Suite: suite, Version: version, value: dup(value)}
}

func zeroSecret(suite CipherSuite, version ProtocolVersion) *Secret {
	return &Secret{
		Suite:   suite,
		Version: version,
		value:   make([]byte, suite.Constants().SecretSize),
	}
}

func randomSecret(p Provider, suite CipherSuite, version ProtocolVersion) (*Secret, error) {
	value, err := p.RandomBytes(suite.Constants().SecretSize)
	if err != nil {
		return nil, err
	}
	return &Secret{Suite: suite, Version: version, value: value}, nil
}

// Bytes returns a copy of the secret value.
func (s *Secret) Bytes() []byte {
	return dup(s.value)
}

func (s *Secret) Len() int {
	return len(s.value)
}

// Equal compares in constant time.  Secrets of different suites are never
// equal.
func (s *Secret) Equal(o *Secret) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Suite != o.Suite || s.Version != o.Version {
		return false
	}
	return subtle.ConstantTimeCompare(s.value, o.value) == 1
}

func (s *Secret) Clone() *Secret {
	if s == nil {
		return nil
	}
	return &Secret{Suite: s.Suite, Version: s.Version, value: dup(s.value)}
}

// Destroy zeroizes the value.  A destroyed secret keeps its length so that
// misuse shows up as a wrong derivation rather than a panic.
func (s *Secret) Destroy() {
	if s == nil {
		return
	}
	zeroize(s.value)
}

func (s *Secret) String() string {
	return fmt.Sprintf("Secret(%v, %d bytes)", s.Suite, len(s.value))
}

///
/// Derivation
///

//	struct {
//	    uint16 length = Length;
//	    opaque label<7..255> = "mls10 " + Label;
//	    opaque context<0..2^32-1> = Context;
//	} KDFLabel;
type kdfLabel struct {
	Length  uint16
	Label   []byte `tls:"head=1"`
	Context []byte `tls:"head=4"`
}

const labelPrefix = "mls10 "

func (s *Secret) checkSuite(o *Secret) error {
	if s.Suite != o.Suite {
		return fmt.Errorf("mls.secret: %v != %v: %w", s.Suite, o.Suite, ErrCipherSuiteMismatch)
	}
	return nil
}

// extract runs HKDF-Extract with s as the salt.
func (s *Secret) extract(p Provider, ikm *Secret) (*Secret, error) {
	if err := s.checkSuite(ikm); err != nil {
		return nil, err
	}

	prk, err := p.Extract(s.Suite, s.value, ikm.value)
	if err != nil {
		return nil, err
	}
	return &Secret{Suite: s.Suite, Version: s.Version, value: prk}, nil
}

func (s *Secret) expandWithLabel(p Provider, label string, context []byte, length int) (*Secret, error) {
	info, err := syntax.Marshal(kdfLabel{
		Length:  uint16(length),
		Label:   []byte(labelPrefix + label),
		Context: context,
	})
	if err != nil {
		return nil, fmt.Errorf("mls.secret: marshal label %q: %w", label, err)
	}

	out, err := p.Expand(s.Suite, s.value, info, length)
	if err != nil {
		return nil, err
	}
	return &Secret{Suite: s.Suite, Version: s.Version, value: out}, nil
}

// deriveSecret is ExpandWithLabel(s, label, "", Hash.length).
func (s *Secret) deriveSecret(p Provider, label string) (*Secret, error) {
	return s.expandWithLabel(p, label, []byte{}, s.Suite.Constants().SecretSize)
}

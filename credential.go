package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type CredentialType uint8

const (
	CredentialTypeInvalid CredentialType = 255
	CredentialTypeBasic   CredentialType = 0
)

func (ct CredentialType) ValidForTLS() error {
	return validateEnum(ct, CredentialTypeBasic)
}

//	struct {
//	    opaque identity<0..2^16-1>;
//	    SignatureScheme algorithm;
//	    SignaturePublicKey public_key;
//	} BasicCredential;
type BasicCredential struct {
	Identity        []byte `tls:"head=2"`
	SignatureScheme SignatureScheme
	PublicKey       SignaturePublicKey
}

//		struct {
//			CredentialType credential_type;
//			select (Credential.credential_type) {
//				case basic:
//					BasicCredential;
//			};
//	} Credential;
type Credential struct {
	Basic *BasicCredential
}

func NewBasicCredential(userId []byte, scheme SignatureScheme, pub SignaturePublicKey) *Credential {
	basicCredential := &BasicCredential{
		Identity:        dup(userId),
		SignatureScheme: scheme,
		PublicKey:       SignaturePublicKey{Data: dup(pub.Data)},
	}
	return &Credential{Basic: basicCredential}
}

// compare the public aspects
func (c Credential) Equals(o Credential) bool {
	if c.Type() != CredentialTypeBasic || o.Type() != CredentialTypeBasic {
		return false
	}

	return bytes.Equal(c.Basic.Identity, o.Basic.Identity) &&
		c.Basic.SignatureScheme == o.Basic.SignatureScheme &&
		c.Basic.PublicKey.Equals(o.Basic.PublicKey)
}

func (c Credential) Clone() Credential {
	if c.Basic == nil {
		return Credential{}
	}
	return *NewBasicCredential(c.Basic.Identity, c.Basic.SignatureScheme, c.Basic.PublicKey)
}

func (c Credential) Type() CredentialType {
	if c.Basic != nil {
		return CredentialTypeBasic
	}
	return CredentialTypeInvalid
}

func (c Credential) Identity() []byte {
	if c.Basic == nil {
		return nil
	}
	return c.Basic.Identity
}

func (c Credential) Scheme() SignatureScheme {
	if c.Basic == nil {
		return 0
	}
	return c.Basic.SignatureScheme
}

func (c Credential) PublicKey() *SignaturePublicKey {
	if c.Basic == nil {
		return nil
	}
	return &c.Basic.PublicKey
}

func (c Credential) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	credentialType := c.Type()
	err := s.Write(credentialType)
	if err != nil {
		return nil, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		err = s.Write(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed")
	}

	if err != nil {
		return nil, err
	}

	return s.Data(), nil
}

func (c *Credential) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var credentialType CredentialType
	_, err := s.Read(&credentialType)
	if err != nil {
		return 0, err
	}

	switch credentialType {
	case CredentialTypeBasic:
		c.Basic = new(BasicCredential)
		_, err = s.Read(c.Basic)
	default:
		err = fmt.Errorf("mls.credential: CredentialType type not allowed")
	}

	if err != nil {
		return 0, err
	}
	return s.Position(), nil
}

package mls

import (
	"bytes"
	"fmt"

	syntax "github.com/cisco/go-tls-syntax"
)

type PSKType uint8

const (
	PSKTypeReserved PSKType = 0
	PSKTypeExternal PSKType = 1
	PSKTypeReinit   PSKType = 2
	PSKTypeBranch   PSKType = 3
)

func (pt PSKType) ValidForTLS() error {
	return validateEnum(pt, PSKTypeExternal, PSKTypeReinit, PSKTypeBranch)
}

type ExternalPSK struct {
	PSKID []byte `tls:"head=1"`
}

type ReinitPSK struct {
	GroupID []byte `tls:"head=1"`
	Epoch   Epoch
}

type BranchPSK struct {
	GroupID []byte `tls:"head=1"`
	Epoch   Epoch
}

//	struct {
//	    PSKType psktype;
//	    select (PreSharedKeyID.psktype) {
//	        case external:
//	            opaque psk_id<0..255>;
//	        case reinit:
//	            opaque psk_group_id<0..255>;
//	            uint64 psk_epoch;
//	        case branch:
//	            opaque psk_group_id<0..255>;
//	            uint64 psk_epoch;
//	    }
//	    opaque psk_nonce<0..255>;
//	} PreSharedKeyID;
type PreSharedKeyID struct {
	External *ExternalPSK
	Reinit   *ReinitPSK
	Branch   *BranchPSK
	Nonce    []byte
}

type pskNonce struct {
	Data []byte `tls:"head=1"`
}

func (id PreSharedKeyID) Type() PSKType {
	switch {
	case id.External != nil:
		return PSKTypeExternal
	case id.Reinit != nil:
		return PSKTypeReinit
	case id.Branch != nil:
		return PSKTypeBranch
	}
	return PSKTypeReserved
}

func (id PreSharedKeyID) MarshalTLS() ([]byte, error) {
	s := syntax.NewWriteStream()
	pskType := id.Type()
	err := s.Write(pskType)
	if err != nil {
		return nil, err
	}

	switch pskType {
	case PSKTypeExternal:
		err = s.Write(id.External)
	case PSKTypeReinit:
		err = s.Write(id.Reinit)
	case PSKTypeBranch:
		err = s.Write(id.Branch)
	default:
		err = fmt.Errorf("mls.psk: PSKType not allowed")
	}
	if err != nil {
		return nil, err
	}

	err = s.Write(pskNonce{id.Nonce})
	if err != nil {
		return nil, err
	}
	return s.Data(), nil
}

func (id *PreSharedKeyID) UnmarshalTLS(data []byte) (int, error) {
	s := syntax.NewReadStream(data)
	var pskType PSKType
	_, err := s.Read(&pskType)
	if err != nil {
		return 0, err
	}

	switch pskType {
	case PSKTypeExternal:
		id.External = new(ExternalPSK)
		_, err = s.Read(id.External)
	case PSKTypeReinit:
		id.Reinit = new(ReinitPSK)
		_, err = s.Read(id.Reinit)
	case PSKTypeBranch:
		id.Branch = new(BranchPSK)
		_, err = s.Read(id.Branch)
	default:
		err = fmt.Errorf("mls.psk: PSKType not allowed")
	}
	if err != nil {
		return 0, err
	}

	var nonce pskNonce
	_, err = s.Read(&nonce)
	if err != nil {
		return 0, err
	}
	id.Nonce = nonce.Data

	return s.Position(), nil
}

//	struct {
//	    PreSharedKeyID id;
//	    uint16 index;
//	    uint16 count;
//	} PSKLabel;
type pskLabel struct {
	ID    PreSharedKeyID
	Index uint16
	Count uint16
}

///
/// PskSecret
///

// PskSecret is the combination of all pre-shared keys injected into one
// epoch.
type PskSecret struct {
	*Secret
}

// NewPskSecret folds the given PSKs in order.  ids[i] names psks[i]; repeated
// ids are rejected rather than collapsed.  With no PSKs the result is the
// all-zero secret.
func NewPskSecret(suite CipherSuite, p Provider, ids []PreSharedKeyID, psks []*Secret) (*PskSecret, error) {
	if len(ids) != len(psks) {
		return nil, fmt.Errorf("mls.psk: %d ids, %d secrets: %w", len(ids), len(psks), ErrPSKCountMismatch)
	}
	if len(ids) > 0xffff {
		return nil, fmt.Errorf("mls.psk: too many pre-shared keys (%d)", len(ids))
	}

	encoded := make([][]byte, len(ids))
	for i, id := range ids {
		data, err := syntax.Marshal(id)
		if err != nil {
			return nil, fmt.Errorf("mls.psk: marshal id %d: %w", i, err)
		}

		for j := 0; j < i; j++ {
			if bytes.Equal(encoded[j], data) {
				return nil, fmt.Errorf("mls.psk: ids %d and %d: %w", j, i, ErrDuplicatePSK)
			}
		}
		encoded[i] = data
	}

	zero := zeroSecret(suite, ProtocolVersionMLS10)
	secret := zero.Clone()
	for i, psk := range psks {
		if psk.Suite != suite {
			return nil, fmt.Errorf("mls.psk: psk %d: %w", i, ErrCipherSuiteMismatch)
		}

		extracted, err := zero.extract(p, psk)
		if err != nil {
			return nil, err
		}

		label, err := syntax.Marshal(pskLabel{ID: ids[i], Index: uint16(i), Count: uint16(len(psks))})
		if err != nil {
			extracted.Destroy()
			return nil, fmt.Errorf("mls.psk: marshal label %d: %w", i, err)
		}

		input, err := extracted.expandWithLabel(p, "derived psk", label, suite.Constants().SecretSize)
		extracted.Destroy()
		if err != nil {
			return nil, err
		}

		next, err := input.extract(p, secret)
		input.Destroy()
		if err != nil {
			return nil, err
		}

		secret.Destroy()
		secret = next
	}

	return &PskSecret{secret}, nil
}

// RandomPskSecret draws a fresh PSK value, as a stand-in for an externally
// provisioned one.
func RandomPskSecret(suite CipherSuite, p Provider) (*Secret, error) {
	return randomSecret(p, suite, ProtocolVersionMLS10)
}

package vectors

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	mls "github.com/cisco/go-mls-core"
	syntax "github.com/cisco/go-tls-syntax"
)

// HexBytes is a byte string that travels as a hex string in JSON.
type HexBytes []byte

func (hb HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(hb))
}

func (hb *HexBytes) UnmarshalJSON(data []byte) error {
	var str string
	err := json.Unmarshal(data, &str)
	if err != nil {
		return err
	}

	*hb, err = hex.DecodeString(str)
	return err
}

// Outcome of verifying a vector.  Vectors for suites this build does not
// implement are Skipped rather than Passed.
type Outcome int

const (
	Passed Outcome = iota
	Skipped
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Passed:
		return "passed"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	}
	return "unknown"
}

var (
	ErrJoinerSecretMismatch         = errors.New("vectors: joiner secret mismatch")
	ErrWelcomeSecretMismatch        = errors.New("vectors: welcome secret mismatch")
	ErrGroupContextMismatch         = errors.New("vectors: group context mismatch")
	ErrInitSecretMismatch           = errors.New("vectors: init secret mismatch")
	ErrSenderDataSecretMismatch     = errors.New("vectors: sender data secret mismatch")
	ErrEncryptionSecretMismatch     = errors.New("vectors: encryption secret mismatch")
	ErrExporterSecretMismatch       = errors.New("vectors: exporter secret mismatch")
	ErrAuthenticationSecretMismatch = errors.New("vectors: authentication secret mismatch")
	ErrExternalSecretMismatch       = errors.New("vectors: external secret mismatch")
	ErrConfirmationKeyMismatch      = errors.New("vectors: confirmation key mismatch")
	ErrMembershipKeyMismatch        = errors.New("vectors: membership key mismatch")
	ErrResumptionSecretMismatch     = errors.New("vectors: resumption secret mismatch")
	ErrExternalPubMismatch          = errors.New("vectors: external public key mismatch")
)

func checkBytes(epoch int, expected, actual []byte, mismatch error) error {
	if !bytes.Equal(expected, actual) {
		return fmt.Errorf("epoch %d: %x != %x: %w", epoch, actual, expected, mismatch)
	}
	return nil
}

///
/// KeySchedule
///

type PSKValue struct {
	PSKID HexBytes `json:"psk_id"`
	PSK   HexBytes `json:"psk"`
}

type KeyScheduleEpoch struct {
	// Chosen by the generator
	TreeHash                HexBytes   `json:"tree_hash"`
	CommitSecret            HexBytes   `json:"commit_secret"`
	PSKs                    []PSKValue `json:"psks"`
	ConfirmedTranscriptHash HexBytes   `json:"confirmed_transcript_hash"`

	// Computed values
	GroupContext         HexBytes `json:"group_context"`
	JoinerSecret         HexBytes `json:"joiner_secret"`
	WelcomeSecret        HexBytes `json:"welcome_secret"`
	InitSecret           HexBytes `json:"init_secret"`
	SenderDataSecret     HexBytes `json:"sender_data_secret"`
	EncryptionSecret     HexBytes `json:"encryption_secret"`
	ExporterSecret       HexBytes `json:"exporter_secret"`
	AuthenticationSecret HexBytes `json:"authentication_secret"`
	ExternalSecret       HexBytes `json:"external_secret"`
	ConfirmationKey      HexBytes `json:"confirmation_key"`
	MembershipKey        HexBytes `json:"membership_key"`
	ResumptionSecret     HexBytes `json:"resumption_secret"`

	ExternalPub HexBytes `json:"external_pub"`
}

type KeySchedule struct {
	CipherSuite       mls.CipherSuite    `json:"cipher_suite"`
	GroupID           HexBytes           `json:"group_id"`
	InitialInitSecret HexBytes           `json:"initial_init_secret"`
	Epochs            []KeyScheduleEpoch `json:"epochs"`
}

const maxPSKsPerEpoch = 0x10

func randomPSKs(suite mls.CipherSuite, p mls.Provider, epoch mls.Epoch) ([]mls.PreSharedKeyID, []*mls.Secret, error) {
	count, err := p.RandomBytes(1)
	if err != nil {
		return nil, nil, err
	}

	n := int(count[0]) % maxPSKsPerEpoch
	ids := make([]mls.PreSharedKeyID, n)
	psks := make([]*mls.Secret, n)
	for i := 0; i < n; i++ {
		groupID, err := p.RandomBytes(16)
		if err != nil {
			return nil, nil, err
		}

		nonce, err := p.RandomBytes(13)
		if err != nil {
			return nil, nil, err
		}

		ids[i] = mls.PreSharedKeyID{
			Branch: &mls.BranchPSK{GroupID: groupID, Epoch: epoch},
			Nonce:  nonce,
		}

		psks[i], err = mls.RandomPskSecret(suite, p)
		if err != nil {
			return nil, nil, err
		}
	}

	return ids, psks, nil
}

// NewKeySchedule generates a chain of nEpochs key schedule epochs from a
// random initial init secret.
func NewKeySchedule(suite mls.CipherSuite, nEpochs int) (KeySchedule, error) {
	if !suite.Supported() {
		return KeySchedule{}, fmt.Errorf("vectors: %v: %w", suite, mls.ErrUnsupportedCipherSuite)
	}

	p := mls.NewDefaultProvider()
	secretSize := suite.Constants().SecretSize

	groupID, err := p.RandomBytes(16)
	if err != nil {
		return KeySchedule{}, err
	}

	initSecret, err := mls.RandomInitSecret(suite, p)
	if err != nil {
		return KeySchedule{}, err
	}

	vec := KeySchedule{
		CipherSuite:       suite,
		GroupID:           groupID,
		InitialInitSecret: initSecret.Bytes(),
		Epochs:            make([]KeyScheduleEpoch, nEpochs),
	}

	for i := range vec.Epochs {
		treeHash, err := p.RandomBytes(secretSize)
		if err != nil {
			return KeySchedule{}, err
		}

		commitSecret, err := mls.RandomCommitSecret(suite, p)
		if err != nil {
			return KeySchedule{}, err
		}

		ids, psks, err := randomPSKs(suite, p, mls.Epoch(i))
		if err != nil {
			return KeySchedule{}, err
		}

		pskSecret, err := mls.NewPskSecret(suite, p, ids, psks)
		if err != nil {
			return KeySchedule{}, err
		}

		confirmedTranscriptHash, err := p.RandomBytes(secretSize)
		if err != nil {
			return KeySchedule{}, err
		}

		gc, err := mls.NewGroupContext(groupID, mls.Epoch(i), treeHash, confirmedTranscriptHash, mls.NewExtensionList())
		if err != nil {
			return KeySchedule{}, err
		}

		gcData, err := gc.Serialize()
		if err != nil {
			return KeySchedule{}, err
		}

		joiner, err := mls.NewJoinerSecret(p, commitSecret, initSecret)
		if err != nil {
			return KeySchedule{}, err
		}

		ks, err := mls.NewKeySchedule(suite, p, joiner, pskSecret)
		if err != nil {
			return KeySchedule{}, err
		}

		welcome, err := ks.Welcome()
		if err != nil {
			return KeySchedule{}, err
		}

		eks, err := ks.AddContext(gc)
		if err != nil {
			return KeySchedule{}, err
		}

		secrets, err := eks.EpochSecrets(true)
		if err != nil {
			return KeySchedule{}, err
		}

		externalPriv, err := secrets.ExternalSecret.DeriveExternalKeyPair(p)
		if err != nil {
			return KeySchedule{}, err
		}

		externalPub, err := syntax.Marshal(externalPriv.PublicKey)
		if err != nil {
			return KeySchedule{}, err
		}

		epoch := KeyScheduleEpoch{
			TreeHash:                treeHash,
			CommitSecret:            commitSecret.Bytes(),
			PSKs:                    make([]PSKValue, len(ids)),
			ConfirmedTranscriptHash: confirmedTranscriptHash,

			GroupContext:         gcData,
			JoinerSecret:         joiner.Bytes(),
			WelcomeSecret:        welcome.Bytes(),
			InitSecret:           secrets.InitSecret.Bytes(),
			SenderDataSecret:     secrets.SenderDataSecret.Bytes(),
			EncryptionSecret:     secrets.EncryptionSecret.Bytes(),
			ExporterSecret:       secrets.ExporterSecret.Bytes(),
			AuthenticationSecret: secrets.AuthenticationSecret.Bytes(),
			ExternalSecret:       secrets.ExternalSecret.Bytes(),
			ConfirmationKey:      secrets.ConfirmationKey.Bytes(),
			MembershipKey:        secrets.MembershipKey.Bytes(),
			ResumptionSecret:     secrets.ResumptionSecret.Bytes(),

			ExternalPub: externalPub,
		}

		for j, id := range ids {
			epoch.PSKs[j].PSKID, err = syntax.Marshal(id)
			if err != nil {
				return KeySchedule{}, err
			}
			epoch.PSKs[j].PSK = psks[j].Bytes()
			psks[j].Destroy()
		}

		vec.Epochs[i] = epoch

		initSecret.Destroy()
		initSecret = secrets.InitSecret.Clone()

		joiner.Destroy()
		commitSecret.Destroy()
		pskSecret.Destroy()
		welcome.Destroy()
		secrets.Destroy()
	}

	initSecret.Destroy()
	return vec, nil
}

// Verify replays the recorded inputs and compares every recorded output.
// The first field that differs is reported with its mismatch error.
func (vec KeySchedule) Verify() (Outcome, error) {
	suite := vec.CipherSuite
	if !suite.Supported() {
		return Skipped, nil
	}

	p := mls.NewDefaultProvider()
	version := mls.ProtocolVersionMLS10
	initSecret := mls.NewInitSecret(mls.NewSecret(suite, version, vec.InitialInitSecret))
	defer func() { initSecret.Destroy() }()

	for i, epoch := range vec.Epochs {
		commitSecret := mls.NewCommitSecret(mls.NewSecret(suite, version, epoch.CommitSecret))

		ids := make([]mls.PreSharedKeyID, len(epoch.PSKs))
		psks := make([]*mls.Secret, len(epoch.PSKs))
		for j, psk := range epoch.PSKs {
			_, err := syntax.Unmarshal(psk.PSKID, &ids[j])
			if err != nil {
				return Failed, fmt.Errorf("epoch %d: psk id %d: %w", i, j, err)
			}
			psks[j] = mls.NewSecret(suite, version, psk.PSK)
		}

		pskSecret, err := mls.NewPskSecret(suite, p, ids, psks)
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}

		joiner, err := mls.NewJoinerSecret(p, commitSecret, initSecret)
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}
		if err := checkBytes(i, epoch.JoinerSecret, joiner.Bytes(), ErrJoinerSecretMismatch); err != nil {
			return Failed, err
		}

		ks, err := mls.NewKeySchedule(suite, p, joiner, pskSecret)
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}

		welcome, err := ks.Welcome()
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}
		if err := checkBytes(i, epoch.WelcomeSecret, welcome.Bytes(), ErrWelcomeSecretMismatch); err != nil {
			return Failed, err
		}

		gc, err := mls.NewGroupContext(vec.GroupID, mls.Epoch(i), epoch.TreeHash, epoch.ConfirmedTranscriptHash, mls.NewExtensionList())
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}

		gcData, err := gc.Serialize()
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}
		if err := checkBytes(i, epoch.GroupContext, gcData, ErrGroupContextMismatch); err != nil {
			return Failed, err
		}

		eks, err := ks.AddContext(gc)
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}

		secrets, err := eks.EpochSecrets(true)
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}

		initSecret.Destroy()
		initSecret = secrets.InitSecret.Clone()

		checks := []struct {
			expected []byte
			actual   *mls.Secret
			mismatch error
		}{
			{epoch.InitSecret, secrets.InitSecret.Secret, ErrInitSecretMismatch},
			{epoch.SenderDataSecret, secrets.SenderDataSecret, ErrSenderDataSecretMismatch},
			{epoch.EncryptionSecret, secrets.EncryptionSecret, ErrEncryptionSecretMismatch},
			{epoch.ExporterSecret, secrets.ExporterSecret, ErrExporterSecretMismatch},
			{epoch.AuthenticationSecret, secrets.AuthenticationSecret, ErrAuthenticationSecretMismatch},
			{epoch.ExternalSecret, secrets.ExternalSecret.Secret, ErrExternalSecretMismatch},
			{epoch.ConfirmationKey, secrets.ConfirmationKey, ErrConfirmationKeyMismatch},
			{epoch.MembershipKey, secrets.MembershipKey, ErrMembershipKeyMismatch},
			{epoch.ResumptionSecret, secrets.ResumptionSecret, ErrResumptionSecretMismatch},
		}
		for _, c := range checks {
			if err := checkBytes(i, c.expected, c.actual.Bytes(), c.mismatch); err != nil {
				secrets.Destroy()
				return Failed, err
			}
		}

		externalPriv, err := secrets.ExternalSecret.DeriveExternalKeyPair(p)
		secrets.Destroy()
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}

		externalPub, err := syntax.Marshal(externalPriv.PublicKey)
		if err != nil {
			return Failed, fmt.Errorf("epoch %d: %w", i, err)
		}
		if err := checkBytes(i, epoch.ExternalPub, externalPub, ErrExternalPubMismatch); err != nil {
			return Failed, err
		}

		joiner.Destroy()
		commitSecret.Destroy()
		pskSecret.Destroy()
		welcome.Destroy()
	}

	return Passed, nil
}

// KeyScheduleSet is one key schedule vector per ciphersuite, the layout of
// the shared interop files.
type KeyScheduleSet []KeySchedule

// NewKeyScheduleSet generates nEpochs for every supported suite.
func NewKeyScheduleSet(nEpochs int) (KeyScheduleSet, error) {
	suites := mls.SupportedCipherSuites()
	set := make(KeyScheduleSet, len(suites))
	for i, suite := range suites {
		vec, err := NewKeySchedule(suite, nEpochs)
		if err != nil {
			return nil, err
		}
		set[i] = vec
	}
	return set, nil
}

// UnmarshalJSON accepts either an array of vectors or a single vector.
func (set *KeyScheduleSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var vecs []KeySchedule
		if err := json.Unmarshal(data, &vecs); err != nil {
			return err
		}
		*set = vecs
		return nil
	}

	var vec KeySchedule
	if err := json.Unmarshal(data, &vec); err != nil {
		return err
	}
	*set = KeyScheduleSet{vec}
	return nil
}

// Verify checks every vector in the set.  The set fails on the first failing
// vector and is Skipped only if no vector could be checked.
func (set KeyScheduleSet) Verify() (Outcome, error) {
	outcome := Skipped
	for i, vec := range set {
		o, err := vec.Verify()
		if err != nil {
			return Failed, fmt.Errorf("vector %d (%v): %w", i, vec.CipherSuite, err)
		}
		if o == Passed {
			outcome = Passed
		}
	}
	return outcome, nil
}

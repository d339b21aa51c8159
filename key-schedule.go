package mls

import (
	"fmt"
)

///
/// Typed secrets
///

// CommitSecret is the output of a tree path update for one epoch
// transition.
type CommitSecret struct {
	*Secret
}

func NewCommitSecret(s *Secret) *CommitSecret {
	return &CommitSecret{s}
}

// ZeroCommitSecret is used for commits that carry no path.
func ZeroCommitSecret(suite CipherSuite) *CommitSecret {
	return &CommitSecret{zeroSecret(suite, ProtocolVersionMLS10)}
}

func RandomCommitSecret(suite CipherSuite, p Provider) (*CommitSecret, error) {
	s, err := randomSecret(p, suite, ProtocolVersionMLS10)
	if err != nil {
		return nil, err
	}
	return &CommitSecret{s}, nil
}

// InitSecret seeds the next epoch.
type InitSecret struct {
	*Secret
}

func NewInitSecret(s *Secret) *InitSecret {
	return &InitSecret{s}
}

func RandomInitSecret(suite CipherSuite, p Provider) (*InitSecret, error) {
	s, err := randomSecret(p, suite, ProtocolVersionMLS10)
	if err != nil {
		return nil, err
	}
	return &InitSecret{s}, nil
}

func (is *InitSecret) Clone() *InitSecret {
	return &InitSecret{is.Secret.Clone()}
}

// JoinerSecret folds the previous init secret and the commit secret together.
// It is what a Welcome message hands to new members.
type JoinerSecret struct {
	*Secret
}

func NewJoinerSecret(p Provider, commitSecret *CommitSecret, initSecret *InitSecret) (*JoinerSecret, error) {
	if commitSecret == nil {
		commitSecret = ZeroCommitSecret(initSecret.Suite)
	}

	prk, err := initSecret.extract(p, commitSecret.Secret)
	if err != nil {
		return nil, err
	}
	defer prk.Destroy()

	joiner, err := prk.deriveSecret(p, "joiner")
	if err != nil {
		return nil, err
	}
	return &JoinerSecret{joiner}, nil
}

func (js *JoinerSecret) Clone() *JoinerSecret {
	return &JoinerSecret{js.Secret.Clone()}
}

type WelcomeSecret struct {
	*Secret
}

// KeyAndNonce derives the AEAD key and nonce protecting the GroupInfo inside
// a Welcome message.
func (ws *WelcomeSecret) KeyAndNonce(p Provider) (key, nonce []byte, err error) {
	c := ws.Suite.Constants()

	k, err := ws.expandWithLabel(p, "key", []byte{}, c.KeySize)
	if err != nil {
		return nil, nil, err
	}

	n, err := ws.expandWithLabel(p, "nonce", []byte{}, c.NonceSize)
	if err != nil {
		k.Destroy()
		return nil, nil, err
	}

	return k.value, n.value, nil
}

type ExternalSecret struct {
	*Secret
}

// DeriveExternalKeyPair derives the HPKE key pair external joiners encrypt
// to.  It is a pure function of the secret.
func (es *ExternalSecret) DeriveExternalKeyPair(p Provider) (HPKEPrivateKey, error) {
	return p.DeriveHPKEKeyPair(es.Suite, es.value)
}

///
/// Epoch secrets
///

// EpochSecrets is everything one epoch of the key schedule produces.
// InitSecret is nil when the caller asked for it to be withheld.
type EpochSecrets struct {
	Suite CipherSuite

	JoinerSecret  *JoinerSecret
	WelcomeSecret *WelcomeSecret
	InitSecret    *InitSecret

	SenderDataSecret     *Secret
	EncryptionSecret     *Secret
	ExporterSecret       *Secret
	AuthenticationSecret *Secret
	ExternalSecret       *ExternalSecret
	ConfirmationKey      *Secret
	MembershipKey        *Secret
	ResumptionSecret     *Secret
}

func (es *EpochSecrets) all() []*Secret {
	out := []*Secret{
		es.SenderDataSecret,
		es.EncryptionSecret,
		es.ExporterSecret,
		es.AuthenticationSecret,
		es.ConfirmationKey,
		es.MembershipKey,
		es.ResumptionSecret,
	}
	if es.JoinerSecret != nil {
		out = append(out, es.JoinerSecret.Secret)
	}
	if es.WelcomeSecret != nil {
		out = append(out, es.WelcomeSecret.Secret)
	}
	if es.InitSecret != nil {
		out = append(out, es.InitSecret.Secret)
	}
	if es.ExternalSecret != nil {
		out = append(out, es.ExternalSecret.Secret)
	}
	return out
}

// Destroy zeroizes every secret in the bundle.
func (es *EpochSecrets) Destroy() {
	for _, s := range es.all() {
		s.Destroy()
	}
}

// Export implements the MLS exporter over exporter_secret.
func (es *EpochSecrets) Export(p Provider, label string, context []byte, length int) ([]byte, error) {
	base, err := es.ExporterSecret.deriveSecret(p, label)
	if err != nil {
		return nil, err
	}
	defer base.Destroy()

	hctx, err := p.Hash(es.Suite, context)
	if err != nil {
		return nil, err
	}

	out, err := base.expandWithLabel(p, "exporter", hctx, length)
	if err != nil {
		return nil, err
	}
	return out.value, nil
}

///
/// Key schedule state machine
///
/// NewKeySchedule  -> *KeySchedule       (joined; Welcome() may be called)
/// AddContext      -> *EpochKeySchedule  (bound to a GroupContext)
/// EpochSecrets    -> *EpochSecrets      (terminal for the epoch)
///
/// Each transition consumes the previous state.  Using a consumed state is a
/// library error.
///

type KeySchedule struct {
	suite        CipherSuite
	provider     Provider
	joiner       *JoinerSecret
	intermediate *Secret
	welcome      *WelcomeSecret
	consumed     bool
}

// NewKeySchedule starts an epoch from its joiner secret.  psk may be nil, in
// which case the zero secret is mixed in.
func NewKeySchedule(suite CipherSuite, p Provider, joiner *JoinerSecret, psk *PskSecret) (*KeySchedule, error) {
	if joiner == nil {
		return nil, libraryError("key schedule initialised without joiner secret")
	}
	if joiner.Suite != suite {
		return nil, fmt.Errorf("mls.key-schedule: joiner secret: %w", ErrCipherSuiteMismatch)
	}

	pskSecret := zeroSecret(suite, joiner.Version)
	if psk != nil {
		pskSecret = psk.Secret
	}

	intermediate, err := joiner.extract(p, pskSecret)
	if err != nil {
		return nil, err
	}

	return &KeySchedule{
		suite:        suite,
		provider:     p,
		joiner:       joiner.Clone(),
		intermediate: intermediate,
	}, nil
}

// Welcome derives the welcome secret.  It does not advance the schedule; the
// same schedule can still be bound to a context afterwards and produces the
// same epoch secrets either way.
func (ks *KeySchedule) Welcome() (*WelcomeSecret, error) {
	if ks.consumed {
		return nil, libraryError("welcome secret requested after context was added")
	}

	if err := ks.deriveWelcome(); err != nil {
		return nil, err
	}
	return &WelcomeSecret{ks.welcome.Clone()}, nil
}

func (ks *KeySchedule) deriveWelcome() error {
	if ks.welcome != nil {
		return nil
	}

	ws, err := ks.intermediate.deriveSecret(ks.provider, "welcome")
	if err != nil {
		return err
	}
	ks.welcome = &WelcomeSecret{ws}
	return nil
}

// AddContext binds the schedule to the epoch's GroupContext.
func (ks *KeySchedule) AddContext(gc *GroupContext) (*EpochKeySchedule, error) {
	if ks.consumed {
		return nil, libraryError("context added twice")
	}
	if gc == nil {
		return nil, libraryError("nil group context")
	}

	ctx, err := gc.Serialize()
	if err != nil {
		return nil, err
	}

	if err := ks.deriveWelcome(); err != nil {
		return nil, err
	}

	epochSecret, err := ks.intermediate.expandWithLabel(ks.provider, "epoch", ctx, ks.suite.Constants().SecretSize)
	if err != nil {
		return nil, err
	}

	eks := &EpochKeySchedule{
		suite:       ks.suite,
		provider:    ks.provider,
		joiner:      ks.joiner,
		welcome:     ks.welcome,
		epochSecret: epochSecret,
	}

	ks.intermediate.Destroy()
	ks.consumed = true
	ks.joiner = nil
	ks.welcome = nil
	return eks, nil
}

type EpochKeySchedule struct {
	suite       CipherSuite
	provider    Provider
	joiner      *JoinerSecret
	welcome     *WelcomeSecret
	epochSecret *Secret
	consumed    bool
}

var epochSecretLabels = struct {
	SenderData     string
	Encryption     string
	Exporter       string
	Authentication string
	External       string
	Confirm        string
	Membership     string
	Resumption     string
	Init           string
}{
	SenderData:     "sender data",
	Encryption:     "encryption",
	Exporter:       "exporter",
	Authentication: "authentication",
	External:       "external",
	Confirm:        "confirm",
	Membership:     "membership key",
	Resumption:     "resumption",
	Init:           "init",
}

// EpochSecrets derives the epoch's secrets and ends the schedule.  When
// withInit is false the next epoch's init secret is not derived.
func (eks *EpochKeySchedule) EpochSecrets(withInit bool) (*EpochSecrets, error) {
	if eks.consumed {
		return nil, libraryError("epoch secrets derived twice")
	}

	out := &EpochSecrets{
		Suite:         eks.suite,
		JoinerSecret:  eks.joiner,
		WelcomeSecret: eks.welcome,
	}

	derive := func(label string) (*Secret, error) {
		return eks.epochSecret.deriveSecret(eks.provider, label)
	}

	var err error
	fail := func(err error) (*EpochSecrets, error) {
		out.Destroy()
		return nil, err
	}

	if out.SenderDataSecret, err = derive(epochSecretLabels.SenderData); err != nil {
		return fail(err)
	}
	if out.EncryptionSecret, err = derive(epochSecretLabels.Encryption); err != nil {
		return fail(err)
	}
	if out.ExporterSecret, err = derive(epochSecretLabels.Exporter); err != nil {
		return fail(err)
	}
	if out.AuthenticationSecret, err = derive(epochSecretLabels.Authentication); err != nil {
		return fail(err)
	}

	external, err := derive(epochSecretLabels.External)
	if err != nil {
		return fail(err)
	}
	out.ExternalSecret = &ExternalSecret{external}

	if out.ConfirmationKey, err = derive(epochSecretLabels.Confirm); err != nil {
		return fail(err)
	}
	if out.MembershipKey, err = derive(epochSecretLabels.Membership); err != nil {
		return fail(err)
	}
	if out.ResumptionSecret, err = derive(epochSecretLabels.Resumption); err != nil {
		return fail(err)
	}

	if withInit {
		next, err := derive(epochSecretLabels.Init)
		if err != nil {
			return fail(err)
		}
		out.InitSecret = &InitSecret{next}
	}

	eks.epochSecret.Destroy()
	eks.consumed = true
	eks.joiner = nil
	eks.welcome = nil
	return out, nil
}

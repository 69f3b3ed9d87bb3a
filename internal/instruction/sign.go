package instruction

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"
)

// SignWithSessionKey signs the instruction hash with a session key and tags
// the result with SchemeSessionKey.
func SignWithSessionKey(u Unsigned, hasher Hasher, key *ecdsa.PrivateKey) (Signed, error) {
	if key == nil {
		return Signed{}, eris.New("instruction: nil session key")
	}
	hash, err := hasher.Hash(u)
	if err != nil {
		return Signed{}, err
	}
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return Signed{}, eris.Wrap(err, "instruction: session key sign")
	}
	return Signed{
		Unsigned: u,
		Hash:     hash,
		Signature: Signature{
			Scheme: SchemeSessionKey,
			Signer: crypto.PubkeyToAddress(key.PublicKey),
			Data:   sig,
		},
	}, nil
}

// WithBiometric attaches an approver's assertion to an instruction whose hash
// was computed when approval was requested.
func WithBiometric(u Unsigned, hash common.Hash, approver common.Address, a BiometricAssertion) Signed {
	return Signed{
		Unsigned: u,
		Hash:     hash,
		Signature: Signature{
			Scheme:    SchemeBiometric,
			Signer:    approver,
			Data:      a.Signature,
			Assertion: &a,
		},
	}
}

// RecoverSessionSigner returns the address that produced a session-key signature.
func RecoverSessionSigner(s Signed) (common.Address, error) {
	if s.Signature.Scheme != SchemeSessionKey {
		return common.Address{}, eris.Errorf("instruction: scheme %q is not recoverable", s.Signature.Scheme)
	}
	pub, err := crypto.SigToPub(s.Hash.Bytes(), s.Signature.Data)
	if err != nil {
		return common.Address{}, eris.Wrap(err, "instruction: recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

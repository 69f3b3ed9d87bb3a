package instruction

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
)

// ErrNotYetIncluded means the instruction is still in flight. It is not a failure.
var ErrNotYetIncluded = eris.New("instruction: not yet included")

// Scheme tags how an instruction was authorized so the receiving wallet can
// apply the matching policy.
type Scheme string

const (
	SchemeSessionKey Scheme = "session_key"
	SchemeBiometric  Scheme = "biometric"
)

// Call is a single sub-instruction executed by the target entity.
type Call struct {
	To    common.Address
	Value uint256.Int
	Data  []byte
}

// Unsigned is an instruction awaiting authorization.
type Unsigned struct {
	ChainID    uint64
	Target     common.Address
	Nonce      uint64
	Calls      []Call
	ValidUntil time.Time
}

// BiometricAssertion is the payload produced by the approver's authenticator.
type BiometricAssertion struct {
	CredentialID      string `json:"credential_id"`
	AuthenticatorData []byte `json:"authenticator_data"`
	ClientDataJSON    []byte `json:"client_data_json"`
	Signature         []byte `json:"signature"`
}

// Empty reports whether the assertion carries no signature material.
func (a *BiometricAssertion) Empty() bool {
	return a == nil || len(a.Signature) == 0
}

// Signature authorizes an instruction under one scheme.
type Signature struct {
	Scheme    Scheme
	Signer    common.Address
	Data      []byte
	Assertion *BiometricAssertion
}

// Signed is an authorized instruction ready for submission.
type Signed struct {
	Unsigned  Unsigned
	Hash      common.Hash
	Signature Signature
}

// Outcome is the terminal result of a submitted instruction.
type Outcome struct {
	Ref         string
	Success     bool
	BlockNumber uint64
	Reason      string
}

// Builder turns calls for a target entity into an unsigned instruction.
type Builder interface {
	Build(ctx context.Context, target common.Address, calls []Call) (Unsigned, error)
}

// Hasher computes the canonical signing hash of an instruction.
type Hasher interface {
	Hash(u Unsigned) (common.Hash, error)
}

// Submitter hands signed instructions to the execution boundary.
type Submitter interface {
	Submit(ctx context.Context, s Signed) (string, error)
	// Await returns ErrNotYetIncluded while the instruction is pending.
	Await(ctx context.Context, ref string) (Outcome, error)
}

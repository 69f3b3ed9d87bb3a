package approval

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"yield-guard/internal/instruction"
)

// Status is a proposal lifecycle state.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusExecuted        Status = "EXECUTED"
	StatusFailed          Status = "FAILED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Proposal is a candidate fund movement. Values handed out by the manager
// are copies; only the manager changes Status.
type Proposal struct {
	ID              string          `json:"id"`
	Target          common.Address  `json:"target"`
	FromSource      string          `json:"from_source"`
	ToSource        string          `json:"to_source"`
	Amount          uint256.Int     `json:"amount"`
	FromRate        decimal.Decimal `json:"from_rate"`
	ToRate          decimal.Decimal `json:"to_rate"`
	RateDelta       decimal.Decimal `json:"rate_delta"`
	EstimatedFee    uint256.Int     `json:"estimated_fee"`
	CreatedAt       time.Time       `json:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at"`
	Status          Status          `json:"status"`
	InstructionHash string          `json:"instruction_hash,omitempty"`
	SettlementRef   string          `json:"settlement_ref,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
}

// ProposalInput carries what the decision cycle knows about a move.
type ProposalInput struct {
	Target       common.Address
	FromSource   string
	ToSource     string
	Amount       uint256.Int
	FromRate     decimal.Decimal
	ToRate       decimal.Decimal
	EstimatedFee uint256.Int
}

// DisplayData is what the approver sees before authorizing.
type DisplayData struct {
	FromSource   string    `json:"from_source"`
	ToSource     string    `json:"to_source"`
	Amount       string    `json:"amount"`
	FromRate     string    `json:"from_rate"`
	ToRate       string    `json:"to_rate"`
	RateDelta    string    `json:"rate_delta"`
	EstimatedFee string    `json:"estimated_fee"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Request is the single outstanding human-lane approval for a proposal.
type Request struct {
	ProposalID          string               `json:"proposal_id"`
	TargetEntityID      common.Address       `json:"target_entity_id"`
	InstructionHash     common.Hash          `json:"instruction_hash"`
	UnsignedInstruction instruction.Unsigned `json:"unsigned_instruction"`
	DisplayData         DisplayData          `json:"display_data"`
	ApprovalURL         string               `json:"approval_url"`
	ExpiresAt           time.Time            `json:"expires_at"`
}

// Notification is handed to the delivery channel by the caller.
type Notification struct {
	ProposalID  string      `json:"proposal_id"`
	ApprovalURL string      `json:"approval_url"`
	Message     string      `json:"message"`
	DisplayData DisplayData `json:"display_data"`
	ExpiresAt   time.Time   `json:"expires_at"`
}

// Response is the approver's answer.
type Response struct {
	ProposalID string                          `json:"proposal_id"`
	Approved   bool                            `json:"approved"`
	Approver   common.Address                  `json:"approver"`
	Assertion  *instruction.BiometricAssertion `json:"assertion,omitempty"`
	Reason     string                          `json:"reason,omitempty"`
}

// ErrorKind classifies authorization failures.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindExpired          ErrorKind = "expired"
	KindRejected         ErrorKind = "rejected"
	KindMissingSignature ErrorKind = "missing_signature"
	KindInvalidState     ErrorKind = "invalid_state"
)

var (
	ErrNotFound         = eris.New("approval: proposal not found")
	ErrExpired          = eris.New("approval: approval expired")
	ErrRejected         = eris.New("approval: proposal rejected")
	ErrMissingSignature = eris.New("approval: missing biometric assertion")
	ErrInvalidState     = eris.New("approval: invalid state transition")
)

// Error is an authorization failure tied to one proposal.
type Error struct {
	Kind       ErrorKind
	ProposalID string
	Detail     string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("approval %s: %s (%s)", e.ProposalID, e.Kind, e.Detail)
	}
	return fmt.Sprintf("approval %s: %s", e.ProposalID, e.Kind)
}

// Is matches the package sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrExpired:
		return e.Kind == KindExpired
	case ErrRejected:
		return e.Kind == KindRejected
	case ErrMissingSignature:
		return e.Kind == KindMissingSignature
	case ErrInvalidState:
		return e.Kind == KindInvalidState
	}
	return false
}

func newError(kind ErrorKind, id string, detail string) *Error {
	return &Error{Kind: kind, ProposalID: id, Detail: detail}
}

package instruction

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rotisserie/eris"
)

const vaultABIJSON = `[
  {"type":"function","name":"rebalance","stateMutability":"nonpayable",
   "inputs":[{"name":"fromSource","type":"string"},{"name":"toSource","type":"string"},{"name":"amount","type":"uint256"}],
   "outputs":[]}
]`

var vaultABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(vaultABIJSON))
	if err != nil {
		panic("instruction: parse vault abi: " + err.Error())
	}
	vaultABI = parsed
}

// RebalanceCall encodes the vault call that moves amount from one source to another.
func RebalanceCall(vault common.Address, fromSource, toSource string, amount uint256.Int) (Call, error) {
	if fromSource == "" || toSource == "" {
		return Call{}, eris.New("instruction: rebalance needs both sources")
	}
	if amount.IsZero() {
		return Call{}, eris.New("instruction: rebalance amount is zero")
	}
	data, err := vaultABI.Pack("rebalance", fromSource, toSource, amount.ToBig())
	if err != nil {
		return Call{}, eris.Wrap(err, "instruction: pack rebalance")
	}
	return Call{To: vault, Data: data}, nil
}

// SequentialBuilder assigns monotonically increasing nonces per target and a
// fixed validity window.
type SequentialBuilder struct {
	ChainID  uint64
	Validity time.Duration

	mu     sync.Mutex
	nonces map[common.Address]uint64
	now    func() time.Time
}

var _ Builder = (*SequentialBuilder)(nil)

// NewSequentialBuilder starts every target's nonce at zero.
func NewSequentialBuilder(chainID uint64, validity time.Duration) *SequentialBuilder {
	if validity <= 0 {
		validity = 30 * time.Minute
	}
	return &SequentialBuilder{
		ChainID:  chainID,
		Validity: validity,
		nonces:   make(map[common.Address]uint64),
		now:      time.Now,
	}
}

// SetNonce seeds the next nonce for a target, e.g. from the wallet contract.
func (b *SequentialBuilder) SetNonce(target common.Address, next uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonces[target] = next
}

func (b *SequentialBuilder) Build(ctx context.Context, target common.Address, calls []Call) (Unsigned, error) {
	if err := ctx.Err(); err != nil {
		return Unsigned{}, err
	}
	if len(calls) == 0 {
		return Unsigned{}, eris.New("instruction: no calls")
	}

	b.mu.Lock()
	nonce := b.nonces[target]
	b.nonces[target] = nonce + 1
	b.mu.Unlock()

	out := make([]Call, len(calls))
	copy(out, calls)
	return Unsigned{
		ChainID:    b.ChainID,
		Target:     target,
		Nonce:      nonce,
		Calls:      out,
		ValidUntil: b.now().Add(b.Validity).UTC().Truncate(time.Second),
	}, nil
}

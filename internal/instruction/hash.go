package instruction

import (
	"encoding/json"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rotisserie/eris"
)

type canonicalCall struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type canonicalInstruction struct {
	ChainID    string          `json:"chain_id"`
	Target     string          `json:"target"`
	Nonce      string          `json:"nonce"`
	ValidUntil int64           `json:"valid_until"`
	Calls      []canonicalCall `json:"calls"`
}

// KeccakHasher hashes the canonical JSON encoding of an instruction with keccak256.
// Addresses are lower-case hex and integers decimal strings, so the encoding is
// stable across processes.
type KeccakHasher struct{}

var _ Hasher = KeccakHasher{}

// Canonical returns the bytes that are hashed.
func (KeccakHasher) Canonical(u Unsigned) ([]byte, error) {
	c := canonicalInstruction{
		ChainID:    strconv.FormatUint(u.ChainID, 10),
		Target:     hexutil.Encode(u.Target.Bytes()),
		Nonce:      strconv.FormatUint(u.Nonce, 10),
		ValidUntil: u.ValidUntil.Unix(),
		Calls:      make([]canonicalCall, 0, len(u.Calls)),
	}
	for _, call := range u.Calls {
		c.Calls = append(c.Calls, canonicalCall{
			To:    hexutil.Encode(call.To.Bytes()),
			Value: call.Value.Dec(),
			Data:  hexutil.Encode(call.Data),
		})
	}
	out, err := json.Marshal(c)
	if err != nil {
		return nil, eris.Wrap(err, "instruction: canonical encoding")
	}
	return out, nil
}

func (h KeccakHasher) Hash(u Unsigned) (common.Hash, error) {
	if len(u.Calls) == 0 {
		return common.Hash{}, eris.New("instruction: no calls")
	}
	raw, err := h.Canonical(u)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(raw), nil
}

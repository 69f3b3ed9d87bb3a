package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Kind names one of the supported lending protocols.
type Kind string

const (
	KindAaveV3      Kind = "aave_v3"
	KindCompoundV3  Kind = "compound_v3"
	KindMoonwell    Kind = "moonwell"
	KindMorphoVault Kind = "morpho_vault"
)

// Kinds lists every supported protocol kind.
func Kinds() []Kind {
	return []Kind{KindAaveV3, KindCompoundV3, KindMoonwell, KindMorphoVault}
}

// ParseKind validates a configured kind string.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown source kind %q", raw)
}

// Reading is one primary observation: the supply rate and what the holder has deposited.
type Reading struct {
	Rate    decimal.Decimal
	Balance uint256.Int
}

// Reader reads the current annualised supply rate and the holder's balance.
type Reader interface {
	Read(ctx context.Context, holder common.Address) (Reading, error)
}

// FallbackRates returns current rates for a set of source ids. Missing ids
// simply have no entry.
type FallbackRates interface {
	CurrentRates(ctx context.Context, ids []string) (map[string]decimal.Decimal, error)
}

// Source couples an identifier with its primary reader.
type Source struct {
	ID          string
	DisplayName string
	Kind        Kind
	Reader      Reader
}
